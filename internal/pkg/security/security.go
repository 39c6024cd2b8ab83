// Package security provides input validation and log sanitization for
// values that arrive from HTTP clients.
package security

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxEntityIDLength bounds broker entity ids accepted from clients.
const MaxEntityIDLength = 512

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// ValidateEntityID checks a broker entity id taken from a request. Ids end
// up in log lines, broker queries and file names.
func ValidateEntityID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Constraint: "required"}
	}
	if !utf8.ValidString(id) {
		return &ValidationError{Field: field, Constraint: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(id); n > MaxEntityIDLength {
		return &ValidationError{
			Field:      field,
			Value:      n,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxEntityIDLength),
		}
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return &ValidationError{Field: field, Constraint: "must not contain whitespace or control characters"}
		}
	}
	return nil
}

// SanitizeForLog escapes line breaks and tabs, drops other control
// characters and truncates to 200 characters, so client input cannot forge
// log lines.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}
