package kpi

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

//go:embed schema.json
var payloadSchema []byte

var (
	schemaLoader = gojsonschema.NewBytesLoader(payloadSchema)
	validate     = validator.New()
)

// Validate checks p against the payload JSON schema.
func Validate(p Payload) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return apperrors.InternalError("encoding kpi payload", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return apperrors.InternalError("loading kpi payload schema", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	details := make(map[string]string, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, desc.Description()))
		details[field] = desc.Description()
	}
	return apperrors.ValidationError("invalid kpi payload: " + strings.Join(msgs, "; ")).WithDetails(details)
}

// Provenance names the entities a KPI is derived from.
type Provenance struct {
	OrganizationID string `validate:"required"`
	MatchingRunID  string `validate:"required"`
	AgendaID       string `validate:"required"`
}

// Validate reports a missing provenance field.
func (p Provenance) Validate() error {
	if err := validate.Struct(p); err != nil {
		return apperrors.ValidationError("invalid kpi provenance: " + err.Error())
	}
	return nil
}
