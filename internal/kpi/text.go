package kpi

import (
	"regexp"
	"strings"
)

// MinLineLength drops shorter lines, which are mostly navigation and
// boilerplate of crawled pages.
const MinLineLength = 43

var (
	spaceRun      = regexp.MustCompile(` +`)
	sentenceBreak = regexp.MustCompile(`([.!?])\s+`)
)

// PrepareText turns crawled documents into the analysis text: short lines
// are dropped, the rest is joined and split into one sentence per line,
// and repeated sentences are kept once.
func PrepareText(docs []string) string {
	var kept []string
	for _, doc := range docs {
		for _, line := range strings.Split(doc, "\n") {
			line = strings.TrimSpace(line)
			if len(line) >= MinLineLength {
				kept = append(kept, line)
			}
		}
	}
	if len(kept) == 0 {
		return ""
	}

	text := spaceRun.ReplaceAllString(strings.Join(kept, " "), " ")
	text = sentenceBreak.ReplaceAllString(text, "$1\n")

	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(text, "\n") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, "\n")
}
