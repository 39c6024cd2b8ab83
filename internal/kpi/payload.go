// Package kpi turns similarity results into matching KPIs: it builds the
// complete payload, persists it and registers the KPI entity.
package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

const (
	detailedDescription = "The detailed analysis matches every sentence of the analysis text with every sentence of every reference text. " +
		"Only sentence similarities above the threshold contribute to a target; a goal averages over all of its targets. " +
		"The raw results are represented within the raw values."
	coarseDescription = "The coarse analysis matches the whole analysis text with every reference text. " +
		"The means of the matching results for every reference text level are represented within the aggregated values (null values are ignored)."
)

// Fragment is one sentence of the analysis text.
type Fragment struct {
	Fragment int    `json:"fragment"`
	Text     string `json:"text"`
}

// GoalValue is an aggregated goal score.
type GoalValue struct {
	Level0     string         `json:"level0"`
	Similarity matching.Score `json:"similarity"`
}

// TargetValue is an aggregated target score.
type TargetValue struct {
	Level0     string         `json:"level0"`
	Level1     string         `json:"level1"`
	Similarity matching.Score `json:"similarity"`
}

// Text holds the analysed text and the reference texts.
type Text struct {
	Analysis  []Fragment           `json:"analysis"`
	Reference []matching.Reference `json:"reference"`
}

// Detailed holds the sentence-level results.
type Detailed struct {
	Description   string                    `json:"description"`
	MeanPerLevel0 []GoalValue               `json:"mean_per_level0"`
	MeanPerLevel1 []TargetValue             `json:"mean_per_level1"`
	RawValues     []matching.DetailedRecord `json:"raw_values"`
}

// Coarse holds the document-level results.
type Coarse struct {
	Description   string        `json:"description"`
	MeanPerLevel0 []GoalValue   `json:"mean_per_level0"`
	MeanPerLevel1 []TargetValue `json:"mean_per_level1"`
}

// Payload is the complete KPI value stored in the blob store.
type Payload struct {
	Threshold float64  `json:"threshold"`
	Text      Text     `json:"text"`
	Detailed  Detailed `json:"detailed"`
	Coarse    Coarse   `json:"coarse"`
}

// DefaultThreshold applies to stored payloads that predate the threshold
// field.
const DefaultThreshold = 0.3

// UnmarshalJSON decodes a payload, defaulting a missing threshold.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type plain Payload
	v := plain{Threshold: DefaultThreshold}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Payload(v)
	return nil
}

// Taxonomy returns the goal/target hierarchy of the payload's references.
func (p Payload) Taxonomy() matching.Taxonomy {
	return matching.TaxonomyFromReferences(p.Text.Reference)
}

// CoarseRecords returns the per-target coarse similarities.
func (p Payload) CoarseRecords() []matching.CoarseRecord {
	out := make([]matching.CoarseRecord, 0, len(p.Coarse.MeanPerLevel1))
	for _, v := range p.Coarse.MeanPerLevel1 {
		out = append(out, matching.CoarseRecord{Level0: v.Level0, Level1: v.Level1, Similarity: v.Similarity})
	}
	return out
}

// Aggregate recomputes the scores from the raw values with the payload's
// own threshold.
func (p Payload) Aggregate() matching.Result {
	return p.AggregateAt(p.Threshold)
}

// AggregateAt recomputes the scores from the raw values with threshold.
func (p Payload) AggregateAt(threshold float64) matching.Result {
	return matching.Aggregate(p.Detailed.RawValues, p.CoarseRecords(), p.Taxonomy(), threshold)
}

// Build assembles the complete payload from parsed result workbooks.
func Build(res simcore.Results, threshold float64) (Payload, error) {
	if len(res.Detailed) == 0 && len(res.Coarse) == 0 {
		return Payload{}, apperrors.ValidationError("no result workbooks to score")
	}

	p := Payload{
		Threshold: threshold,
		Detailed:  Detailed{Description: detailedDescription},
		Coarse:    Coarse{Description: coarseDescription},
	}

	seen := make(map[matching.TargetKey]bool)
	for _, row := range res.Coarse {
		key := matching.TargetKey{Level0: row.Level0, Level1: row.Level1}
		if !seen[key] {
			seen[key] = true
			p.Text.Reference = append(p.Text.Reference, matching.Reference{
				Title: row.Title, Level0: row.Level0, Level1: row.Level1, Text: row.Text,
			})
		}
		sim := row.Similarity
		if sim.Valid && sim.Value == 0 {
			sim = matching.Absent()
		}
		p.Coarse.MeanPerLevel1 = append(p.Coarse.MeanPerLevel1, TargetValue{Level0: row.Level0, Level1: row.Level1, Similarity: sim})
	}

	for i, sheet := range res.Detailed {
		// a detailed sheet without a coarse row still names its target
		key := matching.TargetKey{Level0: sheet.Level0, Level1: sheet.Level1}
		if !seen[key] {
			seen[key] = true
			p.Text.Reference = append(p.Text.Reference, matching.Reference{
				Title: sheet.Title, Level0: sheet.Level0, Level1: sheet.Level1,
			})
		}
		for _, s := range sheet.Sentences {
			p.Detailed.RawValues = append(p.Detailed.RawValues, matching.DetailedRecord{
				Level0: sheet.Level0, Level1: sheet.Level1, Fragment: s.Fragment, Similarity: s.Similarity,
			})
			if i == 0 {
				p.Text.Analysis = append(p.Text.Analysis, Fragment{Fragment: s.Fragment, Text: SanitizeXML(s.Label)})
			}
		}
	}

	r := p.Aggregate()
	for _, g := range r.GoalScores() {
		p.Detailed.MeanPerLevel0 = append(p.Detailed.MeanPerLevel0, GoalValue{Level0: g.Level0, Similarity: g.Score})
	}
	for _, t := range r.TargetScores() {
		p.Detailed.MeanPerLevel1 = append(p.Detailed.MeanPerLevel1, TargetValue{Level0: t.Level0, Level1: t.Level1, Similarity: t.Score})
	}
	for _, g := range r.CoarseGoalScores() {
		p.Coarse.MeanPerLevel0 = append(p.Coarse.MeanPerLevel0, GoalValue{Level0: g.Level0, Similarity: g.Score})
	}
	return p, nil
}

// SanitizeXML replaces the control characters that spreadsheet XML cannot
// hold with '_'. Tab, newline and carriage return are kept.
func SanitizeXML(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return '_'
		}
		return r
	}, s)
}

// Load downloads and decodes a complete payload.
func Load(ctx context.Context, blobs blob.Store, id string) (Payload, error) {
	data, err := blobs.Get(ctx, blob.IDFromURL(id))
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decoding kpi payload %s: %w", id, err)
	}
	return p, nil
}
