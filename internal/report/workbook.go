// Package report builds the per-organization compliance workbook from a
// stored KPI payload.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/filename"
)

// Sheet names in workbook order.
const (
	SheetGoals        = "Goals"
	SheetTargets      = "Targets"
	SheetAnalyse      = "Analyse"
	SheetRefGoals     = "Ref_Goals"
	SheetRefTargets   = "Ref_Targets"
	SheetDocument     = "Document"
	SheetProcessInput = "Process_Input"
)

// Sheets lists every generated sheet.
var Sheets = []string{SheetGoals, SheetTargets, SheetAnalyse, SheetRefGoals, SheetRefTargets, SheetDocument, SheetProcessInput}

// First data rows.
const (
	GoalsFirstRow   = 6
	TargetsFirstRow = 6
	RefFirstRow     = 2
)

// Meta names the organization and agenda a report is about.
type Meta struct {
	Organization string
	Agenda       string
	Generated    time.Time
}

type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) set(row, col int, v any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(w.sheet, cell, v)
}

// score writes a present score as float64 and leaves absent cells blank.
func (w *sheetWriter) score(row, col int, s matching.Score) {
	if v, ok := s.Get(); ok {
		w.set(row, col, v)
	}
}

// Generate re-aggregates the payload and fills the report sheets.
func Generate(p kpi.Payload, meta Meta) (*excelize.File, error) {
	res := p.Aggregate()
	tax := res.Taxonomy()

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", Sheets[0]); err != nil {
		f.Close()
		return nil, apperrors.ReportError("create workbook", err)
	}
	for _, name := range Sheets[1:] {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, apperrors.ReportError("create sheet "+name, err)
		}
	}

	writers := []func(*excelize.File) error{
		func(f *excelize.File) error { return writeGoals(f, res, tax, meta) },
		func(f *excelize.File) error { return writeTargets(f, res, tax) },
		func(f *excelize.File) error { return writeAnalyse(f, res, meta) },
		func(f *excelize.File) error { return writeRefGoals(f, res, tax) },
		func(f *excelize.File) error { return writeRefTargets(f, res, tax) },
		func(f *excelize.File) error { return writeDocument(f, p) },
		func(f *excelize.File) error { return writeProcessInput(f, p) },
	}
	for _, write := range writers {
		if err := write(f); err != nil {
			f.Close()
			return nil, apperrors.ReportError("fill workbook", err)
		}
	}
	return f, nil
}

func writeGoals(f *excelize.File, res matching.Result, tax matching.Taxonomy, meta Meta) error {
	w := &sheetWriter{f: f, sheet: SheetGoals}
	w.set(2, 1, "Organization")
	w.set(2, 2, meta.Organization)
	w.set(3, 1, "Agenda")
	w.set(3, 2, meta.Agenda)
	w.set(5, 3, "Goal")
	w.set(5, 4, "Title")
	w.set(5, 5, "Score")
	for i, g := range tax.Goals {
		row := GoalsFirstRow + i
		w.set(row, 3, g.Level0)
		w.set(row, 4, g.Title)
		w.score(row, 5, res.Detailed.Goals[g.Level0])
	}
	return w.err
}

func writeTargets(f *excelize.File, res matching.Result, tax matching.Taxonomy) error {
	w := &sheetWriter{f: f, sheet: SheetTargets}
	w.set(5, 3, "Goal")
	w.set(5, 5, "Target")
	w.set(5, 6, "Text")
	w.set(5, 7, "Score")
	row := TargetsFirstRow
	for _, g := range tax.Goals {
		for _, t := range g.Targets {
			w.set(row, 3, g.Level0)
			w.set(row, 5, t.Level1)
			w.set(row, 6, t.Text)
			w.score(row, 7, res.Detailed.Targets[matching.TargetKey{Level0: g.Level0, Level1: t.Level1}])
			row++
		}
	}
	return w.err
}

func writeAnalyse(f *excelize.File, res matching.Result, meta Meta) error {
	w := &sheetWriter{f: f, sheet: SheetAnalyse}
	w.set(1, 1, "Threshold")
	w.set(1, 2, res.Threshold)
	w.set(2, 1, "Overall")
	w.score(2, 2, res.Overall)
	w.set(3, 1, "Matching score (%)")
	if pct, ok := res.MatchingScore(); ok {
		w.set(3, 2, pct)
	}
	w.set(4, 1, "Qualified")
	w.set(4, 2, res.Qualified())
	if !meta.Generated.IsZero() {
		w.set(5, 1, "Generated")
		w.set(5, 2, meta.Generated.UTC().Format(time.RFC3339))
	}
	return w.err
}

func writeRefGoals(f *excelize.File, res matching.Result, tax matching.Taxonomy) error {
	w := &sheetWriter{f: f, sheet: SheetRefGoals}
	w.set(1, 1, "level0")
	w.set(1, 2, "title")
	w.set(1, 3, "similarity")
	for i, g := range tax.Goals {
		row := RefFirstRow + i
		w.set(row, 1, g.Level0)
		w.set(row, 2, g.Title)
		w.score(row, 3, res.Detailed.Goals[g.Level0])
	}
	return w.err
}

func writeRefTargets(f *excelize.File, res matching.Result, tax matching.Taxonomy) error {
	w := &sheetWriter{f: f, sheet: SheetRefTargets}
	for col, h := range []string{"level0", "level1", "title", "", "", "text", "similarity"} {
		if h != "" {
			w.set(1, col+1, h)
		}
	}
	row := RefFirstRow
	for _, g := range tax.Goals {
		for _, t := range g.Targets {
			w.set(row, 1, g.Level0)
			w.set(row, 2, t.Level1)
			w.set(row, 3, g.Title)
			w.set(row, 6, t.Text)
			w.score(row, 7, res.Detailed.Targets[matching.TargetKey{Level0: g.Level0, Level1: t.Level1}])
			row++
		}
	}
	return w.err
}

func writeDocument(f *excelize.File, p kpi.Payload) error {
	w := &sheetWriter{f: f, sheet: SheetDocument}
	w.set(1, 1, "fragment")
	w.set(1, 2, "text")
	for i, frag := range p.Text.Analysis {
		w.set(i+2, 1, frag.Fragment)
		w.set(i+2, 2, frag.Text)
	}
	return w.err
}

func writeProcessInput(f *excelize.File, p kpi.Payload) error {
	w := &sheetWriter{f: f, sheet: SheetProcessInput}
	for col, h := range []string{"file", "tag", "level0", "level1", "similarity", "fragment"} {
		w.set(1, col+1, h)
	}
	title := map[string]string{}
	for _, r := range p.Text.Reference {
		if _, ok := title[r.Level0]; !ok {
			title[r.Level0] = r.Title
		}
	}
	for i, rv := range p.Detailed.RawValues {
		row := i + 2
		w.set(row, 1, fmt.Sprintf("%s.%s-%s.txt", title[rv.Level0], rv.Level0, rv.Level1))
		w.set(row, 2, rv.Level0+"-"+rv.Level1)
		w.set(row, 3, rv.Level0)
		w.set(row, 4, rv.Level1)
		w.score(row, 5, rv.Similarity)
		w.set(row, 6, rv.Fragment)
	}
	return w.err
}

// FileName is the stable report name for an agenda and organization.
func FileName(agenda, org string) string {
	return fmt.Sprintf("Compliance_Report_%s_%s.xlsx", filename.Safe(agenda), filename.Safe(org))
}

// BackupName is the timestamped report name.
func BackupName(agenda, org string, now time.Time) string {
	stamp := now.Format("20060102-150405") + fmt.Sprintf("-%06d", now.Nanosecond()/1000)
	return fmt.Sprintf("Compliance_Report_%s_%s_%s.xlsx", filename.Safe(agenda), filename.Safe(org), stamp)
}

// Save writes the workbook to dir under its stable name, overwriting any
// previous report, and keeps a timestamped copy next to it.
func Save(f *excelize.File, dir, agenda, org string, now time.Time) (path, backup string, err error) {
	path = filepath.Join(dir, FileName(agenda, org))
	backup = filepath.Join(dir, BackupName(agenda, org, now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", apperrors.ReportError("create report directory", err).WithDetail("path", dir)
	}
	// SaveAs caps paths at 207 characters, which urn ids exceed quickly
	buf, err := f.WriteToBuffer()
	if err != nil {
		return "", "", apperrors.ReportError("encode report", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", "", apperrors.ReportError("save report", err).WithDetail("path", path)
	}
	if err := os.WriteFile(backup, buf.Bytes(), 0o644); err != nil {
		return "", "", apperrors.ReportError("save report backup", err).WithDetail("path", backup)
	}
	return path, backup, nil
}

// Parity compares the aggregates stored in the payload with a fresh
// aggregation of its raw values. Scores must match exactly; a stored
// coarse target that is missing counts as absent.
func Parity(p kpi.Payload) error {
	res := p.Aggregate()
	var diffs []string

	goals := func(kind string, stored []kpi.GoalValue, computed []matching.GoalScore) {
		byID := make(map[string]matching.Score, len(stored))
		for _, g := range stored {
			byID[g.Level0] = g.Similarity
		}
		for _, g := range computed {
			if s, ok := byID[g.Level0]; !ok || !s.Equal(g.Score) {
				diffs = append(diffs, fmt.Sprintf("%sgoal %s: stored %s, computed %s", kind, g.Level0, s, g.Score))
			}
		}
	}
	targets := func(kind string, stored []kpi.TargetValue, computed []matching.TargetScore, missingAbsent bool) {
		byKey := make(map[matching.TargetKey]matching.Score, len(stored))
		for _, t := range stored {
			byKey[matching.TargetKey{Level0: t.Level0, Level1: t.Level1}] = t.Similarity
		}
		for _, t := range computed {
			s, ok := byKey[matching.TargetKey{Level0: t.Level0, Level1: t.Level1}]
			if (!ok && !missingAbsent) || !s.Equal(t.Score) {
				diffs = append(diffs, fmt.Sprintf("%starget %s-%s: stored %s, computed %s", kind, t.Level0, t.Level1, s, t.Score))
			}
		}
	}

	goals("", p.Detailed.MeanPerLevel0, res.GoalScores())
	targets("", p.Detailed.MeanPerLevel1, res.TargetScores(), false)
	goals("coarse ", p.Coarse.MeanPerLevel0, res.CoarseGoalScores())
	targets("coarse ", p.Coarse.MeanPerLevel1, res.CoarseTargetScores(), true)

	if len(diffs) > 0 {
		return apperrors.ValidationError("stored aggregates differ from raw values: " + strings.Join(diffs, "; "))
	}
	return nil
}
