package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

func sentences(sims ...matching.Score) []simcore.Sentence {
	labels := []string{"We end poverty.", "We feed people.", "Unrelated."}
	out := make([]simcore.Sentence, len(sims))
	for i, s := range sims {
		out[i] = simcore.Sentence{Fragment: i + 1, Label: labels[i], Similarity: s}
	}
	return out
}

func results() simcore.Results {
	some, none := matching.Some, matching.Absent()
	return simcore.Results{
		Detailed: []simcore.DetailedSheet{
			{Title: "sdg", Level0: "1", Level1: "1", Sentences: sentences(some(0.5), some(0.2), none)},
			{Title: "sdg", Level0: "1", Level1: "2", Sentences: sentences(some(0.1), some(0.25), none)},
			{Title: "sdg", Level0: "2", Level1: "1", Sentences: sentences(some(0.9), some(0.35), none)},
		},
		Coarse: []simcore.CoarseRow{
			{Title: "sdg", Level0: "1", Level1: "1", Text: "End poverty", Similarity: some(0.42)},
			{Title: "sdg", Level0: "1", Level1: "2", Text: "Halve poverty", Similarity: some(0)},
			{Title: "sdg", Level0: "2", Level1: "1", Text: "End hunger", Similarity: some(0.5)},
		},
	}
}

func payload(t *testing.T) kpi.Payload {
	t.Helper()
	p, err := kpi.Build(results(), 0.3)
	require.NoError(t, err)
	return p
}

func cell(t *testing.T, f *excelize.File, sheet string, col, row int) string {
	t.Helper()
	name, err := excelize.CoordinatesToCellName(col, row)
	require.NoError(t, err)
	v, err := f.GetCellValue(sheet, name, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	return v
}

func number(t *testing.T, f *excelize.File, sheet string, col, row int) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(cell(t, f, sheet, col, row), 64)
	require.NoError(t, err)
	return v
}

func TestGenerate(t *testing.T) {
	f, err := Generate(payload(t), Meta{Organization: "ACME", Agenda: "SDG"})
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, Sheets, f.GetSheetList())

	assert.Equal(t, "ACME", cell(t, f, SheetGoals, 2, 2))
	assert.Equal(t, "SDG", cell(t, f, SheetGoals, 2, 3))
	assert.Equal(t, "1", cell(t, f, SheetGoals, 3, 6))
	assert.Equal(t, "sdg", cell(t, f, SheetGoals, 4, 6))
	assert.Equal(t, 0.25, number(t, f, SheetGoals, 5, 6))
	assert.Equal(t, "2", cell(t, f, SheetGoals, 3, 7))
	assert.Equal(t, 0.625, number(t, f, SheetGoals, 5, 7))

	assert.Equal(t, "1", cell(t, f, SheetTargets, 3, 6))
	assert.Equal(t, "1", cell(t, f, SheetTargets, 5, 6))
	assert.Equal(t, "End poverty", cell(t, f, SheetTargets, 6, 6))
	assert.Equal(t, 0.5, number(t, f, SheetTargets, 7, 6))
	assert.Empty(t, cell(t, f, SheetTargets, 7, 7), "absent target stays blank")
	assert.Equal(t, 0.625, number(t, f, SheetTargets, 7, 8))

	assert.Equal(t, 0.3, number(t, f, SheetAnalyse, 2, 1))
	assert.Equal(t, 0.4375, number(t, f, SheetAnalyse, 2, 2))
	assert.Equal(t, 44.0, number(t, f, SheetAnalyse, 2, 3))

	assert.Equal(t, "2", cell(t, f, SheetRefGoals, 1, 3))
	assert.Equal(t, 0.625, number(t, f, SheetRefGoals, 3, 3))

	assert.Equal(t, "1", cell(t, f, SheetRefTargets, 1, 3))
	assert.Equal(t, "2", cell(t, f, SheetRefTargets, 2, 3))
	assert.Equal(t, "Halve poverty", cell(t, f, SheetRefTargets, 6, 3))
	assert.Empty(t, cell(t, f, SheetRefTargets, 7, 3))

	assert.Equal(t, "We feed people.", cell(t, f, SheetDocument, 2, 3))

	rows, err := f.GetRows(SheetProcessInput)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	assert.Equal(t, []string{"sdg.1-1.txt", "1-1", "1", "1", "0.5", "1"}, rows[1])
	assert.Equal(t, "sdg.2-1.txt", rows[7][0])
	assert.Equal(t, 0.35, number(t, f, SheetProcessInput, 5, 9))
}

func TestParity(t *testing.T) {
	p := payload(t)
	require.NoError(t, Parity(p))

	tampered := p
	tampered.Detailed.MeanPerLevel0 = append([]kpi.GoalValue(nil), p.Detailed.MeanPerLevel0...)
	tampered.Detailed.MeanPerLevel0[0].Similarity = matching.Some(0.3)
	err := Parity(tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goal 1")

	// raw values computed under another threshold no longer match
	other := p
	other.Threshold = 0.1
	assert.Error(t, Parity(other))

	nudged := p
	nudged.Detailed.MeanPerLevel1 = append([]kpi.TargetValue(nil), p.Detailed.MeanPerLevel1...)
	v, ok := nudged.Detailed.MeanPerLevel1[0].Similarity.Get()
	require.True(t, ok)
	nudged.Detailed.MeanPerLevel1[0].Similarity = matching.Some(v + 1e-12)
	err = Parity(nudged)
	require.Error(t, err, "scores must match exactly")
	assert.Contains(t, err.Error(), "target 1-1")

	coarse := p
	coarse.Coarse.MeanPerLevel0 = append([]kpi.GoalValue(nil), p.Coarse.MeanPerLevel0...)
	coarse.Coarse.MeanPerLevel0[1].Similarity = matching.Absent()
	err = Parity(coarse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coarse goal 2")
}

func TestParity_SurvivesJSON(t *testing.T) {
	data, err := json.Marshal(payload(t))
	require.NoError(t, err)
	var back kpi.Payload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.NoError(t, Parity(back))
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	now := time.Date(2024, 3, 1, 9, 5, 7, 123456789, time.UTC)

	f, err := Generate(payload(t), Meta{Organization: "ACME", Agenda: "SDG"})
	require.NoError(t, err)
	defer f.Close()

	path, backup, err := Save(f, dir, "urn:agenda/1", "ACME GmbH", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Compliance_Report_urn:agenda_1_ACME_GmbH.xlsx"), path)
	assert.Equal(t, filepath.Join(dir, "Compliance_Report_urn:agenda_1_ACME_GmbH_20240301-090507-123456.xlsx"), backup)
	assert.FileExists(t, path)
	assert.FileExists(t, backup)

	_, _, err = Save(f, dir, "urn:agenda/1", "ACME GmbH", now.Add(time.Second))
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "main file is overwritten, backups accumulate")

	back, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, 0.25, number(t, back, SheetGoals, 5, 6))
}

func TestSave_LongPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "lib", "agenda-analytics", "reports", "compliance")
	agenda := "urn:ngsi-ld:DistributionDCAT-AP:3f1c2b9e-8d47-4c1a-9e5b-2a7d6c0f4e11"
	org := "urn:ngsi-ld:Organization:b7e4a1d2-5c3f-4e8a-9b6d-1f0a2c3e4d5f"

	f, err := Generate(payload(t), Meta{Organization: "ACME", Agenda: "SDG"})
	require.NoError(t, err)
	defer f.Close()

	path, backup, err := Save(f, dir, agenda, org, time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC))
	require.NoError(t, err)
	assert.Greater(t, len(backup), 207)
	assert.FileExists(t, path)

	back, err := excelize.OpenFile(backup)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, 0.625, number(t, back, SheetGoals, 5, 7))
}

type countingRecorder struct{ n int }

func (c *countingRecorder) RecordReport() { c.n++ }

func TestService_ForOrganization(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := broker.NewMemoryStore()
	blobs := blob.NewMemoryStore("http://files")
	events := bus.NewMemoryBus(nil)
	defer events.Close()

	org, err := store.Upsert(ctx, broker.NewOrganization("ACME", 50.1, 8.6))
	require.NoError(t, err)
	agenda, err := store.Upsert(ctx, broker.NewAgenda("SDG", nil, now))
	require.NoError(t, err)
	run, err := store.Upsert(ctx, broker.NewDataServiceRun(broker.ServiceMatching, "matching", agenda.ID, org.ID, "", now))
	require.NoError(t, err)

	scorer := kpi.NewScorer(kpi.Options{Broker: store, Blobs: blobs, Threshold: 0.3, Now: func() time.Time { return now }})
	rec, err := scorer.Score(ctx, kpi.Provenance{OrganizationID: org.ID, MatchingRunID: run.ID, AgendaID: agenda.ID}, results())
	require.NoError(t, err)

	got := make(chan bus.Event, 1)
	require.NoError(t, events.Subscribe(ctx, bus.TopicReportGenerated, func(ctx context.Context, e bus.Event) error {
		got <- e
		return nil
	}))

	metrics := &countingRecorder{}
	svc := NewService(Options{
		Broker: store, Blobs: blobs, Bus: events, Metrics: metrics,
		OutputDir: t.TempDir(), Verify: true,
		Now: func() time.Time { return now },
	})

	res, err := svc.ForOrganization(ctx, agenda.ID, org.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.KPIID, res.KPIID)
	assert.Equal(t, run.ID, res.RunID)
	assert.Equal(t, 1, metrics.n)

	f, err := excelize.OpenFile(res.Path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "ACME", cell(t, f, SheetGoals, 2, 2))
	assert.Equal(t, "SDG", cell(t, f, SheetGoals, 2, 3))

	select {
	case e := <-got:
		var p bus.ReportGenerated
		require.NoError(t, e.Decode(&p))
		assert.Equal(t, res.Path, p.Path)
		assert.Equal(t, org.ID, p.OrganizationID)
	case <-time.After(time.Second):
		t.Fatal("report.generated not published")
	}
}

func TestService_ForOrganizationNotFound(t *testing.T) {
	svc := NewService(Options{Broker: broker.NewMemoryStore(), Blobs: blob.NewMemoryStore("http://files"), OutputDir: t.TempDir()})
	_, err := svc.ForOrganization(context.Background(), "agenda", "nobody")
	assert.True(t, apperrors.IsNotFound(err))
}
