package mapjob

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	"github.com/agendaanalytics/agenda-analytics/internal/metrics"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

func square(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func testBinner() geo.Binner {
	return geo.Binner{
		Fine: geo.Layer{Name: "Counties", Bins: []geo.Bin{
			geo.NewBin("A", "Alpha", "01", square(0, 0, 1, 1)),
			geo.NewBin("B", "Beta", "02", square(1, 0, 2, 1)),
			geo.NewBin("S", "Sentinel", "01", square(0, 1, 1, 2)),
		}},
		Coarse: geo.Layer{Name: "States", Bins: []geo.Bin{
			geo.NewBin("01", "One", "01", square(0, 0, 1, 2)),
			geo.NewBin("02", "Two", "02", square(1, 0, 2, 1)),
		}},
		SentinelID: "S",
	}
}

func results() simcore.Results {
	some := matching.Some
	return simcore.Results{
		Detailed: []simcore.DetailedSheet{
			{Title: "sdg", Level0: "1", Level1: "1", Sentences: []simcore.Sentence{{Fragment: 1, Label: "We end poverty.", Similarity: some(0.5)}}},
			{Title: "sdg", Level0: "2", Level1: "1", Sentences: []simcore.Sentence{{Fragment: 1, Label: "We end poverty.", Similarity: some(0.9)}}},
		},
		Coarse: []simcore.CoarseRow{
			{Title: "sdg", Level0: "1", Level1: "1", Text: "End poverty", Similarity: some(0.4)},
			{Title: "sdg", Level0: "2", Level1: "1", Text: "End hunger", Similarity: some(0.5)},
		},
	}
}

type fixture struct {
	store  *broker.MemoryStore
	blobs  *blob.MemoryStore
	events *bus.MemoryBus
	now    time.Time

	agenda  string
	other   string
	acme    string
	beta    string
	kpiID   string
	matchID string
}

// newFixture seeds two agendas, a matched organization in county A, a
// crawled organization in county B, one in the sentinel county, one
// outside every county and one without a location.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  broker.NewMemoryStore(),
		blobs:  blob.NewMemoryStore("http://files"),
		events: bus.NewMemoryBus(nil),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { f.events.Close() })

	upsert := func(e broker.Entity) string {
		up, err := f.store.Upsert(ctx, e)
		require.NoError(t, err)
		return up.ID
	}

	f.agenda = upsert(broker.NewAgenda("SDG", nil, f.now))
	f.other = upsert(broker.NewAgenda("Taxonomy", nil, f.now))
	f.acme = upsert(broker.NewOrganization("ACME", 0.5, 0.5))
	f.beta = upsert(broker.NewOrganization("Beta Corp", 0.5, 1.5))
	upsert(broker.NewOrganization("Sentinel Inc", 1.5, 0.5))
	upsert(broker.NewOrganization("Offshore", 10, 10))
	upsert(broker.NewEntity(broker.TypeOrganization).Set("name", broker.Property("Nowhere")))

	crawlA := upsert(broker.NewDataServiceRun(broker.ServiceCrawling, "crawl", f.agenda, f.acme, "", f.now))
	require.NoError(t, f.store.Update(ctx, crawlA, broker.ResultAttrs([]broker.ResultFile{
		{FileServerURL: "http://files/files/c1", Filename: "acme.html"},
	})))
	crawlB := upsert(broker.NewDataServiceRun(broker.ServiceCrawling, "crawl", f.agenda, f.beta, "", f.now))
	require.NoError(t, f.store.Update(ctx, crawlB, broker.ResultAttrs([]broker.ResultFile{
		{FileServerURL: "http://files/files/c2", Filename: "beta.html"},
	})))

	f.matchID = upsert(broker.NewDataServiceRun(broker.ServiceMatching, "matching", f.agenda, f.acme, crawlA, f.now))
	require.NoError(t, f.store.Update(ctx, f.matchID, broker.ResultAttrs([]broker.ResultFile{
		{FileServerURL: "http://files/files/m1", Filename: "sdg.1-1.txt"},
	})))

	scorer := kpi.NewScorer(kpi.Options{Broker: f.store, Blobs: f.blobs, Threshold: 0.3, Now: func() time.Time { return f.now }})
	rec, err := scorer.Score(ctx, kpi.Provenance{OrganizationID: f.acme, MatchingRunID: f.matchID, AgendaID: f.agenda}, results())
	require.NoError(t, err)
	f.kpiID = rec.KPIID
	return f
}

type recorder struct {
	mu       sync.Mutex
	outcomes []metrics.RenderOutcome
}

func (r *recorder) RecordRender(_ context.Context, o metrics.RenderOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (f *fixture) job(t *testing.T, rec Recorder) (*Job, config.MapConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.MapConfig{
		Title:         "Agenda matching",
		Caption:       "Matching score (%)",
		OutputDir:     filepath.Join(dir, "maps"),
		BackupDir:     filepath.Join(dir, "backup"),
		ReportBaseURL: "http://reports",
		Workers:       2,
	}
	j := New(Options{
		Broker:          f.store,
		Blobs:           f.blobs,
		Bus:             f.events,
		Metrics:         rec,
		Binner:          testBinner(),
		Map:             cfg,
		BrokerPublicURL: "http://broker/entities/",
		Threshold:       0.3,
		ChartSize:       128,
		Now:             func() time.Time { return f.now },
		Rand:            rand.New(rand.NewSource(1)),
	})
	return j, cfg
}

type mapData struct {
	Groups []struct {
		Name    string `json:"name"`
		Markers []struct {
			Name  string `json:"name"`
			Popup string `json:"popup"`
		} `json:"markers"`
	} `json:"groups"`
	States json.RawMessage `json:"states"`
}

func readMap(t *testing.T, path string) (*goquery.Document, mapData) {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	doc, err := goquery.NewDocumentFromReader(file)
	require.NoError(t, err)
	var d mapData
	require.NoError(t, json.Unmarshal([]byte(doc.Find("#map-data").Text()), &d))
	return doc, d
}

func TestRenderAll(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	j, cfg := f.job(t, rec)

	rendered := make(chan bus.Event, 4)
	require.NoError(t, f.events.Subscribe(context.Background(), bus.TopicMapRendered, func(ctx context.Context, e bus.Event) error {
		rendered <- e
		return nil
	}))

	sum, err := j.RenderAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, sum.Failed)
	require.Len(t, sum.Rendered, 2)

	var out Outcome
	for _, o := range sum.Rendered {
		if o.AgendaID == f.agenda {
			out = o
		}
	}
	assert.Equal(t, filepath.Join(cfg.OutputDir, MapFileName(f.agenda)), out.Path)
	assert.Equal(t, filepath.Join(cfg.BackupDir, BackupFileName(f.agenda, f.now)), out.Backup)
	assert.FileExists(t, out.Path)
	assert.FileExists(t, out.Backup)
	assert.Equal(t, 2, out.Markers)
	assert.Equal(t, map[string]int{"matched": 1, "crawled": 1}, out.Status)
	assert.Equal(t, map[string]int{
		string(geo.DropSentinel):       1,
		string(geo.DropNoMunicipality): 1,
		DropInvalid:                    1,
	}, out.Dropped)

	doc, d := readMap(t, out.Path)
	assert.Equal(t, "Agenda matching", strings.TrimSpace(doc.Find("#map-title").Text()))
	assert.Equal(t, "SDG", strings.TrimSpace(doc.Find("#sidebar a.agenda-current").Text()))
	assert.Equal(t, "http://broker/entities/"+f.agenda, doc.Find("#sidebar a.agenda-current").AttrOr("href", ""))
	other := doc.Find(".agenda-others a")
	require.Equal(t, 1, other.Length())
	assert.Equal(t, "http://reports/maps/"+MapFileName(f.other), other.AttrOr("href", ""))
	assert.NotEmpty(t, d.States)

	byName := map[string]string{}
	for _, g := range d.Groups {
		for _, m := range g.Markers {
			byName[m.Name] = m.Popup
		}
	}
	require.Len(t, byName, 2)
	popup, err := goquery.NewDocumentFromReader(strings.NewReader(byName["ACME"]))
	require.NoError(t, err)
	// goal means 0.5 and 0.9 against a 0.3 threshold score 70%
	assert.Equal(t, "Overall Agenda Matching Score: 70%", strings.TrimSpace(popup.Find(".score").Text()))
	assert.Equal(t, 1, popup.Find(".chart img").Length())
	assert.Equal(t, 2, popup.Find(".report a").Length())
	assert.Contains(t, byName["Beta Corp"], "no matching yet")

	rec.mu.Lock()
	assert.Len(t, rec.outcomes, 2)
	rec.mu.Unlock()

	got := map[string]bool{}
	for range 2 {
		select {
		case e := <-rendered:
			var p bus.MapRendered
			require.NoError(t, e.Decode(&p))
			got[p.AgendaID] = true
			if p.AgendaID == f.agenda {
				assert.Equal(t, 2, p.Markers)
				assert.Equal(t, 3, p.Dropped)
			}
		case <-time.After(time.Second):
			t.Fatal("map.rendered not published")
		}
	}
	assert.True(t, got[f.agenda])
	assert.True(t, got[f.other])
}

func TestRenderAll_ScoresAtMapThreshold(t *testing.T) {
	f := newFixture(t)
	j, _ := f.job(t, nil)
	// the payload was stored at 0.3
	j.threshold = 0.6

	sum, err := j.RenderAll(context.Background())
	require.NoError(t, err)

	var path string
	for _, o := range sum.Rendered {
		if o.AgendaID == f.agenda {
			path = o.Path
		}
	}
	require.NotEmpty(t, path)

	_, d := readMap(t, path)
	var acme string
	for _, g := range d.Groups {
		for _, m := range g.Markers {
			if m.Name == "ACME" {
				acme = m.Popup
			}
		}
	}
	popup, err := goquery.NewDocumentFromReader(strings.NewReader(acme))
	require.NoError(t, err)
	// goal 1 (0.5) no longer qualifies and counts as 0: (0 + 0.9) / 2
	assert.Equal(t, "Overall Agenda Matching Score: 45%", strings.TrimSpace(popup.Find(".score").Text()))
	assert.Contains(t, popup.Find(".threshold").Text(), "60%")
}

func TestRenderAll_OtherAgendaHasNoRuns(t *testing.T) {
	f := newFixture(t)
	j, _ := f.job(t, nil)

	sum, err := j.RenderAll(context.Background())
	require.NoError(t, err)
	for _, o := range sum.Rendered {
		if o.AgendaID != f.other {
			continue
		}
		assert.Equal(t, map[string]int{"discovered": 2}, o.Status)
		_, d := readMap(t, o.Path)
		for _, g := range d.Groups {
			for _, m := range g.Markers {
				assert.Contains(t, m.Popup, "no matching yet")
			}
		}
	}
}

type failingStore struct {
	*broker.MemoryStore
	failType string
}

func (s failingStore) Query(ctx context.Context, typ string) ([]broker.Entity, error) {
	if typ == s.failType {
		return nil, errors.New("broker down")
	}
	return s.MemoryStore.Query(ctx, typ)
}

func TestRenderAll_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	j, _ := f.job(t, rec)
	j.store = failingStore{MemoryStore: f.store, failType: broker.TypeKPI}

	sum, err := j.RenderAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Rendered)
	assert.Len(t, sum.Failed, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.outcomes, 2)
	for _, o := range rec.outcomes {
		assert.Error(t, o.Err)
	}
}

func TestRenderAll_BrokerUnavailable(t *testing.T) {
	f := newFixture(t)
	j, _ := f.job(t, nil)
	j.store = failingStore{MemoryStore: f.store, failType: broker.TypeAgenda}

	_, err := j.RenderAll(context.Background())
	assert.Error(t, err)
}

func TestRenderAll_MissingPayloadLeavesOrganizationUnscored(t *testing.T) {
	f := newFixture(t)
	j, _ := f.job(t, nil)
	j.blobs = blob.NewMemoryStore("http://files")

	sum, err := j.RenderAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, sum.Failed)
	for _, o := range sum.Rendered {
		if o.AgendaID != f.agenda {
			continue
		}
		_, d := readMap(t, o.Path)
		for _, g := range d.Groups {
			for _, m := range g.Markers {
				if m.Name == "ACME" {
					assert.Contains(t, m.Popup, "no matching above threshold of 30%")
					assert.Equal(t, "Companies (status=crawled)", g.Name)
				}
			}
		}
	}
}

func TestFileNames(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	assert.Equal(t, "urn:agenda_1.html", MapFileName("urn:agenda/1"))
	assert.Equal(t, "urn:agenda_1_2024.03.01_090507.html", BackupFileName("urn:agenda/1", now))
}

func TestReportURLs(t *testing.T) {
	j := New(Options{Map: config.MapConfig{ReportBaseURL: "http://reports/"}})
	open, gen := j.reportURLs("a 1", "o")
	assert.True(t, strings.HasPrefix(open, "http://reports/reports/"))
	assert.Equal(t, "http://reports/v1/report?agenda_id=a+1&organization_id=o", gen)

	j = New(Options{})
	open, gen = j.reportURLs("a", "o")
	assert.Empty(t, open)
	assert.Empty(t, gen)
	assert.Equal(t, "a.html", j.mapURL("a"))
	assert.Empty(t, j.entityURL("a"))
}

func TestState(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := Summary{
		Rendered: []Outcome{{AgendaID: "a", Path: "/maps/a.html", Markers: 3, Dropped: map[string]int{"sentinel": 1}}},
		Failed:   map[string]error{"b": errors.New("boom")},
	}
	require.NoError(t, SaveState(dir, NewState(sum, now)))

	st, err := LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.True(t, now.Equal(st.RenderedAt))
	assert.Equal(t, 3, st.Agendas["a"].Markers)
	assert.Equal(t, "boom", st.Agendas["b"].Error)
	assert.Equal(t, []string{"b"}, st.Failed())

	_, err = LoadState(t.TempDir())
	assert.Error(t, err)
}

func TestWatcher(t *testing.T) {
	f := newFixture(t)
	j, cfg := f.job(t, nil)

	boundaries := filepath.Join(t.TempDir(), "counties.geojson")
	require.NoError(t, os.WriteFile(boundaries, []byte(`{}`), 0o644))

	var reloads sync.WaitGroup
	reloads.Add(1)
	var once sync.Once
	w := NewWatcher(WatcherConfig{
		Job:        j,
		Bus:        f.events,
		Paths:      []string{boundaries},
		StateDir:   cfg.OutputDir,
		BatchDelay: 20 * time.Millisecond,
		Reload: func() (geo.Binner, error) {
			once.Do(reloads.Done)
			return testBinner(), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := w.Stats()
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	st, err := LoadState(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, st.Agendas, 2)

	// a new KPI triggers a render
	require.NoError(t, f.events.Publish(ctx, bus.TopicKPICreated, bus.NewEvent(bus.TopicKPICreated, "test", bus.KPICreated{KPIID: f.kpiID})))
	require.Eventually(t, func() bool {
		n, _ := w.Stats()
		return n >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// a changed boundary file reloads the layers
	require.NoError(t, os.WriteFile(boundaries, []byte(`{"type":"FeatureCollection"}`), 0o644))
	reloaded := make(chan struct{})
	go func() { reloads.Wait(); close(reloaded) }()
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("boundaries not reloaded")
	}

	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
