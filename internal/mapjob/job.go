// Package mapjob assembles the per-agenda map dataset from the broker and
// blob store, renders it and writes the map artifacts.
package mapjob

import (
	"bytes"
	"context"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/chart"
	"github.com/agendaanalytics/agenda-analytics/internal/choropleth"
	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	"github.com/agendaanalytics/agenda-analytics/internal/metrics"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/filename"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
	"github.com/agendaanalytics/agenda-analytics/internal/report"
)

// DropInvalid counts broker organizations that could not be decoded.
const DropInvalid = "invalid_entity"

// DefaultChartSize is the popup chart edge length in pixels.
const DefaultChartSize = 480

// Recorder receives render metrics.
type Recorder interface {
	RecordRender(ctx context.Context, o metrics.RenderOutcome)
}

// Options configures a Job. Bus and Metrics may be nil.
type Options struct {
	Broker  broker.Store
	Blobs   blob.Store
	Bus     bus.Bus
	Metrics Recorder
	Binner  geo.Binner
	Map     config.MapConfig
	// BrokerPublicURL prefixes entity links in popups.
	BrokerPublicURL string
	Threshold       float64
	ChartSize       int
	Logger          *logger.Logger
	Now             func() time.Time
	Rand            *rand.Rand
}

// Job renders agenda maps.
type Job struct {
	store     broker.Store
	blobs     blob.Store
	events    bus.Bus
	metrics   Recorder
	cfg       config.MapConfig
	publicURL string
	threshold float64
	chartSize int
	log       *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	binner geo.Binner
	rng    *rand.Rand
}

// New creates a Job.
func New(opts Options) *Job {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(now().UnixNano()))
	}
	size := opts.ChartSize
	if size == 0 {
		size = DefaultChartSize
	}
	if opts.Map.Workers < 1 {
		opts.Map.Workers = 1
	}
	return &Job{
		store:     opts.Broker,
		blobs:     opts.Blobs,
		events:    opts.Bus,
		metrics:   opts.Metrics,
		cfg:       opts.Map,
		publicURL: strings.TrimRight(opts.BrokerPublicURL, "/"),
		threshold: opts.Threshold,
		chartSize: size,
		log:       log.WithComponent("mapjob"),
		now:       now,
		binner:    opts.Binner,
		rng:       rng,
	}
}

// SetBinner swaps the boundary layers used by later renders.
func (j *Job) SetBinner(b geo.Binner) {
	j.mu.Lock()
	j.binner = b
	j.mu.Unlock()
}

// Outcome describes one written agenda map.
type Outcome struct {
	AgendaID string
	Path     string
	Backup   string
	Markers  int
	Status   map[string]int
	Dropped  map[string]int
}

// Summary is the result of rendering every agenda.
type Summary struct {
	Rendered []Outcome
	Failed   map[string]error
}

// RenderAll renders the map of every agenda in the broker. A failing
// agenda is logged and counted; the others still render.
func (j *Job) RenderAll(ctx context.Context) (Summary, error) {
	agendas, err := broker.Agendas(ctx, j.store)
	if err != nil {
		return Summary{}, err
	}
	j.log.Info("Rendering agenda maps", "agendas", len(agendas))

	sum := Summary{Failed: map[string]error{}}
	for i, a := range agendas {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		others := make([]broker.Agenda, 0, len(agendas)-1)
		others = append(others, agendas[:i]...)
		others = append(others, agendas[i+1:]...)

		start := j.now()
		out, err := j.RenderAgenda(ctx, a, others)
		if j.metrics != nil {
			j.metrics.RecordRender(ctx, metrics.RenderOutcome{
				AgendaID: a.ID,
				Duration: j.now().Sub(start),
				Status:   out.Status,
				Dropped:  out.Dropped,
				Err:      err,
			})
		}
		if err != nil {
			j.log.WithAgenda(a.ID).WithError(err).Error("Agenda map failed")
			sum.Failed[a.ID] = err
			continue
		}
		sum.Rendered = append(sum.Rendered, out)
	}
	return sum, nil
}

// RenderAgenda renders and writes the map of one agenda.
func (j *Job) RenderAgenda(ctx context.Context, agenda broker.Agenda, others []broker.Agenda) (Outcome, error) {
	log := j.log.WithAgenda(agenda.ID)

	entries, skipped, err := j.assemble(ctx, agenda.ID)
	if err != nil {
		return Outcome{}, err
	}

	m, dropped := j.buildMap(agenda, others, entries)
	if skipped > 0 {
		dropped[DropInvalid] = skipped
	}
	if len(dropped) > 0 {
		log.Info("Organizations left off the map", "dropped", dropped)
	}

	var buf bytes.Buffer
	if err := choropleth.Render(ctx, &buf, m); err != nil {
		return Outcome{}, err
	}
	path, backup, err := j.write(agenda.ID, buf.Bytes())
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		AgendaID: agenda.ID,
		Path:     path,
		Backup:   backup,
		Markers:  len(m.Markers),
		Status:   map[string]int{},
		Dropped:  dropped,
	}
	for _, mk := range m.Markers {
		out.Status[string(choropleth.Classify(mk))]++
	}

	if j.events != nil {
		n := 0
		for _, c := range dropped {
			n += c
		}
		ev := bus.NewEvent(bus.TopicMapRendered, "mapjob", bus.MapRendered{
			AgendaID: agenda.ID, Path: path, Markers: out.Markers, Dropped: n,
		})
		if err := j.events.Publish(ctx, bus.TopicMapRendered, ev); err != nil {
			log.WithError(err).Warn("Failed to publish map event")
		}
	}

	log.Info("Agenda map written", "path", path, "markers", out.Markers)
	return out, nil
}

// entry collects everything known about one organization.
type entry struct {
	org      broker.Organization
	matching broker.DataServiceRun
	matched  bool
	crawl    broker.DataServiceRun
	crawled  bool
	kpi      broker.KPI
	hasKPI   bool
	score    matching.Score
	chart    string
}

// assemble loads organizations, runs and KPIs in parallel and scores the
// organizations with a KPI using bounded parallel downloads.
func (j *Job) assemble(ctx context.Context, agendaID string) ([]entry, int, error) {
	var (
		orgs         []broker.Organization
		skipped      int
		matchingRuns []broker.DataServiceRun
		crawlRuns    []broker.DataServiceRun
		kpis         []broker.KPI
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		orgs, skipped, err = broker.Organizations(gctx, j.store)
		return err
	})
	g.Go(func() (err error) {
		matchingRuns, err = broker.Runs(gctx, j.store, broker.ServiceMatching, agendaID)
		return err
	})
	g.Go(func() (err error) {
		crawlRuns, err = broker.Runs(gctx, j.store, broker.ServiceCrawling, agendaID)
		return err
	})
	g.Go(func() (err error) {
		kpis, err = broker.KPIs(gctx, j.store)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	entries := make([]entry, len(orgs))
	for i, o := range orgs {
		e := entry{org: o}
		e.matching, e.matched = broker.LatestRun(matchingRuns, o.ID)
		e.crawl, e.crawled = selectCrawlRun(crawlRuns, e, o.ID)
		if e.matched {
			e.kpi, e.hasKPI = broker.KPIForRun(kpis, e.matching.ID)
		}
		entries[i] = e
	}

	dl := new(errgroup.Group)
	dl.SetLimit(j.cfg.Workers)
	for i := range entries {
		if !entries[i].hasKPI {
			continue
		}
		e := &entries[i]
		dl.Go(func() error {
			j.score(ctx, e)
			return nil
		})
	}
	_ = dl.Wait()

	return entries, skipped, nil
}

// selectCrawlRun prefers the crawl run the matching run was computed from
// and falls back to the newest crawl run of the organization.
func selectCrawlRun(runs []broker.DataServiceRun, e entry, orgID string) (broker.DataServiceRun, bool) {
	if e.matched {
		if id := e.matching.CrawlRun(); id != "" {
			if r, ok := broker.RunByID(runs, id); ok {
				return r, true
			}
		}
	}
	return broker.LatestRun(runs, orgID)
}

// score downloads the KPI payload, re-aggregates it at the map's threshold
// and draws the chart. A failed download leaves the organization unscored.
func (j *Job) score(ctx context.Context, e *entry) {
	payload, err := kpi.Load(ctx, j.blobs, e.kpi.CompleteID())
	if err != nil {
		j.log.WithOrganization(e.org.ID).WithError(err).Warn("Failed to load kpi payload", "kpi", e.kpi.ID)
		return
	}
	res := payload.AggregateAt(j.threshold)
	if pct, ok := res.MatchingScore(); ok {
		e.score = matching.Some(float64(pct))
	}
	if v, ok := res.Overall.Get(); !ok || v == 0 {
		return
	}

	goals := res.GoalScores()
	bars := make([]chart.Bar, len(goals))
	for i, g := range goals {
		bars[i] = chart.Bar{Level0: g.Level0, Title: g.Title, Score: g.Score}
	}
	png, err := chart.Polar(bars, j.chartSize)
	if err != nil {
		j.log.WithOrganization(e.org.ID).WithError(err).Warn("Failed to draw chart")
		return
	}
	e.chart = chart.DataURI(png)
}

func (j *Job) buildMap(agenda broker.Agenda, others []broker.Agenda, entries []entry) (choropleth.Map, map[string]int) {
	byID := make(map[string]*entry, len(entries))
	orgs := make([]geo.Organization, len(entries))
	for i := range entries {
		e := &entries[i]
		byID[e.org.ID] = e
		orgs[i] = geo.Organization{ID: e.org.ID, Name: e.org.Name, Lat: e.org.Lat, Lng: e.org.Lng, MatchingScore: e.score}
	}

	j.mu.Lock()
	assigned := j.binner.Assign(orgs)
	placed := geo.Jitter(assigned.Kept, j.rng)
	j.mu.Unlock()

	m := choropleth.Map{
		Title:     j.cfg.Title,
		Caption:   j.cfg.Caption,
		Threshold: j.threshold,
		Agenda:    choropleth.Link{Label: agenda.Name, URL: j.entityURL(agenda.ID)},
		Fine:      assigned.Fine,
		Coarse:    assigned.Coarse,
		Stats:     geo.Aggregate(assigned.Kept),
	}
	if m.Agenda.URL == "" {
		m.Agenda.URL = j.mapURL(agenda.ID)
	}
	for _, o := range others {
		m.Others = append(m.Others, choropleth.Link{Label: o.Name, URL: j.mapURL(o.ID)})
	}

	for _, o := range placed {
		e := byID[o.ID]
		mk := choropleth.Marker{
			Organization:    o,
			Chart:           e.chart,
			OrganizationURL: j.entityURL(o.ID),
		}
		if e.crawled {
			mk.CrawlFiles = fileNames(e.crawl.Results)
			mk.CrawlRunURL = j.entityURL(e.crawl.ID)
		}
		if e.matched {
			mk.MatchingFiles = fileNames(e.matching.Results)
			mk.MatchingRunURL = j.entityURL(e.matching.ID)
			if e.hasKPI {
				mk.KPIURL = j.entityURL(e.kpi.ID)
			}
			mk.ReportURL, mk.GenerateURL = j.reportURLs(agenda.ID, o.ID)
		}
		m.Markers = append(m.Markers, mk)
	}
	return m, assigned.DropCounts()
}

func fileNames(files []broker.ResultFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Filename)
	}
	return out
}

func (j *Job) entityURL(id string) string {
	if j.publicURL == "" || id == "" {
		return ""
	}
	return j.publicURL + "/" + id
}

func (j *Job) mapURL(agendaID string) string {
	name := url.PathEscape(MapFileName(agendaID))
	if j.cfg.ReportBaseURL == "" {
		return name
	}
	return strings.TrimRight(j.cfg.ReportBaseURL, "/") + "/maps/" + name
}

func (j *Job) reportURLs(agendaID, orgID string) (open, generate string) {
	base := strings.TrimRight(j.cfg.ReportBaseURL, "/")
	if base == "" {
		return "", ""
	}
	q := url.Values{"agenda_id": {agendaID}, "organization_id": {orgID}}
	return base + "/reports/" + url.PathEscape(report.FileName(agendaID, orgID)), base + "/v1/report?" + q.Encode()
}

// MapFileName is the stable map file name of an agenda.
func MapFileName(agendaID string) string {
	return filename.Safe(agendaID) + ".html"
}

// BackupFileName is the timestamped map file name.
func BackupFileName(agendaID string, now time.Time) string {
	return filename.Safe(agendaID) + "_" + now.Format("2006.01.02_150405") + ".html"
}

// write replaces the map file atomically and stores a backup copy.
func (j *Job) write(agendaID string, doc []byte) (path, backup string, err error) {
	path = filepath.Join(j.cfg.OutputDir, MapFileName(agendaID))
	if err := writeAtomic(path, doc); err != nil {
		return "", "", apperrors.RenderError("write map", err).WithDetail("path", path)
	}
	if j.cfg.BackupDir == "" {
		return path, "", nil
	}
	backup = filepath.Join(j.cfg.BackupDir, BackupFileName(agendaID, j.now()))
	if err := writeAtomic(backup, doc); err != nil {
		return "", "", apperrors.RenderError("write map backup", err).WithDetail("path", backup)
	}
	return path, backup, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".map-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
