package report

import (
	"context"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/kpi"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

// Recorder receives report metrics.
type Recorder interface {
	RecordReport()
}

// Options configures a Service. Bus and Metrics may be nil.
type Options struct {
	Broker    broker.Store
	Blobs     blob.Store
	Bus       bus.Bus
	Metrics   Recorder
	OutputDir string
	// Verify checks stored aggregates against the raw values before
	// writing the workbook.
	Verify bool
	Logger *logger.Logger
	Now    func() time.Time
}

// Service builds reports from the live broker and blob store.
type Service struct {
	store   broker.Store
	blobs   blob.Store
	events  bus.Bus
	metrics Recorder
	dir     string
	verify  bool
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   opts.Broker,
		blobs:   opts.Blobs,
		events:  opts.Bus,
		metrics: opts.Metrics,
		dir:     opts.OutputDir,
		verify:  opts.Verify,
		log:     log.WithComponent("report"),
		now:     now,
	}
}

// Result names the files written for one report.
type Result struct {
	Path   string
	Backup string
	KPIID  string
	RunID  string
}

// ForOrganization writes the report of the newest matching run of orgID
// against agendaID.
func (s *Service) ForOrganization(ctx context.Context, agendaID, orgID string) (Result, error) {
	log := s.log.WithAgenda(agendaID).WithOrganization(orgID)

	runs, err := broker.Runs(ctx, s.store, broker.ServiceMatching, agendaID)
	if err != nil {
		return Result{}, err
	}
	run, ok := broker.LatestRun(runs, orgID)
	if !ok {
		return Result{}, apperrors.NotFoundError("matching run").WithDetail("organization", orgID)
	}

	kpis, err := broker.KPIs(ctx, s.store)
	if err != nil {
		return Result{}, err
	}
	k, ok := broker.KPIForRun(kpis, run.ID)
	if !ok {
		return Result{}, apperrors.NotFoundError("kpi").WithDetail("run", run.ID)
	}

	payload, err := kpi.Load(ctx, s.blobs, k.CompleteID())
	if err != nil {
		return Result{}, err
	}
	if s.verify {
		if err := Parity(payload); err != nil {
			return Result{}, err
		}
	}

	now := s.now()
	meta := Meta{
		Organization: s.name(ctx, orgID, organizationName),
		Agenda:       s.name(ctx, agendaID, agendaName),
		Generated:    now,
	}
	f, err := Generate(payload, meta)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	path, backup, err := Save(f, s.dir, agendaID, orgID, now)
	if err != nil {
		return Result{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordReport()
	}
	if s.events != nil {
		ev := bus.NewEvent(bus.TopicReportGenerated, "report", bus.ReportGenerated{
			AgendaID: agendaID, OrganizationID: orgID, Path: path,
		})
		if err := s.events.Publish(ctx, bus.TopicReportGenerated, ev); err != nil {
			log.WithError(err).Warn("Failed to publish report event")
		}
	}

	log.Info("Report written", "path", path, "kpi", k.ID)
	return Result{Path: path, Backup: backup, KPIID: k.ID, RunID: run.ID}, nil
}

func organizationName(e broker.Entity) (string, error) {
	o, err := broker.AsOrganization(e)
	return o.Name, err
}

func agendaName(e broker.Entity) (string, error) {
	a, err := broker.AsAgenda(e)
	return a.Name, err
}

// name resolves a display name, falling back to the id.
func (s *Service) name(ctx context.Context, id string, decode func(broker.Entity) (string, error)) string {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return id
	}
	n, err := decode(e)
	if err != nil || n == "" {
		return id
	}
	return n
}
