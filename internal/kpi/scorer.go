package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/blob"
	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/filename"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
	"github.com/agendaanalytics/agenda-analytics/internal/simcore"
)

// Matcher runs the similarity analysis of a text against references.
type Matcher interface {
	Match(ctx context.Context, text simcore.File, refs []simcore.File) ([]simcore.File, error)
}

// Recorder receives scoring metrics.
type Recorder interface {
	RecordKPIScored()
}

// Options configures a Scorer. Bus, Matcher and Metrics may be nil.
type Options struct {
	Broker    broker.Store
	Blobs     blob.Store
	Bus       bus.Bus
	Matcher   Matcher
	Metrics   Recorder
	Threshold float64
	Logger    *logger.Logger
	Now       func() time.Time
}

// Scorer turns similarity results into persisted KPIs.
type Scorer struct {
	store     broker.Store
	blobs     blob.Store
	events    bus.Bus
	matcher   Matcher
	metrics   Recorder
	threshold float64
	log       *logger.Logger
	now       func() time.Time
}

// NewScorer creates a Scorer.
func NewScorer(opts Options) *Scorer {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scorer{
		store:     opts.Broker,
		blobs:     opts.Blobs,
		events:    opts.Bus,
		matcher:   opts.Matcher,
		metrics:   opts.Metrics,
		threshold: opts.Threshold,
		log:       log.WithComponent("scorer"),
		now:       now,
	}
}

// Record is the outcome of scoring one organization.
type Record struct {
	KPIID   string
	BlobID  string
	RunID   string
	Payload Payload
	Result  matching.Result
}

// Score builds, validates and persists the KPI for results.
func (s *Scorer) Score(ctx context.Context, prov Provenance, results simcore.Results) (Record, error) {
	if err := prov.Validate(); err != nil {
		return Record{}, err
	}
	log := s.log.WithOrganization(prov.OrganizationID).WithAgenda(prov.AgendaID)

	payload, err := Build(results, s.threshold)
	if err != nil {
		return Record{}, err
	}
	if err := Validate(payload); err != nil {
		return Record{}, err
	}
	result := payload.Aggregate()
	if result.Skipped > 0 {
		log.Warn("Skipped records outside the taxonomy", "skipped", result.Skipped)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, apperrors.InternalError("encoding kpi payload", err)
	}
	name := filename.Safe(fmt.Sprintf("kpi_%s_%s.json", prov.OrganizationID, prov.AgendaID))
	blobID, err := s.blobs.Put(ctx, name, data)
	if err != nil {
		return Record{}, apperrors.BlobError("uploading kpi payload", err)
	}

	entity := Entity(prov, payload, s.blobs.URL(blobID), s.now())
	up, err := s.store.Upsert(ctx, entity)
	if err != nil {
		return Record{}, apperrors.BrokerError("upserting kpi entity", err)
	}

	rec := Record{KPIID: up.ID, BlobID: blobID, RunID: prov.MatchingRunID, Payload: payload, Result: result}
	score, ok := result.MatchingScore()
	log.Info("KPI stored", "kpi", up.ID, "created", up.Created, "matching_score", score, "qualified", ok)

	if s.metrics != nil {
		s.metrics.RecordKPIScored()
	}
	if s.events != nil {
		event := bus.NewEvent(bus.TopicKPICreated, "scorer", bus.KPICreated{
			KPIID:          up.ID,
			OrganizationID: prov.OrganizationID,
			AgendaID:       prov.AgendaID,
			MatchingRunID:  prov.MatchingRunID,
			BlobID:         blobID,
		})
		if err := s.events.Publish(ctx, bus.TopicKPICreated, event); err != nil {
			log.Warn("Failed to publish kpi.created", "error", err)
		}
	}
	return rec, nil
}

// MatchingRequest asks for a full matching run of one organization.
type MatchingRequest struct {
	OrganizationID string `validate:"required"`
	AgendaID       string `validate:"required"`
	CrawlRunID     string
	Text           string               `validate:"required"`
	References     []matching.Reference `validate:"required,min=1"`
}

// Run performs a full matching run: it records a run entity, matches the
// text, stores the result files and scores them.
func (s *Scorer) Run(ctx context.Context, req MatchingRequest) (Record, error) {
	if err := validate.Struct(req); err != nil {
		return Record{}, apperrors.ValidationError("invalid matching request: " + err.Error())
	}
	if s.matcher == nil {
		return Record{}, apperrors.New(apperrors.CodeUnavailable, "no similarity service configured")
	}
	log := s.log.WithOrganization(req.OrganizationID).WithAgenda(req.AgendaID)

	run, err := s.startRun(ctx, req.OrganizationID, req.AgendaID, req.CrawlRunID)
	if err != nil {
		return Record{}, err
	}
	log.Info("Matching run started", "run", run, "references", len(req.References))

	refs := make([]simcore.File, 0, len(req.References))
	for _, r := range req.References {
		refs = append(refs, simcore.ReferenceFile(r))
	}
	files, err := s.matcher.Match(ctx, simcore.File{Name: simcore.AnalysisName, Data: []byte(req.Text)}, refs)
	if err != nil {
		return Record{}, err
	}
	return s.finishRun(ctx, Provenance{
		OrganizationID: req.OrganizationID,
		MatchingRunID:  run,
		AgendaID:       req.AgendaID,
	}, files)
}

// ImportRequest attributes result files produced outside the scorer.
type ImportRequest struct {
	OrganizationID string `validate:"required"`
	AgendaID       string `validate:"required"`
	CrawlRunID     string
}

// Import records a matching run for result files that were already
// produced by the similarity service and scores them.
func (s *Scorer) Import(ctx context.Context, req ImportRequest, files []simcore.File) (Record, error) {
	if err := validate.Struct(req); err != nil {
		return Record{}, apperrors.ValidationError("invalid import request: " + err.Error())
	}
	if len(files) == 0 {
		return Record{}, apperrors.ValidationError("no result files to import")
	}
	run, err := s.startRun(ctx, req.OrganizationID, req.AgendaID, req.CrawlRunID)
	if err != nil {
		return Record{}, err
	}
	s.log.WithOrganization(req.OrganizationID).WithAgenda(req.AgendaID).
		Info("Importing result files", "run", run, "files", len(files))
	return s.finishRun(ctx, Provenance{
		OrganizationID: req.OrganizationID,
		MatchingRunID:  run,
		AgendaID:       req.AgendaID,
	}, files)
}

func (s *Scorer) startRun(ctx context.Context, orgID, agendaID, crawlRunID string) (string, error) {
	entity := broker.NewDataServiceRun(broker.ServiceMatching,
		"Agenda matching of the crawled organization text", agendaID, orgID, crawlRunID, s.now())
	up, err := s.store.Upsert(ctx, entity)
	if err != nil {
		return "", apperrors.BrokerError("creating matching run", err)
	}
	return up.ID, nil
}

// finishRun stores the result files on the run entity and scores them.
func (s *Scorer) finishRun(ctx context.Context, prov Provenance, files []simcore.File) (Record, error) {
	stored := make([]broker.ResultFile, 0, len(files))
	for _, f := range files {
		id, err := s.blobs.Put(ctx, f.Name, f.Data)
		if err != nil {
			return Record{}, apperrors.BlobError("uploading result file "+f.Name, err)
		}
		stored = append(stored, broker.ResultFile{FileServerURL: s.blobs.URL(id), Filename: f.Name})
	}
	if err := s.store.Update(ctx, prov.MatchingRunID, broker.ResultAttrs(stored)); err != nil {
		return Record{}, apperrors.BrokerError("recording result files", err)
	}

	results, err := simcore.Parse(files)
	if err != nil {
		return Record{}, apperrors.SimCoreError("parsing result files", err)
	}
	return s.Score(ctx, prov, results)
}

// BatchResult summarises RunBatch.
type BatchResult struct {
	Records []Record
	Failed  map[string]error
}

// RunBatch runs every request. A failing organization is logged and the
// batch continues.
func (s *Scorer) RunBatch(ctx context.Context, reqs []MatchingRequest) BatchResult {
	out := BatchResult{Failed: make(map[string]error)}
	for _, req := range reqs {
		if ctx.Err() != nil {
			out.Failed[req.OrganizationID] = ctx.Err()
			continue
		}
		rec, err := s.Run(ctx, req)
		if err != nil {
			s.log.WithOrganization(req.OrganizationID).WithError(err).Error("Matching run failed")
			out.Failed[req.OrganizationID] = err
			continue
		}
		out.Records = append(out.Records, rec)
	}
	s.log.Info("Matching batch finished", "scored", len(out.Records), "failed", len(out.Failed))
	return out
}
