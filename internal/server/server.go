// Package server provides the HTTP server that exposes maps, reports and
// render health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/broker"
	"github.com/agendaanalytics/agenda-analytics/internal/bus"
	"github.com/agendaanalytics/agenda-analytics/internal/metrics"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/middleware"
	"github.com/agendaanalytics/agenda-analytics/internal/report"
)

// Reports builds the workbook of one organization.
type Reports interface {
	ForOrganization(ctx context.Context, agendaID, orgID string) (report.Result, error)
}

// Server is the HTTP front of the analytics pipeline.
type Server struct {
	cfg        Config
	log        *logger.Logger
	httpServer *http.Server

	// Services
	store   broker.Store
	reports Reports
	bus     bus.Bus
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter
	events  *hub

	mu      sync.RWMutex
	started bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// MapsDir and ReportsDir hold the written artifacts.
	MapsDir    string
	ReportsDir string

	// RateLimit is the per-client request rate on /v1. 0 disables it.
	RateLimit int

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		Version:         "dev",
		MapsDir:         "./maps",
		ReportsDir:      "./reports",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Deps are the services the server exposes. Bus and Metrics may be nil.
type Deps struct {
	Broker  broker.Store
	Reports Reports
	Bus     bus.Bus
	Metrics *metrics.Metrics
}

// New creates a server.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	if cfg.Port == 0 {
		def := DefaultConfig()
		def.MapsDir, def.ReportsDir = cfg.MapsDir, cfg.ReportsDir
		def.RateLimit = cfg.RateLimit
		if cfg.Version != "" {
			def.Version = cfg.Version
		}
		cfg = def
	}
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		cfg:     cfg,
		log:     log.WithComponent("server"),
		store:   deps.Broker,
		reports: deps.Reports,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		events:  newHub(),
	}
	if cfg.RateLimit > 0 {
		rl := middleware.DefaultRateLimiterConfig()
		rl.RequestsPerSecond = float64(cfg.RateLimit)
		rl.Burst = 2 * cfg.RateLimit
		s.limiter = middleware.NewRateLimiter(rl)
	}
	return s
}

// Listen subscribes to the bus: every new KPI pre-generates its workbook,
// and map and report events are relayed to /v1/events clients.
func (s *Server) Listen(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.Subscribe(ctx, bus.TopicKPICreated, s.pregenerate); err != nil {
		return err
	}
	for _, topic := range []string{bus.TopicMapRendered, bus.TopicReportGenerated} {
		if err := s.bus.Subscribe(ctx, topic, s.events.publish); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pregenerate(ctx context.Context, e bus.Event) error {
	var p bus.KPICreated
	if err := e.Decode(&p); err != nil {
		s.log.WithError(err).Warn("Ignoring malformed kpi event", "event", e.ID)
		return nil
	}
	if s.reports == nil || p.AgendaID == "" || p.OrganizationID == "" {
		return nil
	}
	log := s.log.WithAgenda(p.AgendaID).WithOrganization(p.OrganizationID)
	res, err := s.reports.ForOrganization(ctx, p.AgendaID, p.OrganizationID)
	if err != nil {
		log.WithError(err).Warn("Report pre-generation failed")
		return nil
	}
	log.Info("Report pre-generated", "path", res.Path)
	return nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true

	if err := s.Listen(ctx); err != nil {
		s.started = false
		s.mu.Unlock()
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("Shutting down server...")
	s.events.close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	s.started = false
	s.log.Info("Server stopped")
	return nil
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	if s.metrics != nil {
		h = metrics.HTTPMiddleware(s.metrics, h)
	}
	h = loggingMiddleware(h, s.log)
	return recoveryMiddleware(h, s.log)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.Handle("GET /maps/", http.StripPrefix("/maps/", http.FileServer(http.Dir(s.cfg.MapsDir))))
	mux.Handle("GET /reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(s.cfg.ReportsDir))))

	mux.Handle("GET /v1/agendas", s.limit(s.envelope(http.HandlerFunc(s.handleAgendas))))
	mux.Handle("GET /v1/report", s.limit(http.HandlerFunc(s.handleReport)))
	if s.metrics != nil {
		mux.Handle("GET /v1/agendas/{id}/history", s.limit(s.envelope(http.HandlerFunc(s.handleHistory))))
	}
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

func (s *Server) limit(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}
