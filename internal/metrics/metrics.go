package metrics

import (
	"context"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Map renders
	MapRenders        *Family[Counter]   // agenda
	MapRenderFailures *Family[Counter]   // agenda
	MapRenderLatency  *Family[Histogram] // milliseconds
	OrgsDropped       *Family[Counter]   // reason
	OrgsRendered      *Family[Gauge]     // agenda, status

	// Pipeline
	KPIScored        *Family[Counter]
	ReportsGenerated *Family[Counter]

	// Bus
	BusEventsPublished *Family[Counter]   // topic
	BusEventLatency    *Family[Histogram] // topic, milliseconds
	BusErrors          *Family[Counter]   // topic
	BusHandlerFailures *Family[Counter]   // topic

	// HTTP
	HTTPRequests         *Family[Counter]   // method, path, status
	HTTPDuration         *Family[Histogram] // method, path, seconds
	HTTPRequestsInFlight *Family[Gauge]

	// Uptime in seconds, refreshed on export
	Uptime *Family[Gauge]

	exporters []exporter
	history   History
	log       *logger.Logger
	startTime time.Time
}

// New creates a new metrics instance with in-memory render history.
func New() *Metrics {
	return newMetrics(NewMemoryHistory(DefaultHistoryRetention), logger.Discard())
}

// NewWithConfig creates a metrics instance with the configured history
// persistence. When Redis is configured but unreachable it falls back to
// memory and logs a warning.
func NewWithConfig(cfg config.MetricsConfig, log *logger.Logger) *Metrics {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("metrics")

	var history History = NewMemoryHistory(DefaultHistoryRetention)
	if cfg.Persistence == "redis" && cfg.RedisURL != "" {
		rh, err := DialRedisHistory(context.Background(), cfg.RedisURL, DefaultHistoryRetention)
		if err != nil {
			log.Warn("Redis metrics persistence unavailable, using memory", "error", err)
		} else {
			history = rh
		}
	}
	return newMetrics(history, log)
}

func newMetrics(history History, log *logger.Logger) *Metrics {
	m := &Metrics{
		MapRenders:        NewCounterFamily("aa_map_renders_total", "Total number of agenda maps rendered", "agenda"),
		MapRenderFailures: NewCounterFamily("aa_map_render_failures_total", "Total number of failed agenda map renders", "agenda"),
		MapRenderLatency: NewHistogramFamily("aa_map_render_latency_ms", "Agenda map render latency in milliseconds",
			[]float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}),
		OrgsDropped:  NewCounterFamily("aa_orgs_dropped_total", "Organizations dropped during geographic binning", "reason"),
		OrgsRendered: NewGaugeFamily("aa_orgs_rendered", "Organizations shown on the last map render", "agenda", "status"),

		KPIScored:        NewCounterFamily("aa_kpi_scored_total", "Total number of KPI entities created"),
		ReportsGenerated: NewCounterFamily("aa_reports_generated_total", "Total number of compliance workbooks generated"),

		BusEventsPublished: NewCounterFamily("aa_bus_events_published_total", "Total number of events published to the bus", "topic"),
		BusEventLatency: NewHistogramFamily("aa_bus_event_latency_ms", "Bus publish latency in milliseconds",
			[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}, "topic"),
		BusErrors:          NewCounterFamily("aa_bus_errors_total", "Total number of failed bus publishes", "topic"),
		BusHandlerFailures: NewCounterFamily("aa_bus_handler_failures_total", "Total number of bus handlers that returned an error", "topic"),

		HTTPRequests: NewCounterFamily("aa_http_requests_total", "Total number of HTTP requests", "method", "path", "status"),
		HTTPDuration: NewHistogramFamily("aa_http_request_duration_seconds", "HTTP request duration in seconds",
			[]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}, "method", "path"),
		HTTPRequestsInFlight: NewGaugeFamily("aa_http_requests_in_flight", "Number of HTTP requests currently being served"),

		Uptime: NewGaugeFamily("aa_uptime_seconds", "Process uptime in seconds"),

		history:   history,
		log:       log,
		startTime: time.Now(),
	}
	m.exporters = []exporter{
		m.MapRenders, m.MapRenderFailures, m.MapRenderLatency, m.OrgsDropped, m.OrgsRendered,
		m.KPIScored, m.ReportsGenerated,
		m.BusEventsPublished, m.BusEventLatency, m.BusErrors, m.BusHandlerFailures,
		m.HTTPRequests, m.HTTPDuration, m.HTTPRequestsInFlight,
		m.Uptime,
	}
	return m
}

// RenderOutcome describes one agenda map render.
type RenderOutcome struct {
	AgendaID string
	Duration time.Duration
	// Status counts the markers per organization status.
	Status map[string]int
	// Dropped counts the dropped organizations per reason.
	Dropped map[string]int
	Err     error
}

// RecordRender records a map render and appends its marker count to the
// render history.
func (m *Metrics) RecordRender(ctx context.Context, o RenderOutcome) {
	if o.Err != nil {
		m.MapRenderFailures.With(o.AgendaID).Inc()
		return
	}
	m.MapRenders.With(o.AgendaID).Inc()
	m.MapRenderLatency.With().Observe(float64(o.Duration.Milliseconds()))

	total := 0
	for status, n := range o.Status {
		m.OrgsRendered.With(o.AgendaID, status).Set(float64(n))
		total += n
	}
	for reason, n := range o.Dropped {
		m.OrgsDropped.With(reason).Add(int64(n))
	}

	if m.history == nil {
		return
	}
	dp := DataPoint{Timestamp: time.Now(), Value: float64(total)}
	if err := m.history.SaveDataPoint(ctx, RenderHistoryKey(o.AgendaID), dp); err != nil {
		m.log.Warn("Failed to save render history", "agenda", o.AgendaID, "error", err)
	}
}

// RecordKPIScored counts one persisted KPI.
func (m *Metrics) RecordKPIScored() {
	m.KPIScored.With().Inc()
}

// RecordReport counts one generated workbook.
func (m *Metrics) RecordReport() {
	m.ReportsGenerated.With().Inc()
}

// RecordBusPublish records a bus publish.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	if err != nil {
		m.BusErrors.With(topic).Inc()
		return
	}
	m.BusEventsPublished.With(topic).Inc()
	m.BusEventLatency.With(topic).Observe(float64(latencyMs))
}

// RecordBusHandler counts failed deliveries.
func (m *Metrics) RecordBusHandler(topic string, err error) {
	if err != nil {
		m.BusHandlerFailures.With(topic).Inc()
	}
}

// RecordHTTP records an HTTP request.
func (m *Metrics) RecordHTTP(method, path string, status int, durationSeconds float64) {
	path = normalizePath(path)
	m.HTTPRequests.With(method, path, statusCode(status)).Inc()
	m.HTTPDuration.With(method, path).Observe(durationSeconds)
}

// RenderHistory returns the render marker counts of an agenda since t.
func (m *Metrics) RenderHistory(ctx context.Context, agendaID string, since time.Time) ([]DataPoint, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.LoadHistory(ctx, RenderHistoryKey(agendaID), since)
}

// Close releases the history backend.
func (m *Metrics) Close() error {
	if m.history == nil {
		return nil
	}
	return m.history.Close()
}
