package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// HTTPMiddleware wraps an HTTP handler to collect request count, duration
// and in-flight requests.
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inFlight := m.HTTPRequestsInFlight.With()
		inFlight.Inc()
		defer inFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTP(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

var (
	// mapFilePattern matches rendered map and backup file paths.
	mapFilePattern = regexp.MustCompile(`^/maps/[^/]+$`)
	// reportFilePattern matches written workbook paths.
	reportFilePattern = regexp.MustCompile(`^/reports/[^/]+$`)
	historyPattern    = regexp.MustCompile(`^/v1/agendas/[^/]+/history$`)
)

// normalizePath normalizes HTTP paths to reduce cardinality for metrics.
//
// Examples:
//   - /maps/agenda-sdg.html -> /maps/{file}
//   - /v1/report?agenda=x -> /v1/report
//   - /v1/agendas/urn:x/history -> /v1/agendas/{id}/history
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/metrics", "/v1/report", "/v1/agendas", "/v1/events":
		return path
	}
	switch {
	case mapFilePattern.MatchString(path):
		return "/maps/{file}"
	case reportFilePattern.MatchString(path):
		return "/reports/{file}"
	case historyPattern.MatchString(path):
		return "/v1/agendas/{id}/history"
	}
	return "other"
}

// exactStatus are the codes exported as is. Anything else is folded into
// its class.
var exactStatus = map[int]bool{
	200: true, 201: true, 204: true,
	400: true, 401: true, 403: true, 404: true, 405: true, 429: true,
	500: true, 502: true, 503: true,
}

// statusCode turns a status into a low-cardinality label.
func statusCode(code int) string {
	switch {
	case exactStatus[code]:
		return strconv.Itoa(code)
	case code >= 100 && code < 600:
		return strconv.Itoa(code/100) + "xx"
	}
	return strconv.Itoa(code)
}

// Flush lets event streams through the middleware.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
