package server

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ResponseMeta describes how a /v1 response was produced.
type ResponseMeta struct {
	RequestID string `json:"request_id"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

// Envelope is the body of every successful JSON response on /v1.
type Envelope struct {
	Data json.RawMessage `json:"data"`
	Meta ResponseMeta    `json:"meta"`
}

// bufferedWriter holds a response until the envelope is decided.
type bufferedWriter struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (bw *bufferedWriter) WriteHeader(code int) { bw.status = code }

func (bw *bufferedWriter) Write(b []byte) (int, error) { return bw.body.Write(b) }

// flushRaw sends the buffered response unchanged.
func (bw *bufferedWriter) flushRaw() {
	bw.ResponseWriter.WriteHeader(bw.status)
	_, _ = bw.ResponseWriter.Write(bw.body.Bytes())
}

// isJSON reports whether the handler declared a JSON body.
func isJSON(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// envelope wraps successful JSON bodies of h in data/meta. Errors and
// non-JSON bodies pass through unchanged. Only buffering routes may use
// it; streams and workbooks are registered without.
func (s *Server) envelope(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(bw, r)

		if bw.status >= 400 || bw.body.Len() == 0 || !isJSON(w.Header()) || !json.Valid(bw.body.Bytes()) {
			bw.flushRaw()
			return
		}

		env := Envelope{
			Data: json.RawMessage(bytes.TrimSpace(bw.body.Bytes())),
			Meta: ResponseMeta{
				RequestID: RequestID(r),
				LatencyMS: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Version:   s.cfg.Version,
			},
		}
		w.Header().Del("Content-Length")
		w.WriteHeader(bw.status)
		_ = json.NewEncoder(w).Encode(env)
	})
}

// GenerateRequestID generates a unique request id.
func GenerateRequestID() string {
	return uuid.NewString()
}
