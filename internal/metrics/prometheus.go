package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// exporter writes one metric family in text exposition format.
type exporter interface {
	export(sb *strings.Builder)
}

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	m.Uptime.With().Set(time.Since(m.startTime).Seconds())

	var sb strings.Builder
	for _, e := range m.exporters {
		e.export(&sb)
	}
	return sb.String()
}

// Handler serves the exposition text.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(m.PrometheusFormat()))
	})
}

func (f *Family[T]) export(sb *strings.Builder) {
	children := f.sorted()
	if len(children) == 0 {
		return
	}
	sb.WriteString("# HELP " + f.name + " " + f.help + "\n")
	sb.WriteString("# TYPE " + f.name + " " + f.kind + "\n")

	for _, c := range children {
		switch v := any(c.metric).(type) {
		case *Counter:
			sample(sb, f.name, f.labels, c.values, strconv.FormatInt(v.Value(), 10))
		case *Gauge:
			sample(sb, f.name, f.labels, c.values, formatFloat(v.Value()))
		case *Histogram:
			exportHistogram(sb, f.name, f.labels, c.values, v)
		}
	}
}

func exportHistogram(sb *strings.Builder, name string, labels, values []string, h *Histogram) {
	withLE := append(labels[:len(labels):len(labels)], "le")
	counts := h.BucketCounts()
	for i, bound := range h.Bounds() {
		le := append(values[:len(values):len(values)], formatFloat(bound))
		sample(sb, name+"_bucket", withLE, le, strconv.FormatInt(counts[i], 10))
	}
	inf := append(values[:len(values):len(values)], "+Inf")
	sample(sb, name+"_bucket", withLE, inf, strconv.FormatInt(counts[len(counts)-1], 10))
	sample(sb, name+"_sum", labels, values, formatFloat(h.Sum()))
	sample(sb, name+"_count", labels, values, strconv.FormatInt(h.Count(), 10))
}

// sample writes one line: name{label="value",...} v
func sample(sb *strings.Builder, name string, labels, values []string, v string) {
	sb.WriteString(name)
	if len(labels) > 0 {
		sb.WriteByte('{')
		for i, l := range labels {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(l)
			sb.WriteString(`="`)
			sb.WriteString(labelEscaper.Replace(values[i]))
			sb.WriteByte('"')
		}
		sb.WriteByte('}')
	}
	sb.WriteByte(' ')
	sb.WriteString(v)
	sb.WriteByte('\n')
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
