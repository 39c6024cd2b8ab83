// Package metrics provides Prometheus-compatible metrics for the render,
// scoring and report pipelines.
package metrics

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing count.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds delta. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.v.Add(delta)
	}
}

// Value returns the count.
func (c *Counter) Value() int64 { return c.v.Load() }

// Reset sets the count back to zero.
func (c *Counter) Reset() { c.v.Store(0) }

// Gauge is a value that can go up and down.
type Gauge struct {
	bits atomic.Uint64
}

// Set replaces the value.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Inc adds one.
func (g *Gauge) Inc() { g.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds delta.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		if g.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// Value returns the value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// defaultBounds are millisecond latency buckets.
var defaultBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64 // per bucket, last is +Inf
	sum    float64
	n      int64
}

// NewHistogram creates a histogram with the given upper bounds. The
// caller's slice is not modified.
func NewHistogram(bounds []float64) *Histogram {
	if len(bounds) == 0 {
		bounds = defaultBounds
	}
	bounds = slices.Clone(bounds)
	slices.Sort(bounds)
	return &Histogram{bounds: bounds, counts: make([]int64, len(bounds)+1)}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i, _ := slices.BinarySearch(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.n++
	h.mu.Unlock()
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Bounds returns the bucket upper bounds, without +Inf.
func (h *Histogram) Bounds() []float64 { return slices.Clone(h.bounds) }

// BucketCounts returns the cumulative count of every bucket, +Inf last.
func (h *Histogram) BucketCounts() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.counts))
	var run int64
	for i, c := range h.counts {
		run += c
		out[i] = run
	}
	return out
}

// Family is a named metric with one child per label value tuple. A family
// without labels has exactly one child.
type Family[T any] struct {
	name   string
	help   string
	kind   string
	labels []string
	newT   func() *T

	mu       sync.RWMutex
	children map[string]*child[T]
}

type child[T any] struct {
	values []string
	metric *T
}

func newFamily[T any](name, help, kind string, labels []string, mk func() *T) *Family[T] {
	f := &Family[T]{
		name:     name,
		help:     help,
		kind:     kind,
		labels:   labels,
		newT:     mk,
		children: make(map[string]*child[T]),
	}
	if len(labels) == 0 {
		f.With()
	}
	return f
}

// NewCounterFamily creates a counter family.
func NewCounterFamily(name, help string, labels ...string) *Family[Counter] {
	return newFamily(name, help, "counter", labels, func() *Counter { return &Counter{} })
}

// NewGaugeFamily creates a gauge family.
func NewGaugeFamily(name, help string, labels ...string) *Family[Gauge] {
	return newFamily(name, help, "gauge", labels, func() *Gauge { return &Gauge{} })
}

// NewHistogramFamily creates a histogram family sharing one set of bounds.
func NewHistogramFamily(name, help string, bounds []float64, labels ...string) *Family[Histogram] {
	return newFamily(name, help, "histogram", labels, func() *Histogram { return NewHistogram(bounds) })
}

// With returns the child for the label values, in declaration order. It
// panics when the number of values does not match the labels.
func (f *Family[T]) With(values ...string) *T {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("metrics: %s expects %d label values, got %d", f.name, len(f.labels), len(values)))
	}
	key := childKey(values)

	f.mu.RLock()
	c, ok := f.children[key]
	f.mu.RUnlock()
	if ok {
		return c.metric
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.children[key]; ok {
		return c.metric
	}
	c = &child[T]{values: slices.Clone(values), metric: f.newT()}
	f.children[key] = c
	return c.metric
}

// Len returns the number of children.
func (f *Family[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.children)
}

// sorted returns the children ordered by label values.
func (f *Family[T]) sorted() []*child[T] {
	f.mu.RLock()
	keys := make([]string, 0, len(f.children))
	for k := range f.children {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*child[T], len(keys))
	for i, k := range keys {
		out[i] = f.children[k]
	}
	f.mu.RUnlock()
	return out
}

// childKey joins label values with a separator that cannot appear in
// valid UTF-8.
func childKey(values []string) string {
	return strings.Join(values, "\xff")
}
