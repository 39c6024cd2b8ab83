package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryRetention is how long render history is kept.
const DefaultHistoryRetention = 30 * 24 * time.Hour

// DataPoint is one timestamped value.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// History persists timestamped values per metric key.
type History interface {
	SaveDataPoint(ctx context.Context, metric string, dp DataPoint) error
	LoadHistory(ctx context.Context, metric string, since time.Time) ([]DataPoint, error)
	Close() error
}

// RenderHistoryKey is the history key of an agenda's render counts.
func RenderHistoryKey(agendaID string) string {
	return "renders:" + agendaID
}

// MemoryHistory keeps history in process memory.
type MemoryHistory struct {
	mu        sync.RWMutex
	points    map[string][]DataPoint
	retention time.Duration
}

// NewMemoryHistory creates an in-memory history.
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	return &MemoryHistory{points: make(map[string][]DataPoint), retention: retention}
}

// SaveDataPoint appends dp and evicts points older than the retention.
func (h *MemoryHistory) SaveDataPoint(_ context.Context, metric string, dp DataPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	points := append(h.points[metric], dp)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	cutoff := time.Now().Add(-h.retention)
	i := sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(cutoff) })
	h.points[metric] = points[i:]
	return nil
}

// LoadHistory returns the points at or after since, oldest first.
func (h *MemoryHistory) LoadHistory(_ context.Context, metric string, since time.Time) ([]DataPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []DataPoint
	for _, dp := range h.points[metric] {
		if !dp.Timestamp.Before(since) {
			out = append(out, dp)
		}
	}
	return out, nil
}

// Close is a no-op.
func (h *MemoryHistory) Close() error { return nil }
