package metrics

import (
	"context"
	"testing"
	"time"
)

func TestDialRedisHistory_InvalidURL(t *testing.T) {
	if _, err := DialRedisHistory(context.Background(), "invalid://url", time.Hour); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestDialRedisHistory_ConnectionFailure(t *testing.T) {
	if _, err := DialRedisHistory(context.Background(), "redis://localhost:9999", time.Hour); err == nil {
		t.Fatal("expected error for connection failure")
	}
}

func TestRedisHistory_SaveAndLoad(t *testing.T) {
	h, err := DialRedisHistory(context.Background(), "redis://localhost:6379/15", time.Hour)
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer h.Close()

	ctx := context.Background()
	metric := RenderHistoryKey("test-" + time.Now().Format("150405.000000"))
	defer h.client.Del(ctx, historyKeyPrefix+metric)

	now := time.Now()
	points := []DataPoint{
		{Timestamp: now.Add(-2 * time.Hour), Value: 1},
		{Timestamp: now.Add(-10 * time.Minute), Value: 10},
		{Timestamp: now.Add(-5 * time.Minute), Value: 10},
		{Timestamp: now, Value: 30.5},
	}
	for _, dp := range points {
		if err := h.SaveDataPoint(ctx, metric, dp); err != nil {
			t.Fatalf("SaveDataPoint failed: %v", err)
		}
	}

	loaded, err := h.LoadHistory(ctx, metric, time.Time{})
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	// the two-hour-old point is past retention
	if len(loaded) != 3 {
		t.Fatalf("expected 3 points, got %d", len(loaded))
	}
	if loaded[0].Value != 10 || loaded[1].Value != 10 || loaded[2].Value != 30.5 {
		t.Errorf("values = %v", loaded)
	}
	if !loaded[2].Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", loaded[2].Timestamp, now)
	}
}

func TestMemoryHistory_Since(t *testing.T) {
	h := NewMemoryHistory(time.Hour)
	ctx := context.Background()
	now := time.Now()
	_ = h.SaveDataPoint(ctx, "m", DataPoint{Timestamp: now.Add(-30 * time.Minute), Value: 1})
	_ = h.SaveDataPoint(ctx, "m", DataPoint{Timestamp: now, Value: 2})

	got, _ := h.LoadHistory(ctx, "m", now.Add(-time.Minute))
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("history = %+v, want [2]", got)
	}
	if got, _ := h.LoadHistory(ctx, "other", time.Time{}); len(got) != 0 {
		t.Errorf("unknown key = %+v, want empty", got)
	}
}
