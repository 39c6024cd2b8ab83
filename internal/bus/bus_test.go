package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan Event, 1)

	if err := bus.Subscribe(ctx, TopicKPICreated, func(ctx context.Context, event Event) error {
		received <- event
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	event := NewEvent(TopicKPICreated, "test", KPICreated{KPIID: "kpi-1", AgendaID: "agenda-1"})
	if err := bus.Publish(ctx, TopicKPICreated, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID {
			t.Errorf("Event ID = %s, want %s", got.ID, event.ID)
		}
		var payload KPICreated
		if err := got.Decode(&payload); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if payload.AgendaID != "agenda-1" {
			t.Errorf("AgendaID = %s, want agenda-1", payload.AgendaID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		_ = bus.Subscribe(ctx, "multi", func(ctx context.Context, event Event) error {
			count.Add(1)
			wg.Done()
			return nil
		})
	}

	if err := bus.Publish(ctx, "multi", NewEvent("multi", "test", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	wg.Wait()
	if got := count.Load(); got != 3 {
		t.Errorf("handlers called = %d, want 3", got)
	}
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	if err := bus.Publish(context.Background(), "nobody", Event{ID: "e"}); err != nil {
		t.Errorf("Publish() without subscribers error = %v", err)
	}
}

func TestMemoryBus_HandlerOutlivesPublisherContext(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctxErr := make(chan error, 1)
	_ = bus.Subscribe(context.Background(), "t", func(ctx context.Context, event Event) error {
		time.Sleep(10 * time.Millisecond)
		ctxErr <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_ = bus.Publish(ctx, "t", Event{ID: "e"})
	cancel()

	if err := <-ctxErr; err != nil {
		t.Errorf("handler context error = %v, want nil", err)
	}
}

func TestMemoryBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	done := make(chan struct{})
	_ = bus.Subscribe(context.Background(), "t", func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})
	_ = bus.Subscribe(context.Background(), "t", func(ctx context.Context, event Event) error {
		close(done)
		return nil
	})

	_ = bus.Publish(context.Background(), "t", Event{ID: "e"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(nil)

	var finished atomic.Bool
	_ = bus.Subscribe(context.Background(), "slow", func(ctx context.Context, event Event) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	_ = bus.Publish(context.Background(), "slow", Event{ID: "e"})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Close() returned before in-flight handler finished")
	}

	if err := bus.Publish(context.Background(), "slow", Event{ID: "e"}); err == nil {
		t.Error("Publish() after Close() should fail")
	}
	if err := bus.Subscribe(context.Background(), "slow", func(context.Context, Event) error { return nil }); err == nil {
		t.Error("Subscribe() after Close() should fail")
	}
}

func TestMemoryBus_Concurrent(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32
	_ = bus.Subscribe(ctx, "c", func(ctx context.Context, event Event) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(ctx, "c", Event{ID: "e"})
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := bus.Wait(ctx); err != nil {
		t.Fatalf("handlers did not drain: %v", err)
	}
	if got := count.Load(); got != 50 {
		t.Errorf("handled = %d, want 50", got)
	}
}

type recorder struct {
	mu       sync.Mutex
	topics   []string
	errs     []error
	handled  []string
	failures int
}

func (r *recorder) RecordBusPublish(topic string, latencyMs int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.errs = append(r.errs, err)
}

func (r *recorder) RecordBusHandler(topic string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, topic)
	if err != nil {
		r.failures++
	}
}

func TestInstrument_RecordsPublish(t *testing.T) {
	inner := NewMemoryBus(nil)
	rec := &recorder{}
	bus := Instrument(inner, rec)

	if err := bus.Publish(context.Background(), TopicMapRendered, Event{ID: "e"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_ = bus.Close()
	if err := bus.Publish(context.Background(), TopicMapRendered, Event{ID: "e"}); err == nil {
		t.Fatal("Publish() on closed bus should fail")
	}

	if len(rec.topics) != 2 || rec.topics[0] != TopicMapRendered {
		t.Fatalf("recorded topics = %v", rec.topics)
	}
	if rec.errs[0] != nil || rec.errs[1] == nil {
		t.Errorf("recorded errors = %v", rec.errs)
	}
}

func TestInstrument_RecordsHandlerOutcome(t *testing.T) {
	inner := NewMemoryBus(nil)
	rec := &recorder{}
	bus := Instrument(inner, rec)
	ctx := context.Background()

	_ = bus.Subscribe(ctx, TopicKPICreated, func(context.Context, Event) error { return nil })
	_ = bus.Subscribe(ctx, TopicKPICreated, func(context.Context, Event) error { return errors.New("boom") })
	_ = bus.Publish(ctx, TopicKPICreated, Event{ID: "e"})

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := inner.Wait(wctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.handled) != 2 || rec.failures != 1 {
		t.Errorf("handled = %v, failures = %d", rec.handled, rec.failures)
	}
}

func TestInstrument_NilRecorder(t *testing.T) {
	inner := NewMemoryBus(nil)
	defer inner.Close()
	if Instrument(inner, nil) != Bus(inner) {
		t.Error("nil recorder should return the bus unchanged")
	}
}

func TestMemoryBus_StampsType(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	got := make(chan string, 1)
	_ = bus.Subscribe(context.Background(), TopicReportGenerated, func(ctx context.Context, e Event) error {
		got <- e.Type
		return nil
	})
	_ = bus.Publish(context.Background(), TopicReportGenerated, Event{ID: "e"})

	select {
	case typ := <-got:
		if typ != TopicReportGenerated {
			t.Errorf("Type = %q, want %q", typ, TopicReportGenerated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestEvent_DecodeMismatch(t *testing.T) {
	event := Event{Type: TopicKPICreated, Payload: map[string]any{"kpi_id": 5}}
	var payload KPICreated
	if err := event.Decode(&payload); err == nil {
		t.Error("Decode() should reject a numeric kpi_id")
	}
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(TopicReportGenerated, "report", nil)
	b := NewEvent(TopicReportGenerated, "report", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Type != TopicReportGenerated || a.Timestamp == 0 {
		t.Errorf("unexpected event %+v", a)
	}
}
