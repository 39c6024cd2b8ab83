package bus

import (
	"context"
	"sync"
	"time"

	"github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

// closeDrain bounds how long Close waits for running handlers.
const closeDrain = 10 * time.Second

var errClosed = errors.New(errors.CodeUnavailable, "bus is closed")

// MemoryBus delivers events inside the process. Each delivery runs on its
// own goroutine with a context detached from the publisher, so a request
// that publishes and returns does not cancel the work it triggered.
type MemoryBus struct {
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	running sync.WaitGroup
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Discard()
	}
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		log:      log.WithComponent("bus"),
	}
}

// Publish hands event to every subscriber of topic. Events without a type
// take the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	if event.Type == "" {
		event.Type = topic
	}

	detached := context.WithoutCancel(ctx)
	for _, h := range b.handlers[topic] {
		b.running.Add(1)
		go b.deliver(detached, topic, event, h)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, event Event, h Handler) {
	defer b.running.Done()
	if err := h(ctx, event); err != nil {
		b.log.WithError(err).Warn("Event handler failed", "topic", topic, "event", event.ID)
	}
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Wait blocks until every running handler returned or ctx is done.
func (b *MemoryBus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further publishes and waits for running handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeDrain)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		b.log.Warn("Event drain timeout reached, some handlers may not have completed")
	}
	return nil
}
