package bus

import (
	"context"
	"time"
)

// Recorder receives publish and delivery outcomes. *metrics.Metrics
// satisfies it.
type Recorder interface {
	RecordBusPublish(topic string, latencyMs int64, err error)
	RecordBusHandler(topic string, err error)
}

// instrumented times publishes and counts handler failures of a Bus.
type instrumented struct {
	Bus
	rec Recorder
}

// Instrument wraps b so that its traffic is reported to rec. A nil rec
// returns b unchanged.
func Instrument(b Bus, rec Recorder) Bus {
	if rec == nil {
		return b
	}
	return &instrumented{Bus: b, rec: rec}
}

func (b *instrumented) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.Bus.Publish(ctx, topic, event)
	b.rec.RecordBusPublish(topic, time.Since(start).Milliseconds(), err)
	return err
}

func (b *instrumented) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.Bus.Subscribe(ctx, topic, func(ctx context.Context, e Event) error {
		err := handler(ctx, e)
		b.rec.RecordBusHandler(topic, err)
		return err
	})
}
