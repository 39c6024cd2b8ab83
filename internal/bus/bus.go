// Package bus provides event bus implementations for pipeline notifications.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type, equal to the topic it was published on.
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix millis).
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// Topics.
const (
	TopicKPICreated      = "kpi.created"
	TopicMapRendered     = "map.rendered"
	TopicReportGenerated = "report.generated"
)

// KPICreated is published after a KPI entity was persisted.
type KPICreated struct {
	KPIID          string `json:"kpi_id"`
	OrganizationID string `json:"organization_id"`
	AgendaID       string `json:"agenda_id"`
	MatchingRunID  string `json:"matching_run_id"`
	BlobID         string `json:"blob_id"`
}

// MapRendered is published after an agenda map was written.
type MapRendered struct {
	AgendaID string `json:"agenda_id"`
	Path     string `json:"path"`
	Markers  int    `json:"markers"`
	Dropped  int    `json:"dropped"`
}

// ReportGenerated is published after a compliance workbook was saved.
type ReportGenerated struct {
	AgendaID       string `json:"agenda_id"`
	OrganizationID string `json:"organization_id"`
	Path           string `json:"path"`
}

// NewEvent builds an event for topic with a fresh id.
func NewEvent(topic, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      topic,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Decode converts the event payload into v. Payloads that crossed a
// serialising transport arrive as generic maps.
func (e Event) Decode(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
