package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"plangate/internal/domain"
)

// ErrPublishTimeout distinguishes a bus timeout from an outright failure.
// Both are retried.
var ErrPublishTimeout = errors.New("publish timed out")

// Message is what the relay hands to the bus. EventID is stable across
// retries so consumers can deduplicate.
type Message struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	UserID        string          `json:"user_id,omitempty"`
	ProjectID     string          `json:"project_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempt       int             `json:"attempt"`
}

func messageFor(e domain.OutboxEvent) Message {
	return Message{
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		UserID:        e.UserID,
		ProjectID:     e.ProjectID,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
		Attempt:       e.RetryCount + 1,
	}
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogPublisher writes events to a structured log. Useful when no bus is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event published",
		"event_id", msg.EventID,
		"event_type", msg.EventType,
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"attempt", msg.Attempt,
		"payload", string(msg.Payload),
	)
	return nil
}
