// Package outbox records lifecycle events atomically with the state changes
// that produce them and relays them to a message bus.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plangate/internal/domain"
	"plangate/internal/repo"
)

// ErrNoTransaction is returned when Append is called outside a transaction.
var ErrNoTransaction = errors.New("outbox append requires a transaction")

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type Event struct {
	AggregateType string
	AggregateID   string
	UserID        string
	ProjectID     string
	Type          string
	Payload       any
}

// Append inserts a pending outbox row inside tx. The row commits or rolls
// back together with the caller's state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) (domain.OutboxEvent, error) {
	if tx == nil {
		return domain.OutboxEvent{}, ErrNoTransaction
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.Type == "" || evt.AggregateID == "" {
		return domain.OutboxEvent{}, fmt.Errorf("outbox event needs a type and aggregate id")
	}
	payload, err := marshalPayload(evt.Payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", evt.Type, err)
	}
	row := domain.OutboxEvent{
		EventID:       uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		UserID:        evt.UserID,
		ProjectID:     evt.ProjectID,
		EventType:     evt.Type,
		Payload:       payload,
		Status:        domain.OutboxPending,
		CreatedAt:     w.Now().UTC(),
	}
	id, err := w.Repo.InsertOutbox(ctx, tx, row)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("append %s: %w", evt.Type, err)
	}
	row.ID = id
	return row, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case []byte:
		return marshalPayload(json.RawMessage(p))
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return p, nil
	}
	return json.Marshal(v)
}
