package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs each event as JSON to URL. Any non-2xx response is a
// delivery failure.
type WebhookPublisher struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Events limits delivery to the listed event types; others are acknowledged
	// without a request. Empty means all.
	Events []string
	Client *http.Client
}

type webhookBody struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	UserID        string          `json:"user_id,omitempty"`
	ProjectID     string          `json:"project_id,omitempty"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
}

func (w WebhookPublisher) Publish(ctx context.Context, msg Message) error {
	if strings.TrimSpace(w.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	if !newEventFilter(w.Events).match(msg.EventType) {
		return nil
	}
	payload := msg.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(webhookBody{
		ID:            msg.EventID,
		Type:          msg.EventType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		UserID:        msg.UserID,
		ProjectID:     msg.ProjectID,
		TS:            msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Plangate-Event", msg.EventType)
	req.Header.Set("X-Plangate-Delivery", msg.EventID)
	req.Header.Set("X-Plangate-Attempt", strconv.Itoa(msg.Attempt))
	if msg.ProjectID != "" {
		req.Header.Set("X-Plangate-Project", msg.ProjectID)
	}
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Plangate-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
