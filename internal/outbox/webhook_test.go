package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		EventID:       "evt-1",
		EventType:     "task_completed",
		AggregateType: "task",
		AggregateID:   "t1",
		ProjectID:     "proj",
		Payload:       json.RawMessage(`{"task_id":"task_1"}`),
		CreatedAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Attempt:       2,
	}
}

func TestWebhookPublisherPostsEvent(t *testing.T) {
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := WebhookPublisher{URL: srv.URL, Secret: "s3cret"}.Publish(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "task_completed", got.Type)
	assert.JSONEq(t, `{"task_id":"task_1"}`, string(got.Payload))
	assert.Equal(t, "task_completed", headers.Get("X-Plangate-Event"))
	assert.Equal(t, "evt-1", headers.Get("X-Plangate-Delivery"))
	assert.Equal(t, "2", headers.Get("X-Plangate-Attempt"))
	assert.Equal(t, "s3cret", headers.Get("X-Plangate-Secret"))
}

func TestWebhookPublisherNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := WebhookPublisher{URL: srv.URL}.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.NotErrorIs(t, err, ErrPublishTimeout)
}

func TestWebhookPublisherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := WebhookPublisher{URL: srv.URL, Timeout: 30 * time.Millisecond}.Publish(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrPublishTimeout)
}

func TestWebhookPublisherEventFilter(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	pub := WebhookPublisher{URL: srv.URL, Events: []string{"plan_completed"}}
	require.NoError(t, pub.Publish(context.Background(), testMessage()))
	assert.Zero(t, calls)
}
