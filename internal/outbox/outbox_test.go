package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plangate/internal/db"
	"plangate/internal/domain"
	"plangate/internal/migrate"
	"plangate/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	repo  repo.Repo
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return &testEnv{repo: repo.Repo{DB: conn, Dialect: dialect}, clock: t0}
}

func (e *testEnv) now() time.Time { return e.clock }

func (e *testEnv) append(t *testing.T, aggregate, typ string) domain.OutboxEvent {
	t.Helper()
	ctx := context.Background()
	tx, err := e.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	w := Writer{Repo: e.repo, Now: e.now}
	row, err := w.Append(ctx, tx, Event{AggregateType: domain.AggregateTask, AggregateID: aggregate, Type: typ, Payload: map[string]any{"n": typ}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	e.clock = e.clock.Add(time.Millisecond)
	return row
}

func (e *testEnv) relay(pub Publisher, cfg RelayConfig) *Relay {
	r := NewRelay(e.repo, pub, cfg, nil)
	r.Now = e.now
	return r
}

func TestAppendRequiresTransaction(t *testing.T) {
	env := newTestEnv(t)
	_, err := Writer{Repo: env.repo}.Append(context.Background(), nil, Event{AggregateID: "a", Type: "x"})
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx, err := env.repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = Writer{Repo: env.repo}.Append(ctx, tx, Event{AggregateType: domain.AggregatePlan, AggregateID: "p1", Type: domain.EventPlanCreated})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	rows, err := env.repo.ListOutbox(ctx, nil, repo.OutboxFilters{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(60))

	low := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5, Rand: func() float64 { return 0 }}
	high := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5, Rand: func() float64 { return 0.999999 }}
	assert.Equal(t, 2*time.Second, low.Delay(3))
	assert.InDelta(t, float64(6*time.Second), float64(high.Delay(3)), float64(time.Millisecond))
	assert.LessOrEqual(t, high.Delay(30), time.Minute)
}

func TestRelayPublishesInAggregateOrder(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "agg-b", "b1")
	env.append(t, "agg-a", "a1")
	env.append(t, "agg-b", "b2")
	env.append(t, "agg-a", "a2")

	var got []string
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		got = append(got, msg.EventType)
		return nil
	})
	stats, err := env.relay(pub, RelayConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Published)
	assert.Equal(t, []string{"a1", "a2", "b1", "b2"}, got)

	rows, err := env.repo.ListOutbox(context.Background(), nil, repo.OutboxFilters{Status: domain.OutboxPublished})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.NotNil(t, r.PublishedAt)
		assert.Nil(t, r.NextRetryAt)
	}
}

func TestRelayFailureHoldsBackAggregate(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "agg-a", "a1")
	env.append(t, "agg-a", "a2")
	env.append(t, "agg-b", "b1")

	var got []string
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		got = append(got, msg.EventType)
		if msg.EventType == "a1" && msg.Attempt == 1 {
			return errors.New("bus unavailable")
		}
		return nil
	})
	relay := env.relay(pub, RelayConfig{MaxRetries: 3, Backoff: Backoff{Base: time.Second, Max: time.Minute}})

	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleStats{Selected: 3, Published: 1, Retried: 1, Skipped: 1}, stats)
	assert.Equal(t, []string{"a1", "b1"}, got)

	// Not due yet: a1 waits out its backoff and a2 stays behind it.
	stats, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Selected)

	env.clock = env.clock.Add(2 * time.Second)
	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1", "a1", "a2"}, got)

	rows, err := env.repo.ListOutbox(context.Background(), nil, repo.OutboxFilters{AggregateID: "agg-a"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.OutboxPublished, rows[0].Status)
	assert.Equal(t, 1, rows[0].RetryCount)
}

func TestRelayDeadLettersAfterRetryCeiling(t *testing.T) {
	env := newTestEnv(t)
	row := env.append(t, "agg", "doomed")
	pub := PublisherFunc(func(ctx context.Context, msg Message) error { return errors.New("nope") })
	relay := env.relay(pub, RelayConfig{MaxRetries: 2, Backoff: Backoff{Base: time.Second, Max: time.Second}})

	for i := 0; i < 3; i++ {
		_, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		env.clock = env.clock.Add(2 * time.Second)
	}
	got, err := env.repo.GetOutbox(context.Background(), nil, row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDead, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, "nope", got.LastError)

	dead, err := relay.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, relay.Requeue(context.Background(), row.ID))
	got, err = env.repo.GetOutbox(context.Background(), nil, row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRelayTerminatesWithinBoundedCycles(t *testing.T) {
	env := newTestEnv(t)
	const aggregates, perAggregate, maxRetries = 8, 3, 3
	for i := 0; i < perAggregate; i++ {
		for a := 0; a < aggregates; a++ {
			env.append(t, fmt.Sprintf("agg-%d", a), fmt.Sprintf("e%d", i))
		}
	}

	rng := rand.New(rand.NewPCG(7, 11))
	var mu sync.Mutex
	published := map[string][]string{}
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < 0.4 {
			return errors.New("injected failure")
		}
		published[msg.AggregateID] = append(published[msg.AggregateID], msg.EventType)
		return nil
	})
	relay := env.relay(pub, RelayConfig{MaxRetries: maxRetries, Backoff: Backoff{Base: time.Second, Max: 4 * time.Second, Jitter: 0.2}})

	lastRetry := map[int64]int{}
	bound := perAggregate * (maxRetries + 1)
	cycles := 0
	for ; cycles < bound; cycles++ {
		_, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		env.clock = env.clock.Add(10 * time.Second)

		rows, err := env.repo.ListOutbox(context.Background(), nil, repo.OutboxFilters{})
		require.NoError(t, err)
		done := true
		for _, r := range rows {
			assert.GreaterOrEqual(t, r.RetryCount, lastRetry[r.ID], "retry_count went backwards for %d", r.ID)
			lastRetry[r.ID] = r.RetryCount
			if r.Status != domain.OutboxPublished && r.Status != domain.OutboxDead {
				done = false
			}
		}
		if done {
			break
		}
	}
	assert.Less(t, cycles, bound, "outbox did not settle within %d cycles", bound)

	for agg, events := range published {
		for i := 1; i < len(events); i++ {
			assert.Less(t, events[i-1], events[i], "aggregate %s published out of order: %v", agg, events)
		}
	}
}

func TestRelayClassifiesTimeout(t *testing.T) {
	env := newTestEnv(t)
	row := env.append(t, "agg", "slow")
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	relay := env.relay(pub, RelayConfig{PublishTimeout: 20 * time.Millisecond, MaxRetries: 5})
	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	got, err := env.repo.GetOutbox(context.Background(), nil, row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, got.Status)
	assert.Contains(t, got.LastError, ErrPublishTimeout.Error())
	require.NotNil(t, got.NextRetryAt)
}

func TestRelayReclaimsStaleClaims(t *testing.T) {
	env := newTestEnv(t)
	row := env.append(t, "agg", "stuck")
	require.NoError(t, env.repo.ClaimOutbox(context.Background(), nil, row.ID, env.clock))

	calls := 0
	relay := env.relay(PublisherFunc(func(ctx context.Context, msg Message) error { calls++; return nil }),
		RelayConfig{ClaimTimeout: time.Minute})

	stats, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Reclaimed)
	assert.Zero(t, calls)

	env.clock = env.clock.Add(2 * time.Minute)
	stats, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, 1, calls)

	got, err := env.repo.GetOutbox(context.Background(), nil, row.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPublished, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, "agg", "e")
	published := make(chan struct{}, 1)
	relay := NewRelay(env.repo, PublisherFunc(func(ctx context.Context, msg Message) error {
		published <- struct{}{}
		return nil
	}), RelayConfig{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not publish")
	}
	cancel()
	require.NoError(t, <-done)
}
