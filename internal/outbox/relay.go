package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"plangate/internal/domain"
	"plangate/internal/metrics"
	"plangate/internal/repo"
)

const (
	defaultBatchSize      = 100
	defaultPollInterval   = 2 * time.Second
	defaultPublishTimeout = 10 * time.Second
	defaultMaxRetries     = 8
)

type RelayConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	// ClaimTimeout returns rows left in publishing by a crashed relay to
	// pending. Zero disables reclaiming.
	ClaimTimeout time.Duration
	// MaxRetries is the retry ceiling; a row whose retry_count exceeds it is dead.
	MaxRetries int
	Backoff    Backoff
	// RatePerSecond caps publish calls. Zero means unlimited.
	RatePerSecond float64
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Relay moves pending outbox rows to the bus. It is the only writer of outbox
// rows after insertion. Several relays may run against the same table; row
// claims are compare-and-set.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Config    RelayConfig
	Logger    *slog.Logger
	Now       func() time.Time

	limiter *rate.Limiter
}

func NewRelay(r repo.Repo, pub Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	relay := &Relay{Repo: r, Publisher: pub, Config: cfg.withDefaults(), Logger: logger, Now: time.Now}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		relay.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return relay
}

func (r *Relay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// CycleStats summarises one relay cycle.
type CycleStats struct {
	Reclaimed int64
	Selected  int
	Published int
	Retried   int
	Dead      int
	Skipped   int
}

// RunOnce performs a single relay cycle. Storage errors abort the cycle and
// are returned; publish errors are recorded on the row.
func (r *Relay) RunOnce(ctx context.Context) (CycleStats, error) {
	cfg := r.Config.withDefaults()
	var stats CycleStats

	if cfg.ClaimTimeout > 0 {
		n, err := r.Repo.ReclaimOutbox(ctx, nil, r.now().Add(-cfg.ClaimTimeout))
		if err != nil {
			return stats, fmt.Errorf("reclaim outbox: %w", err)
		}
		if n > 0 {
			metrics.OutboxReclaimed.Add(float64(n))
			r.Logger.Warn("outbox rows reclaimed from stale publishing claim", "count", n)
		}
		stats.Reclaimed = n
	}

	batch, err := r.Repo.SelectDueOutbox(ctx, nil, cfg.BatchSize, r.now())
	if err != nil {
		return stats, fmt.Errorf("select outbox batch: %w", err)
	}
	stats.Selected = len(batch)
	metrics.OutboxBatchSize.Observe(float64(len(batch)))

	// A failed row holds back the rest of its aggregate for this cycle.
	held := map[string]bool{}
	for _, row := range batch {
		if held[row.AggregateID] {
			stats.Skipped++
			continue
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		result, err := r.deliver(ctx, cfg, row)
		if err != nil {
			return stats, err
		}
		switch result {
		case domain.OutboxPublished:
			stats.Published++
		case domain.OutboxPending:
			stats.Retried++
			held[row.AggregateID] = true
		case domain.OutboxDead:
			stats.Dead++
			held[row.AggregateID] = true
		default:
			stats.Skipped++
			held[row.AggregateID] = true
		}
	}
	return stats, nil
}

// deliver claims, publishes and settles one row, returning its new status.
// An empty status means another relay claimed the row first.
func (r *Relay) deliver(ctx context.Context, cfg RelayConfig, row domain.OutboxEvent) (domain.OutboxStatus, error) {
	log := r.Logger.With("event_id", row.EventID, "event_type", row.EventType, "aggregate_id", row.AggregateID)
	if err := r.Repo.ClaimOutbox(ctx, nil, row.ID, r.now()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			log.Debug("outbox row claimed elsewhere")
			return "", nil
		}
		return "", fmt.Errorf("claim outbox %d: %w", row.ID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	pubErr := r.Publisher.Publish(pubCtx, messageFor(row))
	if pubErr != nil && errors.Is(pubCtx.Err(), context.DeadlineExceeded) && !errors.Is(pubErr, ErrPublishTimeout) {
		pubErr = fmt.Errorf("%w: %v", ErrPublishTimeout, pubErr)
	}
	cancel()

	if pubErr == nil {
		if err := r.Repo.MarkOutboxPublished(ctx, nil, row.ID, r.now()); err != nil {
			return "", fmt.Errorf("mark outbox %d published: %w", row.ID, err)
		}
		metrics.OutboxPublishTotal.WithLabelValues("published").Inc()
		log.Debug("outbox event published")
		return domain.OutboxPublished, nil
	}

	retries := row.RetryCount + 1
	if retries > cfg.MaxRetries {
		if err := r.Repo.MarkOutboxDead(ctx, nil, row.ID, retries, pubErr.Error()); err != nil {
			return "", fmt.Errorf("mark outbox %d dead: %w", row.ID, err)
		}
		metrics.OutboxPublishTotal.WithLabelValues("dead").Inc()
		metrics.OutboxDeadLetters.Inc()
		log.Warn("outbox event dead-lettered", "retry_count", retries, "err", pubErr)
		return domain.OutboxDead, nil
	}
	next := r.now().Add(cfg.Backoff.Delay(retries))
	if err := r.Repo.MarkOutboxRetry(ctx, nil, row.ID, retries, next, pubErr.Error()); err != nil {
		return "", fmt.Errorf("mark outbox %d for retry: %w", row.ID, err)
	}
	metrics.OutboxPublishTotal.WithLabelValues("retry").Inc()
	log.Info("outbox publish failed, will retry", "retry_count", retries, "next_retry_at", next, "timeout", errors.Is(pubErr, ErrPublishTimeout), "err", pubErr)
	return domain.OutboxPending, nil
}

// Run relays until ctx is done. A full batch that made progress is followed
// immediately by another cycle; storage errors wait for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	cfg := r.Config.withDefaults()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		stats, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.Logger.Error("outbox relay cycle failed", "err", err)
		} else if stats.Selected >= cfg.BatchSize && stats.Published > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ListDead returns dead-lettered rows for operators.
func (r *Relay) ListDead(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.Repo.ListOutbox(ctx, nil, repo.OutboxFilters{Status: domain.OutboxDead, Limit: limit})
}

// Requeue resets a dead row to pending with a fresh retry budget.
func (r *Relay) Requeue(ctx context.Context, id int64) error {
	if err := r.Repo.RequeueOutbox(ctx, nil, id); err != nil {
		return err
	}
	r.Logger.Info("outbox event requeued", "id", id)
	return nil
}
