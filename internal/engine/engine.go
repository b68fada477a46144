// Package engine drives task plans through their lifecycle: it validates and
// stores plans, gates ready tasks on risk, dispatches them to an executor and
// settles the plan once every task is terminal.
//
// All scheduling decisions are recomputed from persisted state. Advance is the
// single driver and may be called at any time, from any number of goroutines
// or processes; a lost optimistic race is retried, never surfaced.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"plangate/internal/approval"
	"plangate/internal/db"
	"plangate/internal/domain"
	"plangate/internal/metrics"
	"plangate/internal/outbox"
	"plangate/internal/policy"
	"plangate/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type Config struct {
	// ApprovalTimeout force-fails tasks left awaiting approval longer than this. Zero disables.
	ApprovalTimeout time.Duration
	// ExecutionTimeout force-fails running tasks and bounds the executor context. Zero disables.
	ExecutionTimeout time.Duration
	SweepInterval    time.Duration
	// MaxParallel bounds concurrent executor calls across the engine.
	MaxParallel     int
	ConflictBackoff outbox.Backoff
}

func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:  24 * time.Hour,
		ExecutionTimeout: 30 * time.Minute,
		SweepInterval:    30 * time.Second,
		MaxParallel:      4,
		ConflictBackoff:  outbox.Backoff{Base: 5 * time.Millisecond, Max: 250 * time.Millisecond, Jitter: 0.5},
	}
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Outbox   outbox.Writer
	Gate     approval.Gate
	Executor Executor
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time

	base     context.Context
	stop     context.CancelFunc
	slots    *semaphore.Weighted
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(conn *sql.DB, dialect db.Dialect, src policy.Source, exec Executor, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		src = policy.Static(policy.Default())
	}
	def := DefaultConfig()
	if cfg.ConflictBackoff.Base <= 0 {
		cfg.ConflictBackoff = def.ConflictBackoff
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	e := &Engine{
		DB:       conn,
		Repo:     r,
		Executor: exec,
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
		inflight: map[string]context.CancelFunc{},
		slots:    semaphore.NewWeighted(int64(cfg.MaxParallel)),
	}
	e.base, e.stop = context.WithCancel(context.Background())
	e.Outbox = outbox.Writer{Repo: r, Now: e.now}
	e.Gate = approval.Gate{Repo: r, Outbox: e.Outbox, Policy: src, Logger: logger, Now: e.now}
	return e
}

func (e *Engine) stopping() bool {
	return e.base.Err() != nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Drain waits for in-flight dispatches, including the Advance calls their
// results trigger.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// Stop signals every in-flight execution, stops new dispatches and waits
// until every outcome already produced has been recorded.
func (e *Engine) Stop() {
	e.stop()
	e.wg.Wait()
}

// withRetry reruns fn while it loses optimistic races or hits a busy database.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrConflict) && !repo.IsBusy(err) {
			return err
		}
		metrics.SchedulerConflicts.Inc()
		e.Logger.Debug("concurrent modification, retrying", "op", op, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Config.ConflictBackoff.Delay(attempt)):
		}
	}
}

// begin opens a transaction whose first write claims the plan revision read
// as plan.Version.
func (e *Engine) begin(ctx context.Context, plan domain.TaskPlan) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.ClaimPlanRevision(ctx, tx, plan.ID, plan.Version, e.now()); err != nil {
		tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (e *Engine) emit(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, aggregateType, aggregateID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["plan_id"] = plan.ID
	_, err := e.Outbox.Append(ctx, tx, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		UserID:        plan.UserID,
		ProjectID:     plan.ProjectID,
		Type:          eventType,
		Payload:       payload,
	})
	return err
}

// movePlan applies a plan transition with its outbox row inside tx.
func (e *Engine) movePlan(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, to domain.PlanStatus, eventType, errText string) error {
	if err := ensurePlanTransition(plan.Status, to); err != nil {
		return err
	}
	if err := e.Repo.UpdatePlanStatus(ctx, tx, plan.ID, plan.Status, to, errText, e.now()); err != nil {
		return err
	}
	payload := map[string]any{"from": plan.Status, "to": to}
	if errText != "" {
		payload["error"] = errText
	}
	return e.emit(ctx, tx, plan, domain.AggregatePlan, plan.ID, eventType, payload)
}

// moveTask applies a task transition with its outbox row inside tx.
func (e *Engine) moveTask(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, t domain.TaskPlanTask, to domain.TaskStatus, eventType string, result []byte, errText string) error {
	if err := ensureTaskTransition(t.Status, to); err != nil {
		return err
	}
	if err := e.Repo.TransitionTask(ctx, tx, repo.TaskTransition{ID: t.ID, From: t.Status, To: to, Result: result, Error: errText, Now: e.now()}); err != nil {
		return err
	}
	payload := map[string]any{"task_id": t.TaskID, "from": t.Status, "to": to}
	if errText != "" {
		payload["error"] = errText
	}
	return e.emit(ctx, tx, plan, domain.AggregateTask, t.ID, eventType, payload)
}

// transitionPlan runs a single plan transition in its own transaction.
func (e *Engine) transitionPlan(ctx context.Context, plan domain.TaskPlan, to domain.PlanStatus, eventType, errText string) error {
	tx, err := e.begin(ctx, plan)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.movePlan(ctx, tx, plan, to, eventType, errText); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Logger.Info("plan transition", "plan_id", plan.ID, "from", plan.Status, "to", to)
	return nil
}

func ensurePlanTransition(from, to domain.PlanStatus) error {
	if to == domain.PlanCancelled && !from.IsTerminal() {
		return nil
	}
	switch from {
	case domain.PlanCreated:
		if to == domain.PlanPlanning {
			return nil
		}
	case domain.PlanPlanning:
		if to == domain.PlanAwaitingApproval || to == domain.PlanExecuting {
			return nil
		}
	case domain.PlanAwaitingApproval:
		if to == domain.PlanExecuting || to == domain.PlanFailed {
			return nil
		}
	case domain.PlanExecuting:
		if to == domain.PlanCompleted || to == domain.PlanFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: plan %s -> %s", ErrInvalidTransition, from, to)
}

func ensureTaskTransition(from, to domain.TaskStatus) error {
	if to == domain.TaskSkipped && !from.IsTerminal() {
		return nil
	}
	switch from {
	case domain.TaskPending, domain.TaskBlocked, domain.TaskReady:
		if to == domain.TaskRunning || to == domain.TaskAwaitingApproval {
			return nil
		}
	case domain.TaskAwaitingApproval:
		if to == domain.TaskApproved || to == domain.TaskRejected || to == domain.TaskFailed {
			return nil
		}
	case domain.TaskApproved:
		if to == domain.TaskRunning {
			return nil
		}
	case domain.TaskRunning:
		if to == domain.TaskCompleted || to == domain.TaskFailed {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}

func (e *Engine) track(taskRowID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[taskRowID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(taskRowID string) {
	e.mu.Lock()
	delete(e.inflight, taskRowID)
	e.mu.Unlock()
}

// signal cancels the executor context of an in-flight task, if this process runs it.
func (e *Engine) signal(taskRowID string) {
	e.mu.Lock()
	cancel, ok := e.inflight[taskRowID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}
