package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plangate/internal/domain"
	"plangate/internal/metrics"
)

const recordTimeout = 30 * time.Second

// ErrExecutorPanic marks an execution whose executor panicked.
var ErrExecutorPanic = errors.New("executor panicked")

// ExecutionRequest is handed to the executor for one running task.
type ExecutionRequest struct {
	PlanID      string
	TaskID      string
	ExecutionID string
	SessionID   string
	Agent       string
	ToolName    string
	Params      json.RawMessage
	RiskLevel   domain.RiskLevel
}

type ExecutionResult struct {
	Result     json.RawMessage
	DurationMs int64
}

// Executor invokes tools. Any returned error or panic is a failed outcome.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return f(ctx, req)
}

type launch struct {
	plan domain.TaskPlan
	task domain.TaskPlanTask
	exec domain.ToolExecution
}

// launch hands committed dispatches to the executor without waiting for them.
// At most MaxParallel executor calls run at once across the engine; the
// execution deadline starts when a call gets its slot.
func (e *Engine) launch(ls []launch) {
	for _, l := range ls {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if e.stopping() || e.slots.Acquire(e.base, 1) != nil {
				e.record(l, Outcome{Error: "engine stopped before dispatch", ErrorType: "cancelled"})
				return
			}
			defer e.slots.Release(1)
			var (
				ctx    context.Context
				cancel context.CancelFunc
			)
			if e.Config.ExecutionTimeout > 0 {
				ctx, cancel = context.WithTimeout(e.base, e.Config.ExecutionTimeout)
			} else {
				ctx, cancel = context.WithCancel(e.base)
			}
			defer cancel()
			e.track(l.task.ID, cancel)
			defer e.untrack(l.task.ID)
			e.run(ctx, l)
		}()
	}
}

func (e *Engine) run(ctx context.Context, l launch) {
	req := ExecutionRequest{
		PlanID:      l.plan.ID,
		TaskID:      l.task.TaskID,
		ExecutionID: l.exec.ID,
		SessionID:   l.plan.SessionID,
		Agent:       l.task.Agent,
		ToolName:    l.exec.ToolName,
		Params:      l.task.ToolParams,
		RiskLevel:   l.task.RiskLevel,
	}
	started := time.Now()
	res, err := e.execute(ctx, req)
	out := Outcome{Result: res.Result, DurationMs: res.DurationMs}
	if out.DurationMs == 0 {
		out.DurationMs = time.Since(started).Milliseconds()
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorType = errorType(err)
	}
	e.record(l, out)
}

// record persists an outcome on a context that outlives Stop, so results that
// arrive during shutdown are still written. Stop waits for it.
func (e *Engine) record(l launch, out Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.base), recordTimeout)
	defer cancel()
	if err := e.Complete(ctx, l.plan.ID, l.task.TaskID, out); err != nil {
		e.Logger.Error("record execution outcome", "plan_id", l.plan.ID, "task_id", l.task.TaskID, "err", err)
	}
}

func (e *Engine) execute(ctx context.Context, req ExecutionRequest) (res ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	if e.Executor == nil {
		return res, errors.New("no executor configured")
	}
	return e.Executor.Execute(ctx, req)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrExecutorPanic):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "execution_error"
}

func observeExecution(status domain.ExecutionStatus, ms int64) {
	metrics.ExecutionDuration.WithLabelValues(string(status)).Observe(float64(ms) / 1000)
}
