package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"plangate/internal/domain"
	"plangate/internal/repo"
)

// Outcome is an executor's report for one task. A non-empty Error means failure.
type Outcome struct {
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Complete records a task's terminal result and advances the plan. A result
// for a task that is no longer running (cancelled, timed out, or already
// reported) is discarded.
func (e *Engine) Complete(ctx context.Context, planID, taskID string, out Outcome) error {
	recorded := false
	err := e.withRetry(ctx, "complete", func() error {
		recorded = false
		plan, err := e.Repo.GetPlan(ctx, nil, planID)
		if err != nil {
			return err
		}
		task, err := e.Repo.GetTask(ctx, nil, planID, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskRunning {
			e.Logger.Info("discarding late execution result", "plan_id", planID, "task_id", taskID, "status", task.Status)
			return nil
		}
		exec, err := e.Repo.OpenExecutionForTask(ctx, nil, task.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		tx, err := e.begin(ctx, plan)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		to, eventType := domain.TaskCompleted, domain.EventTaskCompleted
		if out.Error != "" {
			to, eventType = domain.TaskFailed, domain.EventTaskFailed
		}
		if err := e.moveTask(ctx, tx, plan, task, to, eventType, out.Result, out.Error); err != nil {
			return err
		}
		if exec.ID != "" {
			if err := e.finishExecution(ctx, tx, plan, task, exec, out); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil || !recorded {
		return err
	}
	return e.Advance(ctx, planID)
}

// finishExecution settles an open execution with its outbox row, inside tx.
func (e *Engine) finishExecution(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, task domain.TaskPlanTask, exec domain.ToolExecution, out Outcome) error {
	now := e.now()
	from := exec.Status
	exec.Status = domain.ExecutionCompleted
	eventType := domain.EventExecutionCompleted
	if out.Error != "" {
		exec.Status = domain.ExecutionFailed
		eventType = domain.EventExecutionFailed
		exec.Error = out.Error
		exec.ErrorType = out.ErrorType
		if exec.ErrorType == "" {
			exec.ErrorType = "execution_error"
		}
	}
	exec.Result = maskJSON(out.Result)
	exec.ExecutionTimeMs = out.DurationMs
	exec.CompletedAt = &now
	if err := e.Repo.FinishExecution(ctx, tx, exec, from); err != nil {
		return err
	}
	payload := map[string]any{"task_id": task.TaskID, "execution_id": exec.ID, "status": exec.Status, "execution_time_ms": exec.ExecutionTimeMs}
	if exec.Error != "" {
		payload["error"] = exec.Error
		payload["error_type"] = exec.ErrorType
	}
	if err := e.emit(ctx, tx, plan, domain.AggregateExecution, exec.ID, eventType, payload); err != nil {
		return err
	}
	observeExecution(exec.Status, exec.ExecutionTimeMs)
	return nil
}
