package engine

import (
	"context"
	"errors"
	"time"

	"plangate/internal/approval"
	"plangate/internal/domain"
	"plangate/internal/metrics"
	"plangate/internal/repo"
)

const (
	errApprovalTimedOut  = "approval timed out"
	errExecutionTimedOut = "execution timed out"
)

type SweepStats struct {
	ApprovalsExpired     int `json:"approvals_expired"`
	PlanApprovalsExpired int `json:"plan_approvals_expired"`
	ExecutionsTimedOut   int `json:"executions_timed_out"`
}

// Sweep force-fails work that outlived its deadline: tasks and plans left
// awaiting approval past ApprovalTimeout and tasks running past
// ExecutionTimeout. Affected plans are advanced afterwards.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := e.now()
	touched := map[string]bool{}

	if e.Config.ApprovalTimeout > 0 {
		cutoff := now.Add(-e.Config.ApprovalTimeout)
		stale, err := e.Repo.ListStaleTasks(ctx, nil, domain.TaskAwaitingApproval, cutoff)
		if err != nil {
			return stats, err
		}
		for _, t := range stale {
			ok, err := e.expireTask(ctx, t.PlanID, t.ID)
			if err != nil {
				return stats, err
			}
			if ok {
				stats.ApprovalsExpired++
				touched[t.PlanID] = true
				metrics.SchedulerSweptTasks.WithLabelValues("approval_expired").Inc()
			}
		}
		reqs, err := e.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{Status: domain.ApprovalPending})
		if err != nil {
			return stats, err
		}
		for _, req := range reqs {
			if req.SubjectKind != domain.SubjectPlan || req.CreatedAt.After(cutoff) {
				continue
			}
			ok, err := e.expirePlanApproval(ctx, req)
			if err != nil {
				return stats, err
			}
			if ok {
				stats.PlanApprovalsExpired++
			}
		}
	}

	if e.Config.ExecutionTimeout > 0 {
		stale, err := e.Repo.ListStaleTasks(ctx, nil, domain.TaskRunning, now.Add(-e.Config.ExecutionTimeout))
		if err != nil {
			return stats, err
		}
		for _, t := range stale {
			ok, err := e.timeoutTask(ctx, t.PlanID, t.ID)
			if err != nil {
				return stats, err
			}
			if ok {
				stats.ExecutionsTimedOut++
				touched[t.PlanID] = true
				metrics.SchedulerSweptTasks.WithLabelValues("execution_timeout").Inc()
			}
		}
	}

	var errs []error
	for planID := range touched {
		if err := e.Advance(ctx, planID); err != nil {
			errs = append(errs, err)
		}
	}
	if stats != (SweepStats{}) {
		e.Logger.Info("sweep finished", "approvals_expired", stats.ApprovalsExpired,
			"plan_approvals_expired", stats.PlanApprovalsExpired, "executions_timed_out", stats.ExecutionsTimedOut)
	}
	return stats, errors.Join(errs...)
}

// expireTask fails a task whose approval deadline passed. It reports false if
// the task was resolved meanwhile.
func (e *Engine) expireTask(ctx context.Context, planID, taskRowID string) (bool, error) {
	done := false
	err := e.withRetry(ctx, "expire-task", func() error {
		done = false
		plan, err := e.Repo.GetPlan(ctx, nil, planID)
		if err != nil {
			return err
		}
		task, err := e.Repo.GetTaskByID(ctx, nil, taskRowID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskAwaitingApproval || plan.Status.IsTerminal() {
			return nil
		}
		req, err := e.Repo.OpenApprovalRequest(ctx, nil, domain.SubjectTask, task.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		tx, err := e.begin(ctx, plan)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if req.ID != "" {
			if err := e.Gate.Expire(ctx, tx, plan, req, errApprovalTimedOut); err != nil && !errors.Is(err, approval.ErrAlreadyResolved) {
				return err
			}
		}
		if err := e.moveTask(ctx, tx, plan, task, domain.TaskFailed, domain.EventApprovalExpired, nil, errApprovalTimedOut); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// expirePlanApproval fails a plan whose approval deadline passed and skips
// its unfinished tasks.
func (e *Engine) expirePlanApproval(ctx context.Context, req domain.ApprovalRequest) (bool, error) {
	done := false
	err := e.withRetry(ctx, "expire-plan", func() error {
		done = false
		plan, err := e.Repo.GetPlan(ctx, nil, req.PlanID)
		if err != nil {
			return err
		}
		if plan.Status != domain.PlanAwaitingApproval {
			return nil
		}
		tasks, err := e.Repo.ListTasks(ctx, nil, plan.ID)
		if err != nil {
			return err
		}

		tx, err := e.begin(ctx, plan)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Gate.Expire(ctx, tx, plan, req, errApprovalTimedOut); err != nil {
			if errors.Is(err, approval.ErrAlreadyResolved) {
				return nil
			}
			return err
		}
		if err := e.movePlan(ctx, tx, plan, domain.PlanFailed, domain.EventApprovalExpired, errApprovalTimedOut); err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if err := e.moveTask(ctx, tx, plan, t, domain.TaskSkipped, domain.EventTaskSkipped, nil, "plan approval expired"); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		done = true
		e.Logger.Info("plan approval expired", "plan_id", plan.ID, "request_id", req.ID)
		return nil
	})
	return done, err
}

// timeoutTask fails a task that has been running past ExecutionTimeout and
// signals its executor if this process owns it.
func (e *Engine) timeoutTask(ctx context.Context, planID, taskRowID string) (bool, error) {
	done := false
	err := e.withRetry(ctx, "timeout-task", func() error {
		done = false
		plan, err := e.Repo.GetPlan(ctx, nil, planID)
		if err != nil {
			return err
		}
		task, err := e.Repo.GetTaskByID(ctx, nil, taskRowID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskRunning || plan.Status.IsTerminal() {
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
		if err := e.moveTask(ctx, tx, plan, task, domain.TaskFailed, domain.EventTaskFailed, nil, errExecutionTimedOut); err != nil {
			return err
		}
		if exec.ID != "" {
			if err := e.finishExecution(ctx, tx, plan, task, exec, Outcome{Error: errExecutionTimedOut, ErrorType: "timeout"}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		done = true
		return nil
	})
	if done {
		e.signal(taskRowID)
	}
	return done, err
}

// AdvanceActive advances every plan that is not terminal or waiting on a
// plan-level approval. It recovers plans whose driver died mid-flight.
func (e *Engine) AdvanceActive(ctx context.Context) error {
	plans, err := e.Repo.ListPlans(ctx, nil, repo.PlanFilters{
		Statuses: []domain.PlanStatus{domain.PlanCreated, domain.PlanPlanning, domain.PlanExecuting},
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range plans {
		if err := e.Advance(ctx, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSweeper sweeps and advances active plans every SweepInterval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.Config.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.Logger.Error("sweep", "err", err)
		}
		if err := e.AdvanceActive(ctx); err != nil && ctx.Err() == nil {
			e.Logger.Error("advance active plans", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
