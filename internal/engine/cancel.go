package engine

import (
	"context"
	"errors"
	"fmt"

	"plangate/internal/approval"
	"plangate/internal/domain"
	"plangate/internal/repo"
)

// Cancel moves a non-terminal plan to cancelled, skips its unfinished tasks,
// expires open approval requests and signals in-flight executions. Results
// that arrive afterwards are discarded.
func (e *Engine) Cancel(ctx context.Context, planID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	var signalled []string
	err := e.withRetry(ctx, "cancel", func() error {
		signalled = nil
		plan, err := e.Repo.GetPlan(ctx, nil, planID)
		if err != nil {
			return err
		}
		if plan.Status.IsTerminal() {
			return fmt.Errorf("%w: plan %s is already %s", ErrInvalidTransition, plan.ID, plan.Status)
		}
		tasks, err := e.Repo.ListTasks(ctx, nil, planID)
		if err != nil {
			return err
		}
		requests, err := e.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{PlanID: planID, Status: domain.ApprovalPending})
		if err != nil {
			return err
		}
		execs := map[string]domain.ToolExecution{}
		for _, t := range tasks {
			if t.Status != domain.TaskRunning {
				continue
			}
			exec, err := e.Repo.OpenExecutionForTask(ctx, nil, t.ID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			execs[t.ID] = exec
		}

		tx, err := e.begin(ctx, plan)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.movePlan(ctx, tx, plan, domain.PlanCancelled, domain.EventPlanCancelled, reason); err != nil {
			return err
		}
		for _, req := range requests {
			if err := e.Gate.Expire(ctx, tx, plan, req, "plan cancelled"); err != nil && !errors.Is(err, approval.ErrAlreadyResolved) {
				return err
			}
		}
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			if err := e.moveTask(ctx, tx, plan, t, domain.TaskSkipped, domain.EventTaskSkipped, nil, "plan cancelled"); err != nil {
				return err
			}
			if exec, ok := execs[t.ID]; ok {
				if err := e.finishExecution(ctx, tx, plan, t, exec, Outcome{Error: "plan cancelled", ErrorType: "cancelled"}); err != nil {
					return err
				}
				signalled = append(signalled, t.ID)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	for _, id := range signalled {
		e.signal(id)
	}
	e.Logger.Info("plan cancelled", "plan_id", planID, "reason", reason, "signalled", len(signalled))
	return nil
}
