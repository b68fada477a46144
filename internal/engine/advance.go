package engine

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"plangate/internal/approval"
	"plangate/internal/domain"
	"plangate/internal/graph"
	"plangate/internal/metrics"
	"plangate/internal/repo"
)

// Advance moves a plan forward as far as persisted state allows and returns
// once nothing more can happen without an external event (an executor result
// or an approval decision). Calling it when there is no work is a no-op.
func (e *Engine) Advance(ctx context.Context, planID string) error {
	return e.withRetry(ctx, "advance", func() error { return e.advance(ctx, planID) })
}

func (e *Engine) advance(ctx context.Context, planID string) error {
	for {
		plan, err := e.Repo.GetPlan(ctx, nil, planID)
		if err != nil {
			return err
		}
		if plan.Status.IsTerminal() || plan.Status == domain.PlanAwaitingApproval {
			return nil
		}
		tasks, err := e.Repo.ListTasks(ctx, nil, planID)
		if err != nil {
			return err
		}
		progressed, err := e.step(ctx, plan, tasks)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// step performs one committed unit of progress and reports whether it did anything.
func (e *Engine) step(ctx context.Context, plan domain.TaskPlan, tasks []domain.TaskPlanTask) (bool, error) {
	switch plan.Status {
	case domain.PlanCreated:
		return true, e.transitionPlan(ctx, plan, domain.PlanPlanning, domain.EventPlanPlanning, "")
	case domain.PlanPlanning:
		if plan.RequiresApproval {
			return true, e.openPlanApproval(ctx, plan)
		}
		return true, e.transitionPlan(ctx, plan, domain.PlanExecuting, domain.EventPlanExecuting, "")
	case domain.PlanExecuting:
		return e.schedule(ctx, plan, tasks)
	}
	return false, nil
}

func (e *Engine) openPlanApproval(ctx context.Context, plan domain.TaskPlan) error {
	tx, err := e.begin(ctx, plan)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	req, err := e.Gate.Open(ctx, tx, approval.Subject{Plan: plan, Reason: plan.ApprovalReason})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Logger.Info("plan awaiting approval", "plan_id", plan.ID, "request_id", req.ID)
	return nil
}

// schedule skips tasks cut off by a failure, gates and starts ready tasks,
// starts approved tasks, or settles the plan when every task is terminal.
func (e *Engine) schedule(ctx context.Context, plan domain.TaskPlan, tasks []domain.TaskPlanTask) (bool, error) {
	byID := make(map[string]domain.TaskPlanTask, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	skip := graph.Cascade(tasks)
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[id] = true
	}
	var ready []domain.TaskPlanTask
	for _, t := range graph.ReadyTasks(tasks) {
		if !skipSet[t.TaskID] {
			ready = append(ready, t)
		}
	}
	var approved []domain.TaskPlanTask
	for _, t := range tasks {
		if t.Status == domain.TaskApproved && !graph.Blocked(tasks, t) {
			approved = append(approved, t)
		}
	}
	if e.stopping() {
		// Nothing new starts after Stop; AdvanceActive resumes these on restart.
		ready = slices.DeleteFunc(ready, func(t domain.TaskPlanTask) bool {
			return e.Gate.Evaluate(t.RiskLevel) == approval.AutoApprove
		})
		approved = nil
	}
	if len(skip) == 0 && len(ready) == 0 && len(approved) == 0 {
		return e.finalize(ctx, plan, tasks)
	}

	grants := map[string]string{}
	if len(approved) > 0 {
		reqs, err := e.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{PlanID: plan.ID, Status: domain.ApprovalApproved})
		if err != nil {
			return false, err
		}
		for _, r := range reqs {
			grants[r.SubjectID] = r.ID
		}
	}

	tx, err := e.begin(ctx, plan)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, id := range skip {
		t := byID[id]
		if err := e.moveTask(ctx, tx, plan, t, domain.TaskSkipped, domain.EventTaskSkipped, nil, "upstream dependency did not complete"); err != nil {
			return false, err
		}
		metrics.SchedulerDispatchTotal.WithLabelValues("skipped").Inc()
	}
	var launches []launch
	for _, t := range ready {
		if e.Gate.Evaluate(t.RiskLevel) == approval.AutoApprove {
			l, err := e.start(ctx, tx, plan, t, "", false)
			if err != nil {
				return false, err
			}
			launches = append(launches, l)
			continue
		}
		if _, err := e.Gate.Open(ctx, tx, approval.Subject{Plan: plan, Task: &t, Reason: fmt.Sprintf("%s risk task", t.RiskLevel)}); err != nil {
			return false, err
		}
		metrics.SchedulerDispatchTotal.WithLabelValues("awaiting_approval").Inc()
	}
	for _, t := range approved {
		l, err := e.start(ctx, tx, plan, t, grants[t.ID], true)
		if err != nil {
			return false, err
		}
		launches = append(launches, l)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Logger.Debug("plan scheduled", "plan_id", plan.ID, "skipped", len(skip), "ready", len(ready), "approved", len(approved), "dispatched", len(launches))
	e.launch(launches)
	return true, nil
}

// start moves a task to running and records its execution, inside tx.
func (e *Engine) start(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, t domain.TaskPlanTask, requestID string, gated bool) (launch, error) {
	if err := e.moveTask(ctx, tx, plan, t, domain.TaskRunning, domain.EventTaskStarted, nil, ""); err != nil {
		return launch{}, err
	}
	now := e.now()
	tool := t.ToolName
	if tool == "" {
		tool = t.Agent
	}
	exec := domain.ToolExecution{
		ID:                uuid.NewString(),
		PlanID:            plan.ID,
		TaskRowID:         t.ID,
		SessionID:         plan.SessionID,
		ApprovalRequestID: requestID,
		ToolName:          tool,
		ToolParams:        maskJSON(t.ToolParams),
		RiskLevel:         t.RiskLevel,
		RequiresApproval:  gated,
		Status:            domain.ExecutionApproved,
		CreatedAt:         now,
		ApprovedAt:        &now,
	}
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return launch{}, err
	}
	if err := e.emit(ctx, tx, plan, domain.AggregateExecution, exec.ID, domain.EventExecutionStarted, map[string]any{
		"task_id": t.TaskID, "execution_id": exec.ID, "tool_name": exec.ToolName, "requires_approval": gated,
	}); err != nil {
		return launch{}, err
	}
	outcome := "auto_approved"
	if gated {
		outcome = "approved"
	}
	metrics.SchedulerDispatchTotal.WithLabelValues(outcome).Inc()
	t.Status = domain.TaskRunning
	return launch{plan: plan, task: t, exec: exec}, nil
}

// finalize settles the plan once every task is terminal. The first failed or
// rejected task, by task_id, supplies the plan error.
func (e *Engine) finalize(ctx context.Context, plan domain.TaskPlan, tasks []domain.TaskPlanTask) (bool, error) {
	var culprit *domain.TaskPlanTask
	for i := range tasks {
		t := tasks[i]
		if !t.Status.IsTerminal() {
			return false, nil
		}
		if culprit == nil && (t.Status == domain.TaskFailed || t.Status == domain.TaskRejected) {
			culprit = &tasks[i]
		}
	}
	if culprit == nil {
		return true, e.transitionPlan(ctx, plan, domain.PlanCompleted, domain.EventPlanCompleted, "")
	}
	msg := culprit.Error
	if msg == "" {
		msg = string(culprit.Status)
	}
	return true, e.transitionPlan(ctx, plan, domain.PlanFailed, domain.EventPlanFailed, fmt.Sprintf("task %s: %s", culprit.TaskID, msg))
}
