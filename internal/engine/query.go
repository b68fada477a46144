package engine

import (
	"context"

	"plangate/internal/domain"
	"plangate/internal/repo"
)

// PlanView is a plan with everything recorded against it.
type PlanView struct {
	Plan       domain.TaskPlan          `json:"plan"`
	Tasks      []domain.TaskPlanTask    `json:"tasks"`
	Executions []ExecutionView          `json:"executions"`
	Approvals  []domain.ApprovalRequest `json:"approvals"`
}

// ExecutionView adds the wall-clock duration of a finished execution.
type ExecutionView struct {
	domain.ToolExecution
	ExecutionDurationMs int64 `json:"execution_duration_ms"`
}

func newExecutionViews(in []domain.ToolExecution) []ExecutionView {
	out := make([]ExecutionView, 0, len(in))
	for _, ex := range in {
		out = append(out, ExecutionView{ToolExecution: ex, ExecutionDurationMs: ex.Duration().Milliseconds()})
	}
	return out
}

func (e *Engine) Plan(ctx context.Context, planID string) (PlanView, error) {
	var v PlanView
	var err error
	if v.Plan, err = e.Repo.GetPlan(ctx, nil, planID); err != nil {
		return v, err
	}
	if v.Tasks, err = e.Repo.ListTasks(ctx, nil, planID); err != nil {
		return v, err
	}
	execs, err := e.Repo.ListExecutions(ctx, nil, planID)
	if err != nil {
		return v, err
	}
	v.Executions = newExecutionViews(execs)
	if v.Approvals, err = e.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{PlanID: planID}); err != nil {
		return v, err
	}
	return v, nil
}

func (e *Engine) ListPlans(ctx context.Context, f repo.PlanFilters) ([]domain.TaskPlan, error) {
	return e.Repo.ListPlans(ctx, nil, f)
}

// ResolveApproval records a human decision and advances the plan it belongs to.
func (e *Engine) ResolveApproval(ctx context.Context, requestID string, action domain.ApprovalAction, reason, actor string) (domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	err := e.withRetry(ctx, "resolve", func() error {
		var err error
		req, err = e.Gate.Resolve(ctx, requestID, action, reason, actor)
		return err
	})
	if err != nil {
		return req, err
	}
	return req, e.Advance(ctx, req.PlanID)
}
