package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"plangate/internal/domain"
	"plangate/internal/engine"
	"plangate/internal/outbox"
	"plangate/internal/repo"
)

type planPath struct {
	PlanID string `path:"plan_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-plan",
		Method:      http.MethodPost,
		Path:        "/plans",
		Summary:     "Create a plan",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Advance bool `query:"advance"`
		Body    engine.PlanInput
	}) (*planViewBody, error) {
		plan, _, err := e.CreatePlan(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Advance {
			if err := e.Advance(ctx, plan.ID); err != nil {
				return nil, handleError(err)
			}
		}
		view, err := e.Plan(ctx, plan.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &planViewBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"created,planning,awaiting_approval,executing,completed,failed,cancelled"`
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body PlanListResponse `json:"body"`
	}, error) {
		f := repo.PlanFilters{ProjectID: input.ProjectID, Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			f.Statuses = []domain.PlanStatus{domain.PlanStatus(input.Status)}
		}
		items, err := e.ListPlans(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanListResponse `json:"body"`
		}{Body: PlanListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get a plan with its tasks, executions and approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*planViewBody, error) {
		view, err := e.Plan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &planViewBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/advance",
		Summary:     "Advance a plan as far as its state allows",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*planViewBody, error) {
		if err := e.Advance(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		view, err := e.Plan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &planViewBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/cancel",
		Summary:     "Cancel a plan",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID string             `path:"plan_id"`
		Body   *CancelPlanRequest `required:"false"`
	}) (*planViewBody, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		if err := e.Cancel(ctx, input.PlanID, reason); err != nil {
			return nil, handleError(err)
		}
		view, err := e.Plan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &planViewBody{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Force-fail work past its approval or execution deadline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepStats `json:"body"`
	}, error) {
		stats, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
	}, func(ctx context.Context, input *struct {
		PlanID string `query:"plan_id"`
		Status string `query:"status" enum:"pending,approved,rejected,expired"`
	}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{PlanID: input.PlanID, Status: domain.ApprovalStatus(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-logs",
		Method:      http.MethodGet,
		Path:        "/approvals/{request_id}/logs",
		Summary:     "Audit log of an approval request",
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body ApprovalLogsResponse `json:"body"`
	}, error) {
		logs, err := e.Gate.Logs(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalLogsResponse `json:"body"`
		}{Body: ApprovalLogsResponse{Items: emptyIfNil(logs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/resolve",
		Summary:     "Approve or reject a pending request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      ResolveApprovalRequest
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actor := input.Body.Actor
		if actor == "" {
			actor = actorFromContext(ctx)
		}
		req, err := e.ResolveApproval(ctx, input.RequestID, domain.ApprovalAction(input.Body.Action), input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerOutbox(api huma.API, e *engine.Engine, relay *outbox.Relay) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List outbox rows",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"pending,publishing,published,failed,dead"`
		AggregateID string `query:"aggregate_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutbox(ctx, nil, repo.OutboxFilters{
			Status: domain.OutboxStatus(input.Status), AggregateID: input.AggregateID, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountOutbox(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Items: emptyIfNil(items), Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/{id}/requeue",
		Summary:     "Return a dead-lettered row to pending",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.OutboxEvent `json:"body"`
	}, error) {
		var err error
		if relay != nil {
			err = relay.Requeue(ctx, input.ID)
		} else {
			err = e.Repo.RequeueOutbox(ctx, nil, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		row, err := e.Repo.GetOutbox(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutboxEvent `json:"body"`
		}{Body: row}, nil
	})
}
