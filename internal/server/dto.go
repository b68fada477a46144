package server

import (
	"plangate/internal/domain"
	"plangate/internal/engine"
)

// Request payloads

type CancelPlanRequest struct {
	Reason string `json:"reason,omitempty" example:"operator abort"`
}

type ResolveApprovalRequest struct {
	Action string `json:"action" enum:"approve,reject"`
	Reason string `json:"reason,omitempty"`
	// Actor defaults to the X-Actor-Id header.
	Actor string `json:"actor,omitempty"`
}

// Response payloads

type PlanListResponse struct {
	Items []domain.TaskPlan `json:"items"`
}

type ApprovalListResponse struct {
	Items []domain.ApprovalRequest `json:"items"`
}

type ApprovalLogsResponse struct {
	Items []domain.ApprovalLog `json:"items"`
}

type OutboxListResponse struct {
	Items  []domain.OutboxEvent         `json:"items"`
	Counts map[domain.OutboxStatus]int `json:"counts"`
}

type planViewBody struct {
	Body engine.PlanView `json:"body"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
