package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"plangate/internal/domain"
	"plangate/internal/graph"
)

var planValidate = validator.New()

// PlanInput describes a plan to create. It decodes from YAML or JSON.
type PlanInput struct {
	ID               string      `yaml:"id" json:"id,omitempty"`
	UserID           string      `yaml:"user_id" json:"user_id" validate:"required"`
	ProjectID        string      `yaml:"project_id" json:"project_id" validate:"required"`
	SessionID        string      `yaml:"session_id" json:"session_id,omitempty"`
	Request          string      `yaml:"request" json:"request" validate:"required"`
	RequiresApproval bool        `yaml:"requires_approval" json:"requires_approval,omitempty"`
	ApprovalReason   string      `yaml:"approval_reason" json:"approval_reason,omitempty"`
	Tasks            []TaskInput `yaml:"tasks" json:"tasks" validate:"dive"`
}

type TaskInput struct {
	TaskID              string         `yaml:"task_id" json:"task_id" validate:"required"`
	Description         string         `yaml:"description" json:"description" validate:"required"`
	Agent               string         `yaml:"agent" json:"agent" validate:"required"`
	ToolName            string         `yaml:"tool_name" json:"tool_name,omitempty"`
	ToolParams          map[string]any `yaml:"tool_params" json:"tool_params,omitempty"`
	Dependencies        []string       `yaml:"dependencies" json:"dependencies,omitempty"`
	EstimatedCost       float64        `yaml:"estimated_cost" json:"estimated_cost,omitempty" validate:"gte=0"`
	EstimatedDurationMs int64          `yaml:"estimated_duration_ms" json:"estimated_duration_ms,omitempty" validate:"gte=0"`
	RiskLevel           string         `yaml:"risk_level" json:"risk_level" validate:"required,oneof=LOW MEDIUM HIGH"`
}

// CreatePlan validates in and stores the plan with its tasks. Invalid input or
// a bad dependency graph is rejected with a *domain.ValidationError before
// anything is written.
func (e *Engine) CreatePlan(ctx context.Context, in PlanInput) (domain.TaskPlan, []domain.TaskPlanTask, error) {
	if len(in.Tasks) == 0 {
		return domain.TaskPlan{}, nil, domain.Invalid(domain.ErrEmptyPlan, "", "plan has no tasks")
	}
	for i := range in.Tasks {
		in.Tasks[i].RiskLevel = strings.ToUpper(strings.TrimSpace(in.Tasks[i].RiskLevel))
	}
	if err := planValidate.Struct(in); err != nil {
		return domain.TaskPlan{}, nil, validationError(err)
	}

	now := e.now()
	plan := domain.TaskPlan{
		ID:               in.ID,
		UserID:           in.UserID,
		ProjectID:        in.ProjectID,
		SessionID:        in.SessionID,
		Request:          in.Request,
		Status:           domain.PlanCreated,
		RequiresApproval: in.RequiresApproval,
		ApprovalReason:   in.ApprovalReason,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	tasks := make([]domain.TaskPlanTask, 0, len(in.Tasks))
	for _, ti := range in.Tasks {
		var params json.RawMessage
		if len(ti.ToolParams) > 0 {
			data, err := json.Marshal(ti.ToolParams)
			if err != nil {
				return domain.TaskPlan{}, nil, domain.Invalid(domain.ErrInvalidPlan, ti.TaskID, "tool_params: "+err.Error())
			}
			params = data
		}
		status := domain.TaskPending
		if len(ti.Dependencies) > 0 {
			status = domain.TaskBlocked
		}
		tasks = append(tasks, domain.TaskPlanTask{
			ID:                  uuid.NewString(),
			PlanID:              plan.ID,
			TaskID:              ti.TaskID,
			Description:         ti.Description,
			Agent:               ti.Agent,
			ToolName:            ti.ToolName,
			ToolParams:          params,
			Dependencies:        ti.Dependencies,
			EstimatedCost:       ti.EstimatedCost,
			EstimatedDurationMs: ti.EstimatedDurationMs,
			RiskLevel:           domain.RiskLevel(ti.RiskLevel),
			Status:              status,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		plan.EstimatedCost += ti.EstimatedCost
		plan.EstimatedDurationMs += ti.EstimatedDurationMs
	}
	if err := graph.Validate(tasks); err != nil {
		return domain.TaskPlan{}, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskPlan{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlan(ctx, tx, plan); err != nil {
		return domain.TaskPlan{}, nil, fmt.Errorf("insert plan: %w", err)
	}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.TaskPlan{}, nil, fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	if err := e.emit(ctx, tx, plan, domain.AggregatePlan, plan.ID, domain.EventPlanCreated, map[string]any{
		"task_count":            len(tasks),
		"estimated_cost":        plan.EstimatedCost,
		"estimated_duration_ms": plan.EstimatedDurationMs,
		"requires_approval":     plan.RequiresApproval,
	}); err != nil {
		return domain.TaskPlan{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskPlan{}, nil, err
	}
	e.Logger.Info("plan created", "plan_id", plan.ID, "tasks", len(tasks), "requires_approval", plan.RequiresApproval)
	return plan, tasks, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Invalid(domain.ErrInvalidPlan, "", err.Error())
	}
	var parts []string
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return domain.Invalid(domain.ErrInvalidPlan, "", strings.Join(parts, "; "))
}
