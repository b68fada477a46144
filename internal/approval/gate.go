// Package approval decides whether a risk level may run unattended and owns
// the approval request lifecycle.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plangate/internal/domain"
	"plangate/internal/metrics"
	"plangate/internal/outbox"
	"plangate/internal/policy"
	"plangate/internal/repo"
)

// ErrAlreadyResolved is returned when a request is no longer pending.
var ErrAlreadyResolved = errors.New("approval request already resolved")

type Decision string

const (
	AutoApprove     Decision = "auto_approve"
	RequireApproval Decision = "require_approval"
)

// Request types.
const (
	TypeTaskExecution = "task_execution"
	TypePlanExecution = "plan_execution"
)

// Evaluate maps a risk level to a decision under p.
func Evaluate(risk domain.RiskLevel, p policy.Policy) Decision {
	if p.ModeFor(risk) == policy.Auto {
		return AutoApprove
	}
	return RequireApproval
}

type Gate struct {
	Repo   repo.Repo
	Outbox outbox.Writer
	Policy policy.Source
	Logger *slog.Logger
	Now    func() time.Time
}

func (g Gate) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g Gate) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Evaluate uses the current policy from the gate's source.
func (g Gate) Evaluate(risk domain.RiskLevel) Decision {
	p := policy.Default()
	if g.Policy != nil {
		p = g.Policy.Current()
	}
	return Evaluate(risk, p)
}

// Subject is what an approval request gates: a task when Task is set,
// otherwise the plan itself.
type Subject struct {
	Plan   domain.TaskPlan
	Task   *domain.TaskPlanTask
	Reason string
}

func (s Subject) kind() domain.SubjectKind {
	if s.Task != nil {
		return domain.SubjectTask
	}
	return domain.SubjectPlan
}

func (s Subject) id() string {
	if s.Task != nil {
		return s.Task.ID
	}
	return s.Plan.ID
}

func (s Subject) aggregate() string {
	if s.Task != nil {
		return domain.AggregateTask
	}
	return domain.AggregatePlan
}

// Open moves the subject to awaiting_approval, creates the pending request and
// appends approval_requested, all inside tx.
func (g Gate) Open(ctx context.Context, tx *sql.Tx, s Subject) (domain.ApprovalRequest, error) {
	now := g.now()
	req := domain.ApprovalRequest{
		ID:          uuid.NewString(),
		PlanID:      s.Plan.ID,
		SubjectKind: s.kind(),
		SubjectID:   s.id(),
		Status:      domain.ApprovalPending,
		CreatedAt:   now,
	}
	payload := map[string]any{"plan_id": s.Plan.ID, "request_id": req.ID, "reason": s.Reason}
	if s.Task != nil {
		req.Type = TypeTaskExecution
		payload["task_id"] = s.Task.TaskID
		payload["risk_level"] = s.Task.RiskLevel
		payload["tool_name"] = s.Task.ToolName
		payload["description"] = s.Task.Description
	} else {
		req.Type = TypePlanExecution
		payload["request"] = s.Plan.Request
		payload["estimated_cost"] = s.Plan.EstimatedCost
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return req, err
	}
	req.Payload = data

	if s.Task != nil {
		err = g.Repo.TransitionTask(ctx, tx, repo.TaskTransition{ID: s.Task.ID, From: s.Task.Status, To: domain.TaskAwaitingApproval, Now: now})
	} else {
		err = g.Repo.UpdatePlanStatus(ctx, tx, s.Plan.ID, s.Plan.Status, domain.PlanAwaitingApproval, "", now)
	}
	if err != nil {
		return req, err
	}
	if err := g.Repo.InsertApprovalRequest(ctx, tx, req); err != nil {
		return req, fmt.Errorf("open approval for %s %s: %w", req.SubjectKind, req.SubjectID, err)
	}
	if _, err := g.Outbox.Append(ctx, tx, outbox.Event{
		AggregateType: s.aggregate(),
		AggregateID:   s.id(),
		UserID:        s.Plan.UserID,
		ProjectID:     s.Plan.ProjectID,
		Type:          domain.EventApprovalRequested,
		Payload:       req.Payload,
	}); err != nil {
		return req, err
	}
	metrics.ApprovalRequestsTotal.WithLabelValues("opened").Inc()
	return req, nil
}

// Resolve applies a human decision to a pending request. The request, its
// audit log row, the subject transition and the outbox row commit together.
// A rejected plan also skips every unfinished task. It returns
// ErrAlreadyResolved if the request is not pending and repo.ErrConflict if the
// plan changed underneath; callers retry the latter.
func (g Gate) Resolve(ctx context.Context, requestID string, action domain.ApprovalAction, reason, actor string) (domain.ApprovalRequest, error) {
	if action != domain.ActionApprove && action != domain.ActionReject {
		return domain.ApprovalRequest{}, fmt.Errorf("unsupported approval action %q", action)
	}
	if actor == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("approval actor required")
	}
	req, err := g.Repo.GetApprovalRequest(ctx, nil, requestID)
	if err != nil {
		return req, err
	}
	if req.Status != domain.ApprovalPending {
		return req, ErrAlreadyResolved
	}
	plan, err := g.Repo.GetPlan(ctx, nil, req.PlanID)
	if err != nil {
		return req, err
	}
	var subject *domain.TaskPlanTask
	var tasks []domain.TaskPlanTask
	if req.SubjectKind == domain.SubjectTask {
		t, err := g.Repo.GetTaskByID(ctx, nil, req.SubjectID)
		if err != nil {
			return req, err
		}
		subject = &t
	} else if action == domain.ActionReject {
		if tasks, err = g.Repo.ListTasks(ctx, nil, plan.ID); err != nil {
			return req, err
		}
	}

	now := g.now()
	status := domain.ApprovalApproved
	eventType := domain.EventApprovalGranted
	if action == domain.ActionReject {
		status = domain.ApprovalRejected
		eventType = domain.EventApprovalRejected
	}

	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	if err := g.Repo.ClaimPlanRevision(ctx, tx, plan.ID, plan.Version, now); err != nil {
		return req, err
	}
	if err := g.Repo.ResolveApprovalRequest(ctx, tx, req.ID, status, reason, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return req, ErrAlreadyResolved
		}
		return req, err
	}
	if err := g.Repo.InsertApprovalLog(ctx, tx, domain.ApprovalLog{RequestID: req.ID, Action: action, Reason: reason, Actor: actor, CreatedAt: now}); err != nil {
		return req, err
	}

	payload := map[string]any{"plan_id": plan.ID, "request_id": req.ID, "actor": actor, "reason": reason}
	aggregateType, aggregateID := domain.AggregatePlan, plan.ID
	if subject != nil {
		aggregateType, aggregateID = domain.AggregateTask, subject.ID
		payload["task_id"] = subject.TaskID
		to := domain.TaskApproved
		errText := ""
		if action == domain.ActionReject {
			to = domain.TaskRejected
			errText = rejectionError(reason)
		}
		if err := g.Repo.TransitionTask(ctx, tx, repo.TaskTransition{
			ID: subject.ID, From: domain.TaskAwaitingApproval, To: to, Error: errText, Now: now,
		}); err != nil {
			return req, err
		}
	} else {
		to := domain.PlanExecuting
		errText := ""
		if action == domain.ActionReject {
			to = domain.PlanFailed
			errText = rejectionError(reason)
		}
		if err := g.Repo.UpdatePlanStatus(ctx, tx, plan.ID, domain.PlanAwaitingApproval, to, errText, now); err != nil {
			return req, err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return req, err
	}
	if _, err := g.Outbox.Append(ctx, tx, outbox.Event{
		AggregateType: aggregateType, AggregateID: aggregateID,
		UserID: plan.UserID, ProjectID: plan.ProjectID,
		Type: eventType, Payload: json.RawMessage(data),
	}); err != nil {
		return req, err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if err := SkipTask(ctx, tx, g.Repo, g.Outbox, plan, t, "plan approval rejected", now); err != nil {
			return req, err
		}
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}

	metrics.ApprovalRequestsTotal.WithLabelValues(string(action)).Inc()
	g.logger().Info("approval resolved", "request_id", req.ID, "plan_id", plan.ID, "action", action, "actor", actor)
	req.Status = status
	req.Decision = reason
	req.ResolvedAt = &now
	return req, nil
}

// Expire closes a pending request without a human decision and writes an
// approval_expired row on the request itself. The caller owns the subject
// transition and its outbox row.
func (g Gate) Expire(ctx context.Context, tx *sql.Tx, plan domain.TaskPlan, req domain.ApprovalRequest, reason string) error {
	now := g.now()
	if err := g.Repo.ResolveApprovalRequest(ctx, tx, req.ID, domain.ApprovalExpired, reason, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ErrAlreadyResolved
		}
		return err
	}
	if err := g.Repo.InsertApprovalLog(ctx, tx, domain.ApprovalLog{
		RequestID: req.ID, Action: domain.ActionExpire, Reason: reason, Actor: "system", CreatedAt: now,
	}); err != nil {
		return err
	}
	if _, err := g.Outbox.Append(ctx, tx, outbox.Event{
		AggregateType: domain.AggregateApproval,
		AggregateID:   req.ID,
		UserID:        plan.UserID,
		ProjectID:     plan.ProjectID,
		Type:          domain.EventApprovalExpired,
		Payload: map[string]any{
			"plan_id": plan.ID, "request_id": req.ID, "subject_kind": req.SubjectKind,
			"subject_id": req.SubjectID, "reason": reason,
		},
	}); err != nil {
		return err
	}
	metrics.ApprovalRequestsTotal.WithLabelValues(string(domain.ActionExpire)).Inc()
	return nil
}

func (g Gate) Logs(ctx context.Context, requestID string) ([]domain.ApprovalLog, error) {
	return g.Repo.ListApprovalLogs(ctx, nil, requestID)
}

func rejectionError(reason string) string {
	if reason == "" {
		return domain.ErrApprovalDenied.Error()
	}
	return domain.ErrApprovalDenied.Error() + ": " + reason
}
