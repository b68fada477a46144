package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"plangate/internal/domain"
)

const planColumns = `id,user_id,project_id,session_id,request,status,estimated_cost,estimated_duration_ms,requires_approval,approval_reason,error,version,created_at,updated_at,started_at,completed_at`

func scanPlan(row rowScanner) (domain.TaskPlan, error) {
	var p domain.TaskPlan
	var sessionID, reason, errText, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.UserID, &p.ProjectID, &sessionID, &p.Request, &p.Status, &p.EstimatedCost, &p.EstimatedDurationMs,
		&p.RequiresApproval, &reason, &errText, &p.Version, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.SessionID = sessionID.String
	p.ApprovalReason = reason.String
	p.Error = errText.String
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	if p.StartedAt, err = timePtr(startedAt); err != nil {
		return p, err
	}
	p.CompletedAt, err = timePtr(completedAt)
	return p, err
}

func (r Repo) InsertPlan(ctx context.Context, q Querier, p domain.TaskPlan) error {
	_, err := r.exec(ctx, q, `INSERT INTO task_plans(`+planColumns+`) VALUES (`+placeholders(16)+`)`,
		p.ID, p.UserID, p.ProjectID, nullable(p.SessionID), p.Request, p.Status, p.EstimatedCost, p.EstimatedDurationMs,
		p.RequiresApproval, nullable(p.ApprovalReason), nullable(p.Error), p.Version,
		FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt), nullableTime(p.StartedAt), nullableTime(p.CompletedAt))
	return err
}

func (r Repo) GetPlan(ctx context.Context, q Querier, id string) (domain.TaskPlan, error) {
	return scanPlan(r.queryRow(ctx, q, `SELECT `+planColumns+` FROM task_plans WHERE id=?`, id))
}

type PlanFilters struct {
	Statuses  []domain.PlanStatus
	ProjectID string
	Limit     int
}

func (r Repo) ListPlans(ctx context.Context, q Querier, f PlanFilters) ([]domain.TaskPlan, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	query := `SELECT ` + planColumns + ` FROM task_plans`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClaimPlanRevision advances the plan revision from version to version+1.
// It is the first write of every transaction touching a plan's tasks, so two
// writers that read the same revision cannot both commit.
func (r Repo) ClaimPlanRevision(ctx context.Context, q Querier, id string, version int64, now time.Time) error {
	return r.execCAS(ctx, q, `UPDATE task_plans SET version=version+1, updated_at=? WHERE id=? AND version=?`,
		FormatTime(now), id, version)
}

// UpdatePlanStatus moves a plan from one status to another, stamping
// started_at on entering executing and completed_at on terminal states.
func (r Repo) UpdatePlanStatus(ctx context.Context, q Querier, id string, from, to domain.PlanStatus, errText string, now time.Time) error {
	ts := FormatTime(now)
	sets := []string{"status=?", "updated_at=?"}
	args := []any{to, ts}
	if errText != "" {
		sets = append(sets, "error=?")
		args = append(args, errText)
	}
	if to == domain.PlanExecuting {
		sets = append(sets, "started_at=COALESCE(started_at, ?)")
		args = append(args, ts)
	}
	if to.IsTerminal() {
		sets = append(sets, "completed_at=?")
		args = append(args, ts)
	}
	args = append(args, id, from)
	err := r.execCAS(ctx, q, fmt.Sprintf(`UPDATE task_plans SET %s WHERE id=? AND status=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return fmt.Errorf("plan %s %s->%s: %w", id, from, to, err)
	}
	return nil
}
