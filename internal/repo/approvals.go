package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"plangate/internal/domain"
)

const requestColumns = `id,plan_id,subject_kind,subject_id,type,payload,status,decision,created_at,resolved_at`

func scanRequest(row rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var payload, decision, resolvedAt sql.NullString
	var createdAt string
	err := row.Scan(&a.ID, &a.PlanID, &a.SubjectKind, &a.SubjectID, &a.Type, &payload, &a.Status, &decision, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload = rawJSON(payload)
	a.Decision = decision.String
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	a.ResolvedAt, err = timePtr(resolvedAt)
	return a, err
}

func (r Repo) InsertApprovalRequest(ctx context.Context, q Querier, a domain.ApprovalRequest) error {
	_, err := r.exec(ctx, q, `INSERT INTO approval_requests(`+requestColumns+`) VALUES (`+placeholders(10)+`)`,
		a.ID, a.PlanID, a.SubjectKind, a.SubjectID, a.Type, nullableJSON(a.Payload), a.Status, nullable(a.Decision),
		FormatTime(a.CreatedAt), nullableTime(a.ResolvedAt))
	return err
}

func (r Repo) GetApprovalRequest(ctx context.Context, q Querier, id string) (domain.ApprovalRequest, error) {
	return scanRequest(r.queryRow(ctx, q, `SELECT `+requestColumns+` FROM approval_requests WHERE id=?`, id))
}

// OpenApprovalRequest returns the pending request for a subject.
func (r Repo) OpenApprovalRequest(ctx context.Context, q Querier, kind domain.SubjectKind, subjectID string) (domain.ApprovalRequest, error) {
	return scanRequest(r.queryRow(ctx, q, `SELECT `+requestColumns+` FROM approval_requests WHERE subject_kind=? AND subject_id=? AND status='pending'`,
		kind, subjectID))
}

type ApprovalFilters struct {
	PlanID string
	Status domain.ApprovalStatus
}

func (r Repo) ListApprovalRequests(ctx context.Context, q Querier, f ApprovalFilters) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE 1=1`
	var args []any
	if f.PlanID != "" {
		query += " AND plan_id=?"
		args = append(args, f.PlanID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at, id"
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApprovalRequest closes a pending request. ErrConflict means it was no longer pending.
func (r Repo) ResolveApprovalRequest(ctx context.Context, q Querier, id string, status domain.ApprovalStatus, decision string, now time.Time) error {
	err := r.execCAS(ctx, q, `UPDATE approval_requests SET status=?, decision=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, nullable(decision), FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("approval request %s: %w", id, err)
	}
	return nil
}

func (r Repo) InsertApprovalLog(ctx context.Context, q Querier, l domain.ApprovalLog) error {
	_, err := r.exec(ctx, q, `INSERT INTO approval_logs(request_id,action,reason,actor,created_at) VALUES (?,?,?,?,?)`,
		l.RequestID, l.Action, nullable(l.Reason), l.Actor, FormatTime(l.CreatedAt))
	return err
}

func (r Repo) ListApprovalLogs(ctx context.Context, q Querier, requestID string) ([]domain.ApprovalLog, error) {
	rows, err := r.query(ctx, q, `SELECT id,request_id,action,reason,actor,created_at FROM approval_logs WHERE request_id=? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalLog
	for rows.Next() {
		var l domain.ApprovalLog
		var reason sql.NullString
		var createdAt string
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Action, &reason, &l.Actor, &createdAt); err != nil {
			return nil, err
		}
		l.Reason = reason.String
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
