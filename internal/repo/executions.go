package repo

import (
	"context"
	"database/sql"
	"fmt"

	"plangate/internal/domain"
)

const executionColumns = `id,plan_id,task_row_id,session_id,approval_request_id,tool_name,tool_params,result,risk_level,requires_approval,status,error,error_type,execution_time_ms,created_at,approved_at,completed_at`

func scanExecution(row rowScanner) (domain.ToolExecution, error) {
	var e domain.ToolExecution
	var planID, taskRowID, sessionID, requestID, params, result, errText, errType, approvedAt, completedAt sql.NullString
	var createdAt string
	err := row.Scan(&e.ID, &planID, &taskRowID, &sessionID, &requestID, &e.ToolName, &params, &result, &e.RiskLevel,
		&e.RequiresApproval, &e.Status, &errText, &errType, &e.ExecutionTimeMs, &createdAt, &approvedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.PlanID = planID.String
	e.TaskRowID = taskRowID.String
	e.SessionID = sessionID.String
	e.ApprovalRequestID = requestID.String
	e.ToolParams = rawJSON(params)
	e.Result = rawJSON(result)
	e.Error = errText.String
	e.ErrorType = errType.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.ApprovedAt, err = timePtr(approvedAt); err != nil {
		return e, err
	}
	e.CompletedAt, err = timePtr(completedAt)
	return e, err
}

func (r Repo) InsertExecution(ctx context.Context, q Querier, e domain.ToolExecution) error {
	_, err := r.exec(ctx, q, `INSERT INTO tool_executions(`+executionColumns+`) VALUES (`+placeholders(17)+`)`,
		e.ID, nullable(e.PlanID), nullable(e.TaskRowID), nullable(e.SessionID), nullable(e.ApprovalRequestID), e.ToolName,
		nullableJSON(e.ToolParams), nullableJSON(e.Result), e.RiskLevel, e.RequiresApproval, e.Status,
		nullable(e.Error), nullable(e.ErrorType), e.ExecutionTimeMs, FormatTime(e.CreatedAt),
		nullableTime(e.ApprovedAt), nullableTime(e.CompletedAt))
	return err
}

func (r Repo) GetExecution(ctx context.Context, q Querier, id string) (domain.ToolExecution, error) {
	return scanExecution(r.queryRow(ctx, q, `SELECT `+executionColumns+` FROM tool_executions WHERE id=?`, id))
}

// OpenExecutionForTask returns the task's non-terminal execution, if any.
func (r Repo) OpenExecutionForTask(ctx context.Context, q Querier, taskRowID string) (domain.ToolExecution, error) {
	return scanExecution(r.queryRow(ctx, q, `SELECT `+executionColumns+` FROM tool_executions
WHERE task_row_id=? AND status IN ('pending','approved') ORDER BY created_at DESC, id DESC LIMIT 1`, taskRowID))
}

func (r Repo) ListExecutions(ctx context.Context, q Querier, planID string) ([]domain.ToolExecution, error) {
	rows, err := r.query(ctx, q, `SELECT `+executionColumns+` FROM tool_executions WHERE plan_id=? ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ToolExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FinishExecution writes the terminal fields of e if the row is still in from.
func (r Repo) FinishExecution(ctx context.Context, q Querier, e domain.ToolExecution, from domain.ExecutionStatus) error {
	err := r.execCAS(ctx, q, `UPDATE tool_executions SET status=?, result=?, error=?, error_type=?, execution_time_ms=?, completed_at=?
WHERE id=? AND status=?`,
		e.Status, nullableJSON(e.Result), nullable(e.Error), nullable(e.ErrorType), e.ExecutionTimeMs, nullableTime(e.CompletedAt),
		e.ID, from)
	if err != nil {
		return fmt.Errorf("execution %s %s->%s: %w", e.ID, from, e.Status, err)
	}
	return nil
}
