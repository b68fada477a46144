package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"plangate/internal/domain"
)

const taskColumns = `id,plan_id,task_id,description,agent,tool_name,tool_params,dependencies,estimated_cost,estimated_duration_ms,risk_level,status,result,error,created_at,updated_at,started_at,completed_at`

func scanTask(row rowScanner) (domain.TaskPlanTask, error) {
	var t domain.TaskPlanTask
	var toolName, toolParams, result, errText, startedAt, completedAt sql.NullString
	var deps, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.PlanID, &t.TaskID, &t.Description, &t.Agent, &toolName, &toolParams, &deps,
		&t.EstimatedCost, &t.EstimatedDurationMs, &t.RiskLevel, &t.Status, &result, &errText,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ToolName = toolName.String
	t.ToolParams = rawJSON(toolParams)
	t.Result = rawJSON(result)
	t.Error = errText.String
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return t, fmt.Errorf("task %s dependencies: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	if t.StartedAt, err = timePtr(startedAt); err != nil {
		return t, err
	}
	t.CompletedAt, err = timePtr(completedAt)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.TaskPlanTask) error {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, q, `INSERT INTO task_plan_tasks(`+taskColumns+`) VALUES (`+placeholders(18)+`)`,
		t.ID, t.PlanID, t.TaskID, t.Description, t.Agent, nullable(t.ToolName), nullableJSON(t.ToolParams), string(depsJSON),
		t.EstimatedCost, t.EstimatedDurationMs, t.RiskLevel, t.Status, nullableJSON(t.Result), nullable(t.Error),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt), nullableTime(t.StartedAt), nullableTime(t.CompletedAt))
	return err
}

// ListTasks returns a plan's tasks ordered by task_id.
func (r Repo) ListTasks(ctx context.Context, q Querier, planID string) ([]domain.TaskPlanTask, error) {
	rows, err := r.query(ctx, q, `SELECT `+taskColumns+` FROM task_plan_tasks WHERE plan_id=? ORDER BY task_id`, planID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.TaskPlanTask, error) {
	defer rows.Close()
	var res []domain.TaskPlanTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetTask looks a task up by its plan-local task_id.
func (r Repo) GetTask(ctx context.Context, q Querier, planID, taskID string) (domain.TaskPlanTask, error) {
	return scanTask(r.queryRow(ctx, q, `SELECT `+taskColumns+` FROM task_plan_tasks WHERE plan_id=? AND task_id=?`, planID, taskID))
}

func (r Repo) GetTaskByID(ctx context.Context, q Querier, id string) (domain.TaskPlanTask, error) {
	return scanTask(r.queryRow(ctx, q, `SELECT `+taskColumns+` FROM task_plan_tasks WHERE id=?`, id))
}

// TaskTransition is a compare-and-set on a task's status.
type TaskTransition struct {
	ID     string
	From   domain.TaskStatus
	To     domain.TaskStatus
	Result []byte
	Error  string
	Now    time.Time
}

// TransitionTask applies t only if the task is still in t.From.
func (r Repo) TransitionTask(ctx context.Context, q Querier, t TaskTransition) error {
	ts := FormatTime(t.Now)
	sets := []string{"status=?", "updated_at=?"}
	args := []any{t.To, ts}
	if len(t.Result) > 0 {
		sets = append(sets, "result=?")
		args = append(args, string(t.Result))
	}
	if t.Error != "" {
		sets = append(sets, "error=?")
		args = append(args, t.Error)
	}
	if t.To == domain.TaskRunning {
		sets = append(sets, "started_at=?")
		args = append(args, ts)
	}
	if t.To.IsTerminal() {
		sets = append(sets, "completed_at=?")
		args = append(args, ts)
	}
	args = append(args, t.ID, t.From)
	err := r.execCAS(ctx, q, fmt.Sprintf(`UPDATE task_plan_tasks SET %s WHERE id=? AND status=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return fmt.Errorf("task %s %s->%s: %w", t.ID, t.From, t.To, err)
	}
	return nil
}

// ListStaleTasks returns tasks that entered status at or before cutoff.
func (r Repo) ListStaleTasks(ctx context.Context, q Querier, status domain.TaskStatus, cutoff time.Time) ([]domain.TaskPlanTask, error) {
	rows, err := r.query(ctx, q, `SELECT `+taskColumns+` FROM task_plan_tasks WHERE status=? AND updated_at<=? ORDER BY updated_at, id`,
		status, FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}
