package approval

import (
	"context"
	"database/sql"
	"time"

	"plangate/internal/domain"
	"plangate/internal/outbox"
	"plangate/internal/repo"
)

// SkipTask moves an unfinished task to skipped and appends task_skipped.
func SkipTask(ctx context.Context, tx *sql.Tx, r repo.Repo, w outbox.Writer, plan domain.TaskPlan, t domain.TaskPlanTask, reason string, now time.Time) error {
	if err := r.TransitionTask(ctx, tx, repo.TaskTransition{ID: t.ID, From: t.Status, To: domain.TaskSkipped, Error: reason, Now: now}); err != nil {
		return err
	}
	_, err := w.Append(ctx, tx, outbox.Event{
		AggregateType: domain.AggregateTask,
		AggregateID:   t.ID,
		UserID:        plan.UserID,
		ProjectID:     plan.ProjectID,
		Type:          domain.EventTaskSkipped,
		Payload:       map[string]any{"plan_id": plan.ID, "task_id": t.TaskID, "from": t.Status, "reason": reason},
	})
	return err
}
