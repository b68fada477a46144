package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plangate/internal/db"
	"plangate/internal/domain"
	"plangate/internal/migrate"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return Repo{DB: conn, Dialect: dialect}
}

func seedPlan(t *testing.T, r Repo, id string) domain.TaskPlan {
	t.Helper()
	p := domain.TaskPlan{
		ID: id, UserID: "u1", ProjectID: "proj", Request: "do it",
		Status: domain.PlanCreated, Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.InsertPlan(context.Background(), nil, p))
	return p
}

func seedTask(t *testing.T, r Repo, planID, taskID string, deps ...string) domain.TaskPlanTask {
	t.Helper()
	task := domain.TaskPlanTask{
		ID: planID + "-" + taskID, PlanID: planID, TaskID: taskID, Description: taskID, Agent: "coder",
		ToolName: "shell", ToolParams: []byte(`{"cmd":"ls"}`), Dependencies: deps,
		RiskLevel: domain.RiskLow, Status: domain.TaskPending, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.InsertTask(context.Background(), nil, task))
	return task
}

func TestPlanAndTasksRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")
	seedTask(t, r, "p1", "task_2", "task_1")
	seedTask(t, r, "p1", "task_1")

	p, err := r.GetPlan(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCreated, p.Status)
	assert.True(t, p.CreatedAt.Equal(t0))
	assert.Nil(t, p.StartedAt)

	tasks, err := r.ListTasks(ctx, nil, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task_1", tasks[0].TaskID)
	assert.Empty(t, tasks[0].Dependencies)
	assert.Equal(t, []string{"task_1"}, tasks[1].Dependencies)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(tasks[1].ToolParams))

	_, err = r.GetPlan(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimPlanRevisionRejectsStaleVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")

	require.NoError(t, r.ClaimPlanRevision(ctx, nil, "p1", 1, t0))
	err := r.ClaimPlanRevision(ctx, nil, "p1", 1, t0)
	assert.ErrorIs(t, err, ErrConflict)

	p, err := r.GetPlan(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
}

func TestUpdatePlanStatusStampsTimes(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")

	require.NoError(t, r.UpdatePlanStatus(ctx, nil, "p1", domain.PlanCreated, domain.PlanExecuting, "", t0.Add(time.Second)))
	err := r.UpdatePlanStatus(ctx, nil, "p1", domain.PlanCreated, domain.PlanExecuting, "", t0)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, r.UpdatePlanStatus(ctx, nil, "p1", domain.PlanExecuting, domain.PlanFailed, "boom", t0.Add(2*time.Second)))

	p, err := r.GetPlan(ctx, nil, "p1")
	require.NoError(t, err)
	require.NotNil(t, p.StartedAt)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, "boom", p.Error)
	assert.True(t, p.StartedAt.Before(*p.CompletedAt))
}

func TestTransitionTaskIsCompareAndSet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")
	task := seedTask(t, r, "p1", "task_1")

	tr := TaskTransition{ID: task.ID, From: domain.TaskPending, To: domain.TaskRunning, Now: t0}
	require.NoError(t, r.TransitionTask(ctx, nil, tr))
	assert.ErrorIs(t, r.TransitionTask(ctx, nil, tr), ErrConflict)

	require.NoError(t, r.TransitionTask(ctx, nil, TaskTransition{
		ID: task.ID, From: domain.TaskRunning, To: domain.TaskCompleted, Result: []byte(`{"ok":true}`), Now: t0.Add(time.Minute),
	}))
	got, err := r.GetTask(ctx, nil, "p1", "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestListStaleTasks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")
	a := seedTask(t, r, "p1", "a")
	b := seedTask(t, r, "p1", "b")
	require.NoError(t, r.TransitionTask(ctx, nil, TaskTransition{ID: a.ID, From: domain.TaskPending, To: domain.TaskRunning, Now: t0}))
	require.NoError(t, r.TransitionTask(ctx, nil, TaskTransition{ID: b.ID, From: domain.TaskPending, To: domain.TaskRunning, Now: t0.Add(time.Hour)}))

	stale, err := r.ListStaleTasks(ctx, nil, domain.TaskRunning, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].TaskID)
}

func TestApprovalRequestResolveOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPlan(t, r, "p1")
	req := domain.ApprovalRequest{
		ID: "ar1", PlanID: "p1", SubjectKind: domain.SubjectTask, SubjectID: "p1-task_3",
		Type: "task_execution", Status: domain.ApprovalPending, CreatedAt: t0,
	}
	require.NoError(t, r.InsertApprovalRequest(ctx, nil, req))

	open, err := r.OpenApprovalRequest(ctx, nil, domain.SubjectTask, "p1-task_3")
	require.NoError(t, err)
	assert.Equal(t, "ar1", open.ID)

	require.NoError(t, r.ResolveApprovalRequest(ctx, nil, "ar1", domain.ApprovalApproved, "ok", t0))
	assert.ErrorIs(t, r.ResolveApprovalRequest(ctx, nil, "ar1", domain.ApprovalRejected, "no", t0), ErrConflict)

	_, err = r.OpenApprovalRequest(ctx, nil, domain.SubjectTask, "p1-task_3")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.InsertApprovalLog(ctx, nil, domain.ApprovalLog{RequestID: "ar1", Action: domain.ActionApprove, Actor: "alice", CreatedAt: t0}))
	logs, err := r.ListApprovalLogs(ctx, nil, "ar1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].Actor)
}

func insertEvent(t *testing.T, r Repo, eventID, aggregate string, at time.Time) int64 {
	t.Helper()
	id, err := r.InsertOutbox(context.Background(), nil, domain.OutboxEvent{
		EventID: eventID, AggregateType: domain.AggregateTask, AggregateID: aggregate,
		EventType: domain.EventTaskStarted, Payload: []byte(`{}`), CreatedAt: at,
	})
	require.NoError(t, err)
	return id
}

func eventIDs(events []domain.OutboxEvent) []string {
	var ids []string
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids
}

func TestSelectDueOutboxOrdersPerAggregate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertEvent(t, r, "b1", "agg-b", t0)
	insertEvent(t, r, "a2", "agg-a", t0.Add(time.Second))
	insertEvent(t, r, "a1", "agg-a", t0)

	due, err := r.SelectDueOutbox(ctx, nil, 10, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, eventIDs(due))
}

func TestSelectDueOutboxHoldsBackBehindRetry(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := insertEvent(t, r, "a1", "agg-a", t0)
	insertEvent(t, r, "a2", "agg-a", t0.Add(time.Second))
	insertEvent(t, r, "b1", "agg-b", t0)

	require.NoError(t, r.ClaimOutbox(ctx, nil, first, t0))
	due, err := r.SelectDueOutbox(ctx, nil, 10, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, eventIDs(due))

	require.NoError(t, r.MarkOutboxRetry(ctx, nil, first, 1, t0.Add(time.Minute), "bus down"))
	due, err = r.SelectDueOutbox(ctx, nil, 10, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, eventIDs(due))

	due, err = r.SelectDueOutbox(ctx, nil, 10, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, eventIDs(due))
}

func TestClaimOutboxWaitsForRetryTime(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := insertEvent(t, r, "e1", "agg", t0)

	require.NoError(t, r.ClaimOutbox(ctx, nil, id, t0))
	require.NoError(t, r.MarkOutboxRetry(ctx, nil, id, 1, t0.Add(time.Hour), "bus down"))

	assert.ErrorIs(t, r.ClaimOutbox(ctx, nil, id, t0), ErrConflict)
	e, err := r.GetOutbox(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, e.Status)
	assert.Nil(t, e.ClaimedAt)

	require.NoError(t, r.ClaimOutbox(ctx, nil, id, t0.Add(time.Hour)))
	e, err = r.GetOutbox(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPublishing, e.Status)
}

func TestOutboxLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := insertEvent(t, r, "e1", "agg", t0)

	require.NoError(t, r.ClaimOutbox(ctx, nil, id, t0))
	assert.ErrorIs(t, r.ClaimOutbox(ctx, nil, id, t0), ErrConflict)

	n, err := r.ReclaimOutbox(ctx, nil, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, r.ClaimOutbox(ctx, nil, id, t0))
	require.NoError(t, r.MarkOutboxDead(ctx, nil, id, 6, "gave up"))
	e, err := r.GetOutbox(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDead, e.Status)
	assert.Nil(t, e.NextRetryAt)
	assert.Equal(t, "gave up", e.LastError)

	require.NoError(t, r.RequeueOutbox(ctx, nil, id))
	assert.Error(t, r.RequeueOutbox(ctx, nil, id))
	assert.ErrorIs(t, r.RequeueOutbox(ctx, nil, 999), ErrNotFound)

	require.NoError(t, r.ClaimOutbox(ctx, nil, id, t0))
	require.NoError(t, r.MarkOutboxPublished(ctx, nil, id, t0))
	counts, err := r.CountOutbox(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.OutboxPublished])
}
