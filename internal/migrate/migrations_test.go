package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plangate/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, dialect))
	require.NoError(t, Migrate(conn, dialect))

	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"task_plans", "task_plan_tasks", "tool_executions", "approval_requests", "approval_logs", "event_outbox"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrationsLoadForBothDialects(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.NotEmpty(t, ms)
		assert.Equal(t, 1, ms[0].Version)
	}
	_, err := loadMigrations("oracle")
	assert.Error(t, err)
}

func TestOpenRequestIsUniquePerSubject(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, dialect))

	ts := "2026-01-01T00:00:00.000000000Z"
	_, err = conn.Exec(`INSERT INTO task_plans(id,user_id,project_id,request,status,created_at,updated_at) VALUES ('p','u','pr','r','created',?,?)`, ts, ts)
	require.NoError(t, err)
	insert := `INSERT INTO approval_requests(id,plan_id,subject_kind,subject_id,type,status,created_at) VALUES (?, 'p','task','t1','task_execution',?,?)`
	_, err = conn.Exec(insert, "a1", "pending", ts)
	require.NoError(t, err)
	_, err = conn.Exec(insert, "a2", "pending", ts)
	assert.Error(t, err)
	_, err = conn.Exec(insert, "a3", "approved", ts)
	assert.NoError(t, err)
}
