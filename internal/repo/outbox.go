package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"plangate/internal/domain"
)

const outboxColumns = `id,event_id,aggregate_type,aggregate_id,user_id,project_id,event_type,payload,status,retry_count,next_retry_at,claimed_at,created_at,published_at,last_error`

func scanOutbox(row rowScanner) (domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	var userID, projectID, nextRetryAt, claimedAt, publishedAt, lastErr sql.NullString
	var payload, createdAt string
	err := row.Scan(&e.ID, &e.EventID, &e.AggregateType, &e.AggregateID, &userID, &projectID, &e.EventType, &payload,
		&e.Status, &e.RetryCount, &nextRetryAt, &claimedAt, &createdAt, &publishedAt, &lastErr)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.UserID = userID.String
	e.ProjectID = projectID.String
	e.Payload = []byte(payload)
	e.LastError = lastErr.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.NextRetryAt, err = timePtr(nextRetryAt); err != nil {
		return e, err
	}
	if e.ClaimedAt, err = timePtr(claimedAt); err != nil {
		return e, err
	}
	e.PublishedAt, err = timePtr(publishedAt)
	return e, err
}

func collectOutbox(rows *sql.Rows) ([]domain.OutboxEvent, error) {
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertOutbox stores a pending event and returns its sequence id.
func (r Repo) InsertOutbox(ctx context.Context, q Querier, e domain.OutboxEvent) (int64, error) {
	var id int64
	err := r.queryRow(ctx, q, `INSERT INTO event_outbox(event_id,aggregate_type,aggregate_id,user_id,project_id,event_type,payload,status,retry_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		e.EventID, e.AggregateType, e.AggregateID, nullable(e.UserID), nullable(e.ProjectID), e.EventType, string(e.Payload),
		domain.OutboxPending, 0, FormatTime(e.CreatedAt)).Scan(&id)
	return id, err
}

func (r Repo) GetOutbox(ctx context.Context, q Querier, id int64) (domain.OutboxEvent, error) {
	return scanOutbox(r.queryRow(ctx, q, `SELECT `+outboxColumns+` FROM event_outbox WHERE id=?`, id))
}

// SelectDueOutbox returns pending rows whose retry time has come, ordered by
// (aggregate_id, created_at, id). A row is held back while an earlier row of
// the same aggregate is publishing or waiting out a retry delay.
func (r Repo) SelectDueOutbox(ctx context.Context, q Querier, limit int, now time.Time) ([]domain.OutboxEvent, error) {
	ts := FormatTime(now)
	rows, err := r.query(ctx, q, `SELECT `+outboxColumns+` FROM event_outbox o
WHERE o.status='pending' AND (o.next_retry_at IS NULL OR o.next_retry_at<=?)
AND NOT EXISTS (
  SELECT 1 FROM event_outbox e
  WHERE e.aggregate_id=o.aggregate_id
    AND (e.created_at<o.created_at OR (e.created_at=o.created_at AND e.id<o.id))
    AND (e.status='publishing' OR (e.status='pending' AND e.next_retry_at IS NOT NULL AND e.next_retry_at>?))
)
ORDER BY o.aggregate_id, o.created_at, o.id
LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// ClaimOutbox moves a row pending->publishing. A row still waiting out its
// retry delay at now is not claimable.
func (r Repo) ClaimOutbox(ctx context.Context, q Querier, id int64, now time.Time) error {
	ts := FormatTime(now)
	return r.execCAS(ctx, q, `UPDATE event_outbox SET status='publishing', claimed_at=?
WHERE id=? AND status='pending' AND (next_retry_at IS NULL OR next_retry_at<=?)`, ts, id, ts)
}

func (r Repo) MarkOutboxPublished(ctx context.Context, q Querier, id int64, now time.Time) error {
	return r.execCAS(ctx, q, `UPDATE event_outbox SET status='published', published_at=?, next_retry_at=NULL, claimed_at=NULL, last_error=NULL
WHERE id=? AND status='publishing'`, FormatTime(now), id)
}

// MarkOutboxRetry returns a publishing row to pending with a new retry time.
func (r Repo) MarkOutboxRetry(ctx context.Context, q Querier, id int64, retryCount int, nextRetryAt time.Time, lastErr string) error {
	return r.execCAS(ctx, q, `UPDATE event_outbox SET status='pending', retry_count=?, next_retry_at=?, claimed_at=NULL, last_error=?
WHERE id=? AND status='publishing'`, retryCount, FormatTime(nextRetryAt), nullable(lastErr), id)
}

func (r Repo) MarkOutboxDead(ctx context.Context, q Querier, id int64, retryCount int, lastErr string) error {
	return r.execCAS(ctx, q, `UPDATE event_outbox SET status='dead', retry_count=?, next_retry_at=NULL, claimed_at=NULL, last_error=?
WHERE id=? AND status='publishing'`, retryCount, nullable(lastErr), id)
}

// ReclaimOutbox returns rows stuck in publishing since before cutoff to pending.
func (r Repo) ReclaimOutbox(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := r.exec(ctx, q, `UPDATE event_outbox SET status='pending', claimed_at=NULL WHERE status='publishing' AND claimed_at<=?`,
		FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueOutbox resets a dead row so the relay picks it up again.
func (r Repo) RequeueOutbox(ctx context.Context, q Querier, id int64) error {
	err := r.execCAS(ctx, q, `UPDATE event_outbox SET status='pending', retry_count=0, next_retry_at=NULL, claimed_at=NULL WHERE id=? AND status='dead'`, id)
	if err == ErrConflict {
		if _, gerr := r.GetOutbox(ctx, q, id); gerr == ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("outbox %d is not dead: %w", id, err)
	}
	return err
}

type OutboxFilters struct {
	Status      domain.OutboxStatus
	AggregateID string
	Limit       int
}

func (r Repo) ListOutbox(ctx context.Context, q Querier, f OutboxFilters) ([]domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM event_outbox WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	if f.AggregateID != "" {
		query += " AND aggregate_id=?"
		args = append(args, f.AggregateID)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// CountOutbox returns row counts per status.
func (r Repo) CountOutbox(ctx context.Context, q Querier) (map[domain.OutboxStatus]int, error) {
	rows, err := r.query(ctx, q, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.OutboxStatus]int{}
	for rows.Next() {
		var s domain.OutboxStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
