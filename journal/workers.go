package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const workerCols = `account_id, venue_id, status, last_heartbeat_at, consecutive_failures, restart_count,
	next_restart_at, running_since, run_id, reason, updated_at`

func scanWorker(s scanner) (WorkerState, error) {
	var (
		w                     WorkerState
		hb, next, runningFrom sql.NullTime
	)
	err := s.Scan(&w.AccountID, &w.VenueID, &w.Status, &hb, &w.ConsecutiveFailures, &w.RestartCount,
		&next, &runningFrom, &w.RunID, &w.Reason, &w.UpdatedAt)
	w.LastHeartbeatAt = hb.Time
	w.NextRestartAt = next.Time
	w.RunningSince = runningFrom.Time
	return w, err
}

// SaveWorkerState upserts the worker row. Only the supervisor writes it.
func (j *SQLite) SaveWorkerState(ctx context.Context, w WorkerState) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO worker_state (`+workerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, venue_id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			consecutive_failures = excluded.consecutive_failures,
			restart_count = excluded.restart_count,
			next_restart_at = excluded.next_restart_at,
			running_since = excluded.running_since,
			run_id = excluded.run_id,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		w.AccountID, w.VenueID, w.Status, nullTime(w.LastHeartbeatAt), w.ConsecutiveFailures, w.RestartCount,
		nullTime(w.NextRestartAt), nullTime(w.RunningSince), w.RunID, w.Reason, w.UpdatedAt.UTC())
	return mapErr(err)
}

func (j *SQLite) GetWorkerState(ctx context.Context, accountID, venueID string) (WorkerState, error) {
	w, err := scanWorker(j.db.QueryRowContext(ctx, `
		SELECT `+workerCols+` FROM worker_state WHERE account_id = ? AND venue_id = ?`, accountID, venueID))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerState{}, fmt.Errorf("worker %s/%s: %w", accountID, venueID, ErrNotFound)
	}
	return w, err
}

func (j *SQLite) ListWorkerStates(ctx context.Context) ([]WorkerState, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+workerCols+` FROM worker_state ORDER BY account_id, venue_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerState
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (j *SQLite) RecordCrash(ctx context.Context, accountID, venueID string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO worker_crashes (account_id, venue_id, crashed_at) VALUES (?, ?, ?)`,
		accountID, venueID, at.UTC())
	return mapErr(err)
}

// CountCrashesSince counts crashes at or after since.
func (j *SQLite) CountCrashesSince(ctx context.Context, accountID, venueID string, since time.Time) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM worker_crashes WHERE account_id = ? AND venue_id = ? AND crashed_at >= ?`,
		accountID, venueID, since.UTC()).Scan(&n)
	return n, err
}

func (j *SQLite) ClearCrashes(ctx context.Context, accountID, venueID string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM worker_crashes WHERE account_id = ? AND venue_id = ?`, accountID, venueID)
	return mapErr(err)
}
