// Package history is a supplementary, optional audit log of terminal task
// outcomes, generalized from the teacher's control_plane/store/postgres.go
// Job table (SPEC_FULL.md §3). It never replaces the spec-mandated JSON-file
// persistence of slaves/human-requests (§6.4); when DATABASE_URL is unset,
// Recorder is a no-op so the rest of the core never has to branch on it.
package history

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder writes terminal task outcomes to a durable audit table, one row
// per task id; recording a task again replaces its earlier row.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder connects to connString and ensures the task_history table
// exists. A nil *Recorder (returned alongside a nil error when connString
// is empty) is safe to call every method on — each is a no-op.
func NewRecorder(ctx context.Context, connString string) (*Recorder, error) {
	if connString == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS task_history (
			task_id     TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			executor_id TEXT,
			attempts    INT NOT NULL,
			error       TEXT,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &Recorder{pool: pool}, nil
}

// RecordCompleted writes (inserts or replaces) a Completed task's audit row.
func (r *Recorder) RecordCompleted(ctx context.Context, taskID, kind, executorID string, attempts int) {
	r.record(ctx, taskID, kind, "completed", executorID, attempts, "")
}

// RecordFailed writes (inserts or replaces) a terminally Failed task's audit
// row.
func (r *Recorder) RecordFailed(ctx context.Context, taskID, kind, executorID string, attempts int, errMsg string) {
	r.record(ctx, taskID, kind, "failed", executorID, attempts, errMsg)
}

func (r *Recorder) record(ctx context.Context, taskID, kind, outcome, executorID string, attempts int, errMsg string) {
	if r == nil {
		return
	}
	const stmt = `
		INSERT INTO task_history (task_id, kind, outcome, executor_id, attempts, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			outcome = EXCLUDED.outcome, executor_id = EXCLUDED.executor_id,
			attempts = EXCLUDED.attempts, error = EXCLUDED.error, recorded_at = EXCLUDED.recorded_at`
	if _, err := r.pool.Exec(ctx, stmt, taskID, kind, outcome, executorID, attempts, nullable(errMsg), time.Now()); err != nil {
		log.Printf("[HISTORY] failed to record %s for task %s: %v", outcome, taskID, err)
	}
}

// Close releases the connection pool. Safe to call on a nil Recorder.
func (r *Recorder) Close() {
	if r != nil {
		r.pool.Close()
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
