package jobs

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"backcheck/internal/check"
	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/tx"
)

// Schema creates the table used by PostgresQueue.
//
//go:embed schema.sql
var Schema string

const jobColumns = `id, check_id, component_kind, document_refs, priority, attempt, state,
	enqueued_at, not_before, claimed_by, claimed_at, last_error`

// PostgresQueue is the durable Queue. Claims use FOR UPDATE SKIP LOCKED so
// workers in several processes can share the table, and a partial unique
// index keeps one live job per Key.
//
// Ready only fires for jobs enqueued or returned by this process; workers
// still poll for everything else.
type PostgresQueue struct {
	db      *sql.DB
	now     func() time.Time
	metrics *metrics.Metrics
	wake    chan struct{}
}

type PostgresOption func(*PostgresQueue)

func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(q *PostgresQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithPostgresMetrics(m *metrics.Metrics) PostgresOption {
	return func(q *PostgresQueue) { q.metrics = m }
}

func NewPostgresQueue(db *sql.DB, opts ...PostgresOption) *PostgresQueue {
	q := &PostgresQueue{
		db:   db,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	job = job.clone()
	job.State = StateQueued
	job.EnqueuedAt = now
	job.ClaimedBy = ""
	job.ClaimedAt = time.Time{}
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}
	refs, err := encodeRefs(job.DocumentRefs)
	if err != nil {
		return Job{}, err
	}

	_, err = tx.Use(ctx, q.db).ExecContext(ctx, `
		INSERT INTO verification_jobs (id, check_id, component_kind, document_refs, priority,
			attempt, state, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.CheckID, string(job.Kind), refs, job.Priority,
		job.Attempt, string(job.State), job.EnqueuedAt, job.NotBefore,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.Key())
		}
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	q.metrics.IncJobEnqueued(string(job.Kind))
	q.signal()
	return job, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (Job, bool, error) {
	rows, err := tx.Use(ctx, q.db).QueryContext(ctx, `
		UPDATE verification_jobs SET state = 'CLAIMED', claimed_by = $2, claimed_at = $1
		WHERE id = (
			SELECT id FROM verification_jobs
			WHERE state IN ('QUEUED', 'REQUEUED') AND not_before <= $1
			ORDER BY priority DESC, enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, q.now(), workerID)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	defer rows.Close()

	claimed, err := scanJobs(rows)
	if err != nil {
		return Job{}, false, err
	}
	if len(claimed) == 0 {
		return Job{}, false, nil
	}
	return claimed[0], true, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	job, err := q.settle(ctx, jobID, `
		UPDATE verification_jobs SET state = 'SUCCEEDED', settled_at = $2
		WHERE id = $1 AND state = 'CLAIMED'
		RETURNING `+jobColumns, jobID, q.now())
	if err != nil {
		return err
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobSucceeded)
	return nil
}

func (q *PostgresQueue) Void(ctx context.Context, jobID, reason string) error {
	job, err := q.settle(ctx, jobID, `
		UPDATE verification_jobs SET state = 'VOIDED', last_error = $3, settled_at = $2
		WHERE id = $1 AND state = 'CLAIMED'
		RETURNING `+jobColumns, jobID, q.now(), reason)
	if err != nil {
		return err
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobVoided)
	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, jobID, reason string) error {
	job, err := q.settle(ctx, jobID, `
		UPDATE verification_jobs
		SET state = 'QUEUED', not_before = $2, last_error = $3, claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND state = 'CLAIMED'
		RETURNING `+jobColumns, jobID, q.now(), reason)
	if err != nil {
		return err
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobReleased)
	q.signal()
	return nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, jobID string, notBefore time.Time, reason string) (Job, error) {
	job, err := q.settle(ctx, jobID, `
		UPDATE verification_jobs
		SET state = 'REQUEUED', attempt = attempt + 1, not_before = $2, last_error = $3,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND state = 'CLAIMED'
		RETURNING `+jobColumns, jobID, notBefore, reason)
	if err != nil {
		return Job{}, err
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobRequeued)
	q.signal()
	return job, nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, jobID, reason string) (Job, error) {
	job, err := q.settle(ctx, jobID, `
		UPDATE verification_jobs SET state = 'DEAD_LETTERED', last_error = $3, settled_at = $2
		WHERE id = $1 AND state = 'CLAIMED'
		RETURNING `+jobColumns, jobID, q.now(), reason)
	if err != nil {
		return Job{}, err
	}
	q.metrics.IncJobOutcome(string(job.Kind), metrics.JobDeadLettered)
	return job, nil
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Use(ctx, q.db).QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM verification_jobs
		WHERE state = 'DEAD_LETTERED'
		ORDER BY settled_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select dead-lettered jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (q *PostgresQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := tx.Use(ctx, q.db).QueryRowContext(ctx,
		`SELECT count(*) FROM verification_jobs WHERE state IN ('QUEUED', 'REQUEUED')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	q.metrics.SetQueueDepth(n)
	return n, nil
}

func (q *PostgresQueue) Ready() <-chan struct{} {
	return q.wake
}

// ReleaseStale returns jobs claimed before cutoff to the queue without
// spending an attempt. Claims left behind by a crashed worker are recovered
// this way.
func (q *PostgresQueue) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := tx.Use(ctx, q.db).ExecContext(ctx, `
		UPDATE verification_jobs
		SET state = 'QUEUED', not_before = $2, claimed_by = NULL, claimed_at = NULL
		WHERE state = 'CLAIMED' AND claimed_at < $1`, cutoff, q.now())
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	if n > 0 {
		q.signal()
	}
	return int(n), nil
}

// settle runs a state change that only applies to a claimed job and returns
// the updated row.
func (q *PostgresQueue) settle(ctx context.Context, jobID, query string, args ...any) (Job, error) {
	rows, err := tx.Use(ctx, q.db).QueryContext(ctx, query, args...)
	if err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	defer rows.Close()

	updated, err := scanJobs(rows)
	if err != nil {
		return Job{}, err
	}
	if len(updated) == 0 {
		return Job{}, fmt.Errorf("settle %s: %w", jobID, ErrNotClaimed)
	}
	return updated[0], nil
}

func (q *PostgresQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	out := make([]Job, 0)
	for rows.Next() {
		var (
			job                  Job
			kind, state          string
			refs                 []byte
			claimedBy, lastError sql.NullString
			claimedAt            sql.NullTime
		)
		if err := rows.Scan(&job.ID, &job.CheckID, &kind, &refs, &job.Priority, &job.Attempt, &state,
			&job.EnqueuedAt, &job.NotBefore, &claimedBy, &claimedAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Kind = check.ComponentKind(kind)
		job.State = State(state)
		job.ClaimedBy = claimedBy.String
		job.LastError = lastError.String
		if claimedAt.Valid {
			job.ClaimedAt = claimedAt.Time
		}
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &job.DocumentRefs); err != nil {
				return nil, fmt.Errorf("decode document refs: %w", err)
			}
			if len(job.DocumentRefs) == 0 {
				job.DocumentRefs = nil
			}
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func encodeRefs(refs []string) ([]byte, error) {
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encode document refs: %w", err)
	}
	return b, nil
}
