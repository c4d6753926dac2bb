// Package queue implements engram's durable priority job queue on top of
// the shared SQLite connection. Claims are optimistic (id, status)
// transitions so a job can never be handed to two workers; retries use
// exponential backoff with jitter.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"

	"github.com/google/uuid"
)

// Queue is the durable job queue. It shares the store's writer connection
// so every transition rides the same WAL.
type Queue struct {
	db *sql.DB

	baseDelay  time.Duration
	maxDelay   time.Duration
	staleClaim time.Duration
	maxRetries func(kind string) int
}

// Options configures retry behavior.
type Options struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	StaleClaim time.Duration
	// MaxRetries returns the retry budget per job kind; nil means 3.
	MaxRetries func(kind string) int
}

// New creates the queue and its table.
func New(db *sql.DB, opts Options) (*Queue, error) {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 30 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Minute
	}
	if opts.StaleClaim <= 0 {
		opts.StaleClaim = 30 * time.Minute
	}
	if opts.MaxRetries == nil {
		opts.MaxRetries = func(string) int { return 3 }
	}

	q := &Queue{
		db:         db,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		staleClaim: opts.StaleClaim,
		maxRetries: opts.MaxRetries,
	}
	if err := q.initialize(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		session_path TEXT,
		node_id TEXT,
		priority INTEGER NOT NULL,
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at DATETIME,
		last_error TEXT,
		context TEXT,
		claimed_by TEXT,
		claimed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_order ON jobs(priority, queued_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_path, kind);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

// newJobID returns a fresh 16-hex job identifier.
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Enqueue inserts a pending job and returns its ID. Kind defaults drive
// priority and retry budget when the job leaves them zero.
func (q *Queue) Enqueue(job *types.Job) (string, error) {
	timer := logging.StartTimer(logging.CategoryQueue, "Enqueue")
	defer timer.Stop()

	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.Priority == 0 {
		job.Priority = types.PriorityForKind(job.Kind)
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.maxRetries(string(job.Kind))
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	job.Status = types.JobPending

	var ctxBlob interface{}
	if len(job.Context) > 0 {
		ctxBlob = string(job.Context)
	}

	_, err := q.db.Exec(`
		INSERT INTO jobs (id, kind, status, session_path, node_id, priority, queued_at, retry_count, max_retries, context)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, string(job.Kind), job.SessionPath, job.NodeID, job.Priority, job.QueuedAt, job.MaxRetries, ctxBlob)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	logging.Queue("Enqueued %s job %s (priority=%d, session=%s, node=%s)",
		job.Kind, job.ID, job.Priority, job.SessionPath, job.NodeID)
	return job.ID, nil
}

// EnqueueMany inserts a batch of jobs in one transaction.
func (q *Queue) EnqueueMany(jobs []*types.Job) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryQueue, "EnqueueMany")
	defer timer.Stop()

	if len(jobs) == 0 {
		return nil, nil
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO jobs (id, kind, status, session_path, node_id, priority, queued_at, retry_count, max_retries, context)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, 0, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = newJobID()
		}
		if job.Priority == 0 {
			job.Priority = types.PriorityForKind(job.Kind)
		}
		if job.MaxRetries == 0 {
			job.MaxRetries = q.maxRetries(string(job.Kind))
		}
		if job.QueuedAt.IsZero() {
			job.QueuedAt = now
		}
		var ctxBlob interface{}
		if len(job.Context) > 0 {
			ctxBlob = string(job.Context)
		}
		if _, err := stmt.Exec(job.ID, string(job.Kind), job.SessionPath, job.NodeID,
			job.Priority, job.QueuedAt, job.MaxRetries, ctxBlob); err != nil {
			return nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
		ids = append(ids, job.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	logging.Queue("Enqueued %d jobs", len(ids))
	return ids, nil
}

// Claim atomically transitions the best eligible pending job to running
// for the given worker. Returns nil when nothing is claimable. Eligible
// means pending with no future next_retry_at; order is priority asc, then
// queued_at asc. Stale running jobs (claimed longer ago than the stale
// window, their worker presumed dead) are reclaimed first.
func (q *Queue) Claim(workerID string) (*types.Job, error) {
	timer := logging.StartTimer(logging.CategoryQueue, "Claim")
	defer timer.Stop()

	q.reclaimStale()

	// Bounded retry: losing the optimistic update race means another
	// worker progressed, so iterating is safe and terminates.
	now := time.Now().UTC()
	for attempt := 0; attempt < 50; attempt++ {
		var id string
		err := q.db.QueryRow(`
			SELECT id FROM jobs
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority ASC, queued_at ASC
			LIMIT 1`, now).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		// Optimistic transition on (id, status): losing the race just
		// means another worker got here first.
		res, err := q.db.Exec(`
			UPDATE jobs SET status = 'running', started_at = ?, claimed_by = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending'`, now, workerID, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}

		job, err := q.Get(id)
		if err != nil {
			return nil, err
		}
		logging.Queue("Worker %s claimed %s job %s", workerID, job.Kind, job.ID)
		return job, nil
	}
	return nil, nil
}

// reclaimStale returns running jobs without a live worker to pending.
func (q *Queue) reclaimStale() {
	cutoff := time.Now().UTC().Add(-q.staleClaim)
	res, err := q.db.Exec(`
		UPDATE jobs SET status = 'pending', claimed_by = NULL, claimed_at = NULL, started_at = NULL
		WHERE status = 'running' AND claimed_at < ?`, cutoff)
	if err != nil {
		logging.Get(logging.CategoryQueue).Warn("Stale claim reclaim failed: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Queue("Reclaimed %d stale running jobs", n)
	}
}

// Complete marks a running job done.
func (q *Queue) Complete(id string) error {
	res, err := q.db.Exec(`
		UPDATE jobs SET status = 'completed', finished_at = ?
		WHERE id = ? AND status = 'running'`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not running; cannot complete", id)
	}
	logging.Queue("Completed job %s", id)
	return nil
}

// storedErrorLimit bounds the persisted error text.
const storedErrorLimit = 4096

// Fail records a classified failure. When shouldRetry is true and the
// retry budget is not exhausted the job returns to pending with
// next_retry_at = now + delay; otherwise it transitions to failed
// (terminal).
func (q *Queue) Fail(id string, jobErr *types.JobError, shouldRetry bool, delay time.Duration) error {
	timer := logging.StartTimer(logging.CategoryQueue, "Fail")
	defer timer.Stop()

	var retryCount, maxRetries int
	err := q.db.QueryRow("SELECT retry_count, max_retries FROM jobs WHERE id = ? AND status = 'running'", id).
		Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s not running; cannot fail", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}

	errBlob := "{}"
	if jobErr != nil {
		if len(jobErr.Message) > storedErrorLimit {
			jobErr.Message = jobErr.Message[:storedErrorLimit]
		}
		if data, marshalErr := json.Marshal(jobErr); marshalErr == nil {
			errBlob = string(data)
		}
	}

	now := time.Now().UTC()
	if shouldRetry && retryCount < maxRetries {
		nextRetry := now.Add(delay)
		_, err = q.db.Exec(`
			UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
				next_retry_at = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL, started_at = NULL
			WHERE id = ? AND status = 'running'`, nextRetry, errBlob, id)
		if err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", id, err)
		}
		logging.Queue("Job %s failed (%s); retry %d/%d at %s",
			id, reasonOf(jobErr), retryCount+1, maxRetries, nextRetry.Format(time.RFC3339))
		return nil
	}

	_, err = q.db.Exec(`
		UPDATE jobs SET status = 'failed', finished_at = ?, last_error = ?
		WHERE id = ? AND status = 'running'`, now, errBlob, id)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	logging.Queue("Job %s failed terminally (%s) after %d retries", id, reasonOf(jobErr), retryCount)
	return nil
}

func reasonOf(jobErr *types.JobError) string {
	if jobErr == nil {
		return types.ReasonUnknown
	}
	return jobErr.Reason
}

// RetryDelayFor computes the backoff for the next retry of a job,
// including jitter, clamped to the configured ceiling.
func (q *Queue) RetryDelayFor(retryCount int) time.Duration {
	return JitteredDelay(retryCount, q.baseDelay, q.maxDelay)
}

// HasExistingJob reports whether a pending or running job for the given
// session and kind already exists; the watcher uses it to avoid flooding
// the queue on repeated ready events.
func (q *Queue) HasExistingJob(sessionPath string, kind types.JobKind) (bool, error) {
	var one int
	err := q.db.QueryRow(`
		SELECT 1 FROM jobs
		WHERE session_path = ? AND kind = ? AND status IN ('pending', 'running')
		LIMIT 1`, sessionPath, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns job counts by status and failed counts by error category.
func (q *Queue) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	rows, err := q.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if rows.Scan(&status, &count) == nil {
			stats[status] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	catRows, err := q.db.Query("SELECT last_error FROM jobs WHERE status = 'failed' AND last_error IS NOT NULL")
	if err != nil {
		return stats, nil
	}
	defer catRows.Close()
	for catRows.Next() {
		var blob string
		if catRows.Scan(&blob) != nil {
			continue
		}
		var jobErr types.JobError
		if json.Unmarshal([]byte(blob), &jobErr) == nil && jobErr.Category != "" {
			stats["failed_"+string(jobErr.Category)]++
		}
	}
	return stats, nil
}

// Get loads one job by ID.
func (q *Queue) Get(id string) (*types.Job, error) {
	row := q.db.QueryRow(`
		SELECT id, kind, status, COALESCE(session_path,''), COALESCE(node_id,''),
		       priority, queued_at, started_at, finished_at, retry_count, max_retries,
		       next_retry_at, last_error, context, COALESCE(claimed_by,'')
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListByStatus returns up to limit jobs with the given status, newest
// first.
func (q *Queue) ListByStatus(status types.JobStatus, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(`
		SELECT id, kind, status, COALESCE(session_path,''), COALESCE(node_id,''),
		       priority, queued_at, started_at, finished_at, retry_count, max_retries,
		       next_retry_at, last_error, context, COALESCE(claimed_by,'')
		FROM jobs WHERE status = ? ORDER BY queued_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			logging.Get(logging.CategoryQueue).Warn("Job row scan failed: %v", scanErr)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var kind, status string
	var startedAt, finishedAt, nextRetryAt sql.NullTime
	var lastError, context sql.NullString

	err := row.Scan(&job.ID, &kind, &status, &job.SessionPath, &job.NodeID,
		&job.Priority, &job.QueuedAt, &startedAt, &finishedAt, &job.RetryCount,
		&job.MaxRetries, &nextRetryAt, &lastError, &context, &job.ClaimedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, err
	}

	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if nextRetryAt.Valid {
		job.NextRetryAt = &nextRetryAt.Time
	}
	if lastError.Valid && lastError.String != "" {
		var jobErr types.JobError
		if json.Unmarshal([]byte(lastError.String), &jobErr) == nil {
			job.LastError = &jobErr
		}
	}
	if context.Valid && context.String != "" {
		job.Context = json.RawMessage(context.String)
	}
	return &job, nil
}
