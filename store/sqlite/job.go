package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store"
)

const jobColumns = `
	id, tenant_id, kind, status, priority, attempts, max_attempts,
	payload, error, claimed_by, locked_at, completed_at,
	scheduled_for, created_at, updated_at`

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conduit_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.TenantID, string(j.Kind), string(j.Status),
		j.Priority, j.Attempts, j.MaxAttempts,
		payloadText(j.Payload), j.Error, j.ClaimedBy,
		nullMicros(j.LockedAt), nullMicros(j.CompletedAt),
		micros(j.ScheduledFor), micros(j.CreatedAt), micros(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conduit.ErrJobAlreadyExists
		}
		return wrapErr("insert job", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return getJob(ctx, s.db, jobID)
}

// ClaimJob claims the best eligible job with one UPDATE ... RETURNING whose
// subselect applies the tenant cap. The single pooled connection makes the
// statement atomic with respect to every other caller of this Store.
func (s *Store) ClaimJob(ctx context.Context, workerID string, maxPerTenant int, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE conduit_jobs
		SET status = 'processing', claimed_by = ?1, locked_at = ?2, updated_at = ?2
		WHERE id = (
			SELECT j.id FROM conduit_jobs j
			WHERE j.status = 'pending'
			  AND j.scheduled_for <= ?2
			  AND (?3 <= 0 OR (
				SELECT COUNT(*) FROM conduit_jobs p
				WHERE p.tenant_id = j.tenant_id AND p.status = 'processing'
			  ) < ?3)
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
		)
		RETURNING`+jobColumns,
		workerID, micros(now), maxPerTenant,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapErr("claim job", err)
	}
	return j, nil
}

// CompleteJob moves a processing job claimed by workerID to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID string, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE conduit_jobs
		SET status = 'completed', completed_at = ?2, claimed_by = '', locked_at = NULL, updated_at = ?2
		WHERE id = ?1 AND status = 'processing' AND claimed_by = ?3
		RETURNING`+jobColumns,
		jobID.String(), micros(now), workerID,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, wrapErr("complete job", err)
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status != job.StatusCompleted {
		return nil, conduit.ErrInvalidState
	}
	return current, nil
}

// FailJob records a failed attempt and, on exhaustion, inserts the
// dead-letter row in the same transaction.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, p store.FailParams) (*job.Job, *dlq.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, wrapErr("fail job: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	j, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.Status != job.StatusProcessing || j.ClaimedBy != p.WorkerID {
		return nil, nil, conduit.ErrInvalidState
	}

	entry := store.ApplyFailure(j, p)

	res, err := tx.ExecContext(ctx, `
		UPDATE conduit_jobs
		SET status = ?, attempts = ?, error = ?, claimed_by = '', locked_at = NULL,
		    scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claimed_by = ?`,
		string(j.Status), j.Attempts, j.Error,
		micros(j.ScheduledFor), micros(j.UpdatedAt), j.ID.String(), p.WorkerID,
	)
	if err != nil {
		return nil, nil, wrapErr("fail job: update", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, wrapErr("fail job: update", err)
	} else if n == 0 {
		return nil, nil, conduit.ErrInvalidState
	}

	if entry != nil {
		if err = insertDLQ(ctx, tx, entry); err != nil {
			return nil, nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, wrapErr("fail job: commit", err)
	}
	return j, entry, nil
}

// RetryJob moves a failed job back to pending with attempts reset.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, scheduledFor, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', attempts = 0, error = '', claimed_by = '', locked_at = NULL,
		    completed_at = NULL, scheduled_for = ?2, updated_at = ?3
		WHERE id = ?1 AND status = 'failed'
		RETURNING`+jobColumns,
		jobID.String(), micros(scheduledFor), micros(now),
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, wrapErr("retry job", err)
	}

	if _, err = s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, conduit.ErrInvalidState
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM conduit_jobs WHERE 1=1`
	args := []any{}

	if opts.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, opts.TenantID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at ASC, id ASC"

	// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, wrapErr("scan job row", scanErr)
		}
		jobs = append(jobs, j)
	}
	if err = rows.Err(); err != nil {
		return nil, wrapErr("iterate job rows", err)
	}
	return jobs, nil
}

// CountJobs returns per-status totals.
func (s *Store) CountJobs(ctx context.Context, tenantID string) (job.Counts, error) {
	query := `SELECT status, COUNT(*) FROM conduit_jobs`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	var c job.Counts
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return c, wrapErr("count jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err = rows.Scan(&status, &n); err != nil {
			return c, wrapErr("count jobs: scan", err)
		}
		c.Add(job.Status(status), n)
	}
	if err = rows.Err(); err != nil {
		return c, wrapErr("count jobs: iterate", err)
	}
	return c, nil
}

// DeleteCompletedBefore purges completed jobs finished before the cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conduit_jobs WHERE status = 'completed' AND completed_at < ?`,
		micros(before),
	)
	if err != nil {
		return 0, wrapErr("delete completed jobs", err)
	}
	return rowsAffected(res, "delete completed jobs")
}

// RetryFailedJobs requeues every failed job of a tenant.
func (s *Store) RetryFailedJobs(ctx context.Context, tenantID string, scheduledFor, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', attempts = 0, error = '', claimed_by = '', locked_at = NULL,
		    completed_at = NULL, scheduled_for = ?, updated_at = ?
		WHERE tenant_id = ? AND status = 'failed'`,
		micros(scheduledFor), micros(now), tenantID,
	)
	if err != nil {
		return 0, wrapErr("retry failed jobs", err)
	}
	return rowsAffected(res, "retry failed jobs")
}

// DeleteFailedJobs removes every failed job of a tenant.
func (s *Store) DeleteFailedJobs(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conduit_jobs WHERE tenant_id = ? AND status = 'failed'`,
		tenantID,
	)
	if err != nil {
		return 0, wrapErr("delete failed jobs", err)
	}
	return rowsAffected(res, "delete failed jobs")
}

// RequeueStaleJobs releases processing jobs locked before the cutoff.
func (s *Store) RequeueStaleJobs(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', claimed_by = '', locked_at = NULL, scheduled_for = ?2, updated_at = ?2
		WHERE status = 'processing' AND locked_at < ?1`,
		micros(lockedBefore), micros(now),
	)
	if err != nil {
		return 0, wrapErr("requeue stale jobs", err)
	}
	return rowsAffected(res, "requeue stale jobs")
}

func getJob(ctx context.Context, q querier, jobID id.JobID) (*job.Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT`+jobColumns+` FROM conduit_jobs WHERE id = ?`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, wrapErr("get job", err)
	}
	return j, nil
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                         job.Job
		idStr, kindStr, statusStr string
		payload                   []byte
		lockedAt, completedAt     sql.NullInt64
		scheduledFor, created     int64
		upd                       int64
	)
	err := row.Scan(
		&idStr, &j.TenantID, &kindStr, &statusStr,
		&j.Priority, &j.Attempts, &j.MaxAttempts,
		&payload, &j.Error, &j.ClaimedBy, &lockedAt, &completedAt,
		&scheduledFor, &created, &upd,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse job id %q: %w", idStr, err)
	}

	j.ID = parsedID
	j.Kind = job.Kind(kindStr)
	j.Status = job.Status(statusStr)
	j.Payload = payload
	j.LockedAt = fromNullMicros(lockedAt)
	j.CompletedAt = fromNullMicros(completedAt)
	j.ScheduledFor = fromMicros(scheduledFor)
	j.CreatedAt = fromMicros(created)
	j.UpdatedAt = fromMicros(upd)

	return &j, nil
}
