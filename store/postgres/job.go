package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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

// tenantLockClass is the first key of the two-key advisory lock taken per
// tenant while a capped claim counts its in-flight jobs.
const tenantLockClass int32 = 0x636f6e64

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conduit_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID.String(), j.TenantID, string(j.Kind), string(j.Status),
		j.Priority, j.Attempts, j.MaxAttempts,
		payloadOrEmpty(j.Payload), j.Error, j.ClaimedBy, j.LockedAt, j.CompletedAt,
		j.ScheduledFor, j.CreatedAt, j.UpdatedAt,
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
	return getJob(ctx, s.pool, jobID, "")
}

// ClaimJob claims the best eligible pending job. Without a tenant cap it
// is a single UPDATE over a SKIP LOCKED subselect. With a cap, the
// candidate's tenant is locked with pg_try_advisory_xact_lock and its
// processing jobs recounted before the claim; a tenant whose lock is held
// elsewhere, or which is already at its cap, is skipped for this call.
func (s *Store) ClaimJob(ctx context.Context, workerID string, maxPerTenant int, now time.Time) (*job.Job, error) {
	if maxPerTenant <= 0 {
		row := s.pool.QueryRow(ctx, `
			UPDATE conduit_jobs
			SET status = 'processing', claimed_by = $1, locked_at = $2, updated_at = $2
			WHERE id = (
				SELECT id FROM conduit_jobs
				WHERE status = 'pending' AND scheduled_for <= $2
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING`+jobColumns,
			workerID, now,
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("claim job: begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	skipped := make([]string, 0, 4)
	for {
		var jobID, tenantID string
		err = tx.QueryRow(ctx, `
			SELECT j.id, j.tenant_id FROM conduit_jobs j
			WHERE j.status = 'pending'
			  AND j.scheduled_for <= $1
			  AND NOT (j.tenant_id = ANY($2))
			  AND (
				SELECT COUNT(*) FROM conduit_jobs p
				WHERE p.tenant_id = j.tenant_id AND p.status = 'processing'
			  ) < $3
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED`,
			now, skipped, maxPerTenant,
		).Scan(&jobID, &tenantID)
		if err != nil {
			if isNoRows(err) {
				return nil, nil
			}
			return nil, wrapErr("claim job: select", err)
		}

		admitted, admitErr := admitTenant(ctx, tx, tenantID, maxPerTenant)
		if admitErr != nil {
			return nil, admitErr
		}
		if !admitted {
			skipped = append(skipped, tenantID)
			continue
		}

		row := tx.QueryRow(ctx, `
			UPDATE conduit_jobs
			SET status = 'processing', claimed_by = $2, locked_at = $3, updated_at = $3
			WHERE id = $1
			RETURNING`+jobColumns,
			jobID, workerID, now,
		)
		j, scanErr := scanJob(row)
		if scanErr != nil {
			return nil, wrapErr("claim job: update", scanErr)
		}
		if err = tx.Commit(ctx); err != nil {
			return nil, wrapErr("claim job: commit", err)
		}
		return j, nil
	}
}

// admitTenant takes the tenant's advisory lock and reports whether the
// tenant still has room once the lock is held.
func admitTenant(ctx context.Context, tx pgx.Tx, tenantID string, maxPerTenant int) (bool, error) {
	var locked bool
	err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1, hashtext($2))`,
		tenantLockClass, tenantID,
	).Scan(&locked)
	if err != nil {
		return false, wrapErr("claim job: tenant lock", err)
	}
	if !locked {
		return false, nil
	}

	var inFlight int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM conduit_jobs WHERE tenant_id = $1 AND status = 'processing'`,
		tenantID,
	).Scan(&inFlight)
	if err != nil {
		return false, wrapErr("claim job: count tenant", err)
	}
	return inFlight < maxPerTenant, nil
}

// CompleteJob moves a processing job claimed by workerID to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID string, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conduit_jobs
		SET status = 'completed', completed_at = $2, claimed_by = '', locked_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND claimed_by = $3
		RETURNING`+jobColumns,
		jobID.String(), now, workerID,
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, wrapErr("fail job: begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	j, err := getJob(ctx, tx, jobID, "FOR UPDATE")
	if err != nil {
		return nil, nil, err
	}
	if j.Status != job.StatusProcessing || j.ClaimedBy != p.WorkerID {
		return nil, nil, conduit.ErrInvalidState
	}

	entry := store.ApplyFailure(j, p)

	_, err = tx.Exec(ctx, `
		UPDATE conduit_jobs
		SET status = $2, attempts = $3, error = $4, claimed_by = '', locked_at = NULL,
		    scheduled_for = $5, updated_at = $6
		WHERE id = $1`,
		j.ID.String(), string(j.Status), j.Attempts, j.Error, j.ScheduledFor, j.UpdatedAt,
	)
	if err != nil {
		return nil, nil, wrapErr("fail job: update", err)
	}

	if entry != nil {
		if err = insertDLQ(ctx, tx, entry); err != nil {
			return nil, nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, wrapErr("fail job: commit", err)
	}
	return j, entry, nil
}

// RetryJob moves a failed job back to pending with attempts reset.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, scheduledFor, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', attempts = 0, error = '', claimed_by = '', locked_at = NULL,
		    completed_at = NULL, scheduled_for = $2, updated_at = $3
		WHERE id = $1 AND status = 'failed'
		RETURNING`+jobColumns,
		jobID.String(), scheduledFor, now,
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
	argIdx := 1

	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns per-status totals.
func (s *Store) CountJobs(ctx context.Context, tenantID string) (job.Counts, error) {
	query := `SELECT status, COUNT(*) FROM conduit_jobs`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	var c job.Counts
	rows, err := s.pool.Query(ctx, query, args...)
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
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conduit_jobs WHERE status = 'completed' AND completed_at < $1`,
		before,
	)
	if err != nil {
		return 0, wrapErr("delete completed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// RetryFailedJobs requeues every failed job of a tenant.
func (s *Store) RetryFailedJobs(ctx context.Context, tenantID string, scheduledFor, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', attempts = 0, error = '', claimed_by = '', locked_at = NULL,
		    completed_at = NULL, scheduled_for = $2, updated_at = $3
		WHERE tenant_id = $1 AND status = 'failed'`,
		tenantID, scheduledFor, now,
	)
	if err != nil {
		return 0, wrapErr("retry failed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFailedJobs removes every failed job of a tenant.
func (s *Store) DeleteFailedJobs(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conduit_jobs WHERE tenant_id = $1 AND status = 'failed'`,
		tenantID,
	)
	if err != nil {
		return 0, wrapErr("delete failed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStaleJobs releases processing jobs locked before the cutoff.
func (s *Store) RequeueStaleJobs(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET status = 'pending', claimed_by = '', locked_at = NULL, scheduled_for = $2, updated_at = $2
		WHERE status = 'processing' AND locked_at < $1`,
		lockedBefore, now,
	)
	if err != nil {
		return 0, wrapErr("requeue stale jobs", err)
	}
	return tag.RowsAffected(), nil
}

// getJob loads one job, appending lockClause (e.g. "FOR UPDATE") when set.
func getJob(ctx context.Context, q querier, jobID id.JobID, lockClause string) (*job.Job, error) {
	row := q.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM conduit_jobs WHERE id = $1 `+lockClause,
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

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		kindStr   string
		statusStr string
	)
	err := row.Scan(
		&idStr, &j.TenantID, &kindStr, &statusStr,
		&j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Payload, &j.Error, &j.ClaimedBy, &j.LockedAt, &j.CompletedAt,
		&j.ScheduledFor, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = job.Kind(kindStr)
	j.Status = job.Status(statusStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conduit/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate job rows", err)
	}
	return jobs, nil
}
