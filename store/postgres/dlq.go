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
)

const dlqColumns = `
	id, job_id, tenant_id, kind, payload, error,
	attempts, max_attempts, priority, failed_at, replayed_at, created_at`

// insertDLQ writes a dead-letter row. It only runs inside FailJob's
// transaction.
func insertDLQ(ctx context.Context, q querier, e *dlq.Entry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO conduit_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID.String(), e.JobID.String(), e.TenantID, string(e.Kind),
		payloadOrEmpty(e.Payload), e.Error,
		e.Attempts, e.MaxAttempts, e.Priority,
		e.FailedAt, e.ReplayedAt, e.CreatedAt,
	)
	if err != nil {
		return wrapErr("insert dlq", err)
	}
	return nil
}

// ListDLQ returns entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT` + dlqColumns + ` FROM conduit_dlq WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}

	query += " ORDER BY failed_at DESC, id DESC"

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
		return nil, wrapErr("list dlq", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduit/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, wrapErr("iterate dlq rows", err)
	}
	return entries, nil
}

// GetDLQ retrieves an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+dlqColumns+` FROM conduit_dlq WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrDLQNotFound
		}
		return nil, wrapErr("get dlq", err)
	}
	return e, nil
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DLQID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conduit_dlq SET replayed_at = $2 WHERE id = $1`,
		entryID.String(), at,
	)
	if err != nil {
		return wrapErr("mark replayed", err)
	}
	if tag.RowsAffected() == 0 {
		return conduit.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conduit_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, wrapErr("purge dlq", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteDLQByTenant removes every entry of a tenant.
func (s *Store) DeleteDLQByTenant(ctx context.Context, tenantID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conduit_dlq WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, wrapErr("delete dlq by tenant", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_dlq`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapErr("count dlq", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e        dlq.Entry
		idStr    string
		jobIDStr string
		kindStr  string
	)
	err := row.Scan(
		&idStr, &jobIDStr, &e.TenantID, &kindStr, &e.Payload, &e.Error,
		&e.Attempts, &e.MaxAttempts, &e.Priority,
		&e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entryID, err := id.ParseDLQID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: parse dlq id %q: %w", idStr, err)
	}
	jobID, err := id.ParseJobID(jobIDStr)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: parse job id %q: %w", jobIDStr, err)
	}
	e.ID = entryID
	e.JobID = jobID
	e.Kind = job.Kind(kindStr)

	return &e, nil
}
