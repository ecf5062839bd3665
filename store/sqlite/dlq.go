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
)

const dlqColumns = `
	id, job_id, tenant_id, kind, payload, error,
	attempts, max_attempts, priority, failed_at, replayed_at, created_at`

func insertDLQ(ctx context.Context, q querier, e *dlq.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conduit_dlq (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.JobID.String(), e.TenantID, string(e.Kind),
		payloadText(e.Payload), e.Error,
		e.Attempts, e.MaxAttempts, e.Priority,
		micros(e.FailedAt), nullMicros(e.ReplayedAt), micros(e.CreatedAt),
	)
	if err != nil {
		return wrapErr("insert dlq", err)
	}
	return nil
}

// ListDLQ returns entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT` + dlqColumns + ` FROM conduit_dlq`
	args := []any{}

	if opts.TenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, opts.TenantID)
	}

	query += " ORDER BY failed_at DESC, id DESC"

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
		return nil, wrapErr("list dlq", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, wrapErr("scan dlq row", scanErr)
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
	row := s.db.QueryRowContext(ctx,
		`SELECT`+dlqColumns+` FROM conduit_dlq WHERE id = ?`,
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE conduit_dlq SET replayed_at = ? WHERE id = ?`,
		micros(at), entryID.String(),
	)
	if err != nil {
		return wrapErr("mark replayed", err)
	}
	n, err := rowsAffected(res, "mark replayed")
	if err != nil {
		return err
	}
	if n == 0 {
		return conduit.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conduit_dlq WHERE failed_at < ?`, micros(before))
	if err != nil {
		return 0, wrapErr("purge dlq", err)
	}
	return rowsAffected(res, "purge dlq")
}

// DeleteDLQByTenant removes every entry of a tenant.
func (s *Store) DeleteDLQByTenant(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conduit_dlq WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, wrapErr("delete dlq by tenant", err)
	}
	return rowsAffected(res, "delete dlq by tenant")
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_dlq`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapErr("count dlq", err)
	}
	return n, nil
}

func scanDLQ(row scanner) (*dlq.Entry, error) {
	var (
		e                        dlq.Entry
		idStr, jobIDStr, kindStr string
		payload                  []byte
		failedAt, createdAt      int64
		replayedAt               sql.NullInt64
	)
	err := row.Scan(
		&idStr, &jobIDStr, &e.TenantID, &kindStr, &payload, &e.Error,
		&e.Attempts, &e.MaxAttempts, &e.Priority,
		&failedAt, &replayedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	entryID, err := id.ParseDLQID(idStr)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse dlq id %q: %w", idStr, err)
	}
	jobID, err := id.ParseJobID(jobIDStr)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse job id %q: %w", jobIDStr, err)
	}

	e.ID = entryID
	e.JobID = jobID
	e.Kind = job.Kind(kindStr)
	e.Payload = payload
	e.FailedAt = fromMicros(failedAt)
	e.ReplayedAt = fromNullMicros(replayedAt)
	e.CreatedAt = fromMicros(createdAt)

	return &e, nil
}
