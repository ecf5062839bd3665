package dlq

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// Store defines the persistence contract for dead-letter records. Entries
// are created by the job store's fail transition, never pushed directly.
type Store interface {
	// ListDLQ returns entries ordered by FailedAt, newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves an entry by ID.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// MarkReplayed stamps ReplayedAt on an entry.
	MarkReplayed(ctx context.Context, entryID id.DLQID, at time.Time) error

	// PurgeDLQ removes entries with FailedAt before the given time.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// DeleteDLQByTenant removes every entry of a tenant.
	DeleteDLQByTenant(ctx context.Context, tenantID string) (int64, error)

	// CountDLQ returns the number of entries. Empty tenantID counts all.
	CountDLQ(ctx context.Context, tenantID string) (int64, error)
}
