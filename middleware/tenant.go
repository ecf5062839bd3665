package middleware

import (
	"context"

	"github.com/xraph/conduit/job"
)

type tenantKey struct{}

// Tenant returns middleware that stores the job's tenant in the context so
// collaborator clients can forward it.
func Tenant() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return next(WithTenant(ctx, j.TenantID))
	}
}

// WithTenant returns a copy of ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant stored by [Tenant], if any.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}
