package supervisor

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/upstream"
)

// CredentialProvider returns a tenant's current credentials. Reconnects
// always go through the provider so a rotated token is picked up.
type CredentialProvider interface {
	Credentials(ctx context.Context, tenantID string) (upstream.Credentials, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, tenantID string) (upstream.Credentials, error)

// Credentials calls f.
func (f CredentialFunc) Credentials(ctx context.Context, tenantID string) (upstream.Credentials, error) {
	return f(ctx, tenantID)
}

// StaticCredentials is an in-memory provider, typically loaded from the
// tenants file at startup.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]upstream.Credentials
}

// NewStaticCredentials creates a provider seeded with creds.
func NewStaticCredentials(creds map[string]upstream.Credentials) *StaticCredentials {
	if creds == nil {
		creds = map[string]upstream.Credentials{}
	}
	return &StaticCredentials{creds: maps.Clone(creds)}
}

// Set stores or rotates a tenant's credentials.
func (p *StaticCredentials) Set(tenantID string, creds upstream.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[tenantID] = creds
}

// Delete forgets a tenant.
func (p *StaticCredentials) Delete(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.creds, tenantID)
}

// Credentials implements CredentialProvider.
func (p *StaticCredentials) Credentials(_ context.Context, tenantID string) (upstream.Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.creds[tenantID]
	if !ok || c.Empty() {
		return upstream.Credentials{}, fmt.Errorf("supervisor: tenant %q: %w", tenantID, conduit.ErrNoCredentials)
	}
	return c, nil
}
