package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxWatchRetries bounds how often a transaction is retried after a
// concurrent write to the watched job key.
func WithMaxWatchRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client     goredis.UniversalClient
	logger     *slog.Logger
	maxRetries int
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), maxRetries: 16}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate loads the claim script into the server's script cache.
func (s *Store) Migrate(ctx context.Context) error {
	if err := claimScript.Load(ctx, s.client).Err(); err != nil {
		return fmt.Errorf("conduit/redis: load claim script: %w: %w", conduit.ErrMigrationFailed, err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("conduit/redis: ping: %w: %w", conduit.ErrStoreUnavailable, err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client.
func (s *Store) Close() error { return nil }
