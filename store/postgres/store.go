package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrationLock serializes Migrate across processes sharing a database.
const migrationLock int64 = 0x636f6e64756974

var _ store.Store = (*Store)(nil)

// Store keeps jobs and dead letters in PostgreSQL through a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a Store or, for New, its pool.
type Option func(*settings)

type settings struct {
	logger   *slog.Logger
	maxConns int32
}

// WithLogger sets the logger used for migration progress.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMaxConns caps the pool New creates. Every capped claim holds one
// connection for the length of its transaction, so the cap bounds how many
// workers of this process can claim at once. Ignored by NewFromPool.
func WithMaxConns(n int32) Option {
	return func(s *settings) { s.maxConns = n }
}

func apply(opts []Option) settings {
	s := settings{logger: slog.Default()}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// New opens a pool for connString. Connections are established lazily, so
// an unreachable server surfaces on the first query or Ping.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: parse dsn: %w", err)
	}
	set := apply(opts)
	if set.maxConns > 0 {
		cfg.MaxConns = set.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: open pool: %w: %w", conduit.ErrStoreUnavailable, err)
	}
	return &Store{pool: pool, logger: set.logger}, nil
}

// NewFromPool wraps a pool the caller owns.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	return &Store{pool: pool, logger: apply(opts).logger}
}

// Migrate applies the embedded schema files that conduit_schema_versions
// does not list yet. All of it runs in one transaction under an advisory
// lock, so concurrent starts apply each file once and a failed file leaves
// nothing behind.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return migrateErr("list files", err)
	}
	slices.Sort(files)

	var applied []string
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
			return migrateErr("lock", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS conduit_schema_versions (
				version    TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`); err != nil {
			return migrateErr("create version table", err)
		}

		rows, err := tx.Query(ctx, `SELECT version FROM conduit_schema_versions`)
		if err != nil {
			return migrateErr("read versions", err)
		}
		done, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return migrateErr("read versions", err)
		}

		for _, file := range files {
			version := path.Base(file)
			if slices.Contains(done, version) {
				continue
			}
			ddl, err := migrations.ReadFile(file)
			if err != nil {
				return migrateErr(version, err)
			}
			if _, err := tx.Exec(ctx, string(ddl)); err != nil {
				return migrateErr(version, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO conduit_schema_versions (version) VALUES ($1)`, version,
			); err != nil {
				return migrateErr(version, err)
			}
			applied = append(applied, version)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, v := range applied {
		s.logger.Info("schema migration applied", slog.String("version", v))
	}
	return nil
}

// Ping reports ErrStoreUnavailable when no connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("conduit/postgres: ping: %w: %w", conduit.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the pool, including one passed to NewFromPool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func migrateErr(step string, err error) error {
	return fmt.Errorf("conduit/postgres: migrate %s: %w: %w", step, conduit.ErrMigrationFailed, err)
}
