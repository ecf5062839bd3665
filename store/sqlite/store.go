package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens the database file at path (":memory:" for a private in-memory
// database) and applies the connection pragmas.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: open: %w", err)
	}

	s := NewFromDB(db, opts...)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("conduit/sqlite: %s: %w: %w", pragma, conduit.ErrStoreUnavailable, err)
		}
	}

	return s, nil
}

// NewFromDB wraps an open database. The pool is limited to one connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conduit_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return migrateErr("create migrations table", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return migrateErr("read migrations", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied int
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conduit_migrations WHERE filename = ?`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return migrateErr("check "+entry.Name(), err)
		}
		if applied > 0 {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return migrateErr("read "+entry.Name(), readErr)
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return migrateErr("begin "+entry.Name(), txErr)
		}
		if _, execErr := tx.ExecContext(ctx, string(data)); execErr != nil {
			_ = tx.Rollback()
			return migrateErr("execute "+entry.Name(), execErr)
		}
		if _, recErr := tx.ExecContext(ctx,
			`INSERT INTO conduit_migrations (filename) VALUES (?)`,
			entry.Name(),
		); recErr != nil {
			_ = tx.Rollback()
			return migrateErr("record "+entry.Name(), recErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return migrateErr("commit "+entry.Name(), commitErr)
		}

		s.logger.Info("applied migration", slog.String("file", entry.Name()))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("conduit/sqlite: ping: %w: %w", conduit.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrateErr(step string, err error) error {
	return fmt.Errorf("conduit/sqlite: migrate: %s: %w: %w", step, conduit.ErrMigrationFailed, err)
}
