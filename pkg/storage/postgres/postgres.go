// Package postgres is the production storage profile: pgx pool on top of a
// schema applied with golang-migrate from embedded migration files.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by the migrator

	"github.com/aetherhq/aether/pkg/events"
	"github.com/aetherhq/aether/pkg/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection and behavior settings for the Postgres store.
type Config struct {
	DSN      string
	PoolMin  int32
	PoolMax  int32
	Database string

	// SnapshotEvery and RefreshMVEvery trigger projections from the event
	// write path, every Nth persisted event per run.
	SnapshotEvery  int64
	RefreshMVEvery int64

	// ApprovalWait and ApprovalPoll bound WaitForApproval.
	ApprovalWait time.Duration
	ApprovalPoll time.Duration

	// TenantSlots is the number of advisory lock slots per tenant.
	TenantSlots int
}

// DefaultConfig returns production defaults for a DSN.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:            dsn,
		PoolMin:        1,
		PoolMax:        10,
		Database:       "aether",
		SnapshotEvery:  25,
		RefreshMVEvery: 50,
		ApprovalWait:   time.Hour,
		ApprovalPoll:   500 * time.Millisecond,
		TenantSlots:    2,
	}
}

// Store implements the full storage contract against Postgres.
type Store struct {
	cfg     Config
	pool    *pgxpool.Pool
	keyring *events.Keyring
}

var _ storage.Store = (*Store)(nil)
var _ storage.JobQueue = (*Store)(nil)
var _ storage.TenantLocker = (*Store)(nil)

// New opens the pool, applies pending migrations, and seeds the audit key
// mirror from the keyring.
func New(ctx context.Context, cfg Config, kr *events.Keyring) (*Store, error) {
	if kr == nil {
		kr = events.ParseKeyring("", "")
	}
	if err := applyMigrations(cfg); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.PoolMin > 0 {
		poolCfg.MinConns = cfg.PoolMin
	}
	if cfg.PoolMax > 0 {
		poolCfg.MaxConns = cfg.PoolMax
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{cfg: cfg, pool: pool, keyring: kr}
	if err := s.SeedAuditKeys(ctx, kr); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed audit keys: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// applyMigrations runs the embedded migration files through golang-migrate
// over a short-lived database/sql connection.
func applyMigrations(cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.DSN)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}
