// Package db stores the maintenance state shared by several proxies.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/pkg/metrics"
	"github.com/migadu/maintenance/pkg/retry"
)

//go:embed migrations
var MigrationsFS embed.FS

// State is the shared part of the maintenance state. The fallback backend
// stays per proxy.
type State struct {
	Global    bool
	Backends  []string
	UpdatedAt time.Time
}

// Store persists the shared state.
type Store interface {
	Load(ctx context.Context) (State, error)
	SetGlobal(ctx context.Context, enabled bool) error
	SetBackend(ctx context.Context, backend string, enabled bool) error
	Close() error
}

// Open creates the store selected by cfg.Driver and applies migrations.
func Open(ctx context.Context, cfg config.SharedStateConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return openPostgresWithRetry(ctx, cfg.DSN, connectBackoff)
	default:
		return nil, fmt.Errorf("%w: %q", consts.ErrUnsupportedStore, cfg.Driver)
	}
}

// connectBackoff covers a database that comes up together with the proxies.
var connectBackoff = retry.BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      5,
}

func openPostgresWithRetry(ctx context.Context, dsn string, backoff retry.BackoffConfig) (*Postgres, error) {
	var store *Postgres
	attempt := 0
	err := retry.WithRetry(ctx, func() error {
		attempt++
		p, err := OpenPostgres(ctx, dsn)
		if errors.Is(err, errInvalidDSN) {
			return retry.Stop(err)
		}
		if err != nil {
			logger.Warn("Shared state connection failed", "attempt", attempt, "error", err)
			return err
		}
		store = p
		return nil
	}, backoff)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// runMigrations applies the embedded migrations for dialect to driver.
func runMigrations(dialect string, driver database.Driver) error {
	sub, err := fs.Sub(MigrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("Shared state schema ready", "dialect", dialect, "version", version, "dirty", dirty)
	}
	return nil
}

// migrationLogger routes golang-migrate output to our logger.
type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

func observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.SharedStateSyncs.WithLabelValues(operation, status).Inc()
}
