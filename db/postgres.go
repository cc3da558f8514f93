package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/logger"
)

var errInvalidDSN = errors.New("invalid postgres dsn")

// Postgres shares state between proxies on different hosts.
type Postgres struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// OpenPostgres connects to dsn and applies migrations while holding an
// advisory lock, so proxies starting together migrate one at a time.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn cannot be empty", errInvalidDSN)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse connection string: %v", errInvalidDSN, err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Shared state opened", "driver", "postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Postgres{pool: pool}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	// Session-level advisory locks belong to one connection.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection for migration lock: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", consts.SharedStateAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer releaseAdvisoryLock(conn)

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{MigrationsTable: "maintenance_schema_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}
	return runMigrations("postgres", driver)
}

func releaseAdvisoryLock(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", consts.SharedStateAdvisoryLockID); err != nil {
		logger.Warn("Failed to release migration lock", "error", err)
	}
}

func (p *Postgres) Load(ctx context.Context) (st State, err error) {
	defer func() { observe("load", err) }()
	if p.closed.Load() {
		return State{}, consts.ErrStoreClosed
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return State{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`SELECT global, updated_at FROM maintenance_state WHERE id = 1`,
	).Scan(&st.Global, &st.UpdatedAt); err != nil {
		return State{}, fmt.Errorf("failed to load global state: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT name FROM maintenance_backends ORDER BY name`)
	if err != nil {
		return State{}, fmt.Errorf("failed to load backends: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return State{}, fmt.Errorf("failed to scan backends: %w", err)
	}
	sort.Strings(names)
	st.Backends = names
	return st, nil
}

func (p *Postgres) SetGlobal(ctx context.Context, enabled bool) (err error) {
	defer func() { observe("set_global", err) }()
	if p.closed.Load() {
		return consts.ErrStoreClosed
	}
	if _, err = p.pool.Exec(ctx,
		`UPDATE maintenance_state SET global = $1, updated_at = now() WHERE id = 1`, enabled); err != nil {
		return fmt.Errorf("failed to store global state: %w", err)
	}
	return nil
}

func (p *Postgres) SetBackend(ctx context.Context, backend string, enabled bool) (err error) {
	defer func() { observe("set_backend", err) }()
	if p.closed.Load() {
		return consts.ErrStoreClosed
	}
	if backend == "" {
		return consts.ErrEmptyBackendName
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var execErr error
		if enabled {
			_, execErr = tx.Exec(ctx,
				`INSERT INTO maintenance_backends (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, backend)
		} else {
			_, execErr = tx.Exec(ctx, `DELETE FROM maintenance_backends WHERE name = $1`, backend)
		}
		if execErr != nil {
			return execErr
		}
		_, execErr = tx.Exec(ctx, `UPDATE maintenance_state SET updated_at = now() WHERE id = 1`)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to store backend state: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.pool.Close()
	}
	return nil
}
