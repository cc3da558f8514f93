package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/logger"
	_ "modernc.org/sqlite"
)

// SQLite shares state between proxies on the same host through one file.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
	now    func() time.Time
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open shared state DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("shared state DB ping failed: %w", err)
	}

	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	if err := runMigrations("sqlite", driver); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("Shared state opened", "driver", "sqlite", "path", path)
	return &SQLite{db: sqlDB, now: time.Now}, nil
}

func (s *SQLite) Load(ctx context.Context) (st State, err error) {
	defer func() { observe("load", err) }()
	if s.closed.Load() {
		return State{}, consts.ErrStoreClosed
	}

	var updated int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT global, updated_at FROM maintenance_state WHERE id = 1`,
	).Scan(&st.Global, &updated); err != nil {
		return State{}, fmt.Errorf("failed to load global state: %w", err)
	}
	if updated > 0 {
		st.UpdatedAt = time.Unix(updated, 0)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM maintenance_backends ORDER BY name`)
	if err != nil {
		return State{}, fmt.Errorf("failed to load backends: %w", err)
	}
	defer rows.Close()

	st.Backends = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return State{}, fmt.Errorf("failed to scan backend: %w", err)
		}
		st.Backends = append(st.Backends, name)
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("failed to iterate backends: %w", err)
	}
	sort.Strings(st.Backends)
	return st, nil
}

func (s *SQLite) SetGlobal(ctx context.Context, enabled bool) (err error) {
	defer func() { observe("set_global", err) }()
	if s.closed.Load() {
		return consts.ErrStoreClosed
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE maintenance_state SET global = ?, updated_at = ? WHERE id = 1`,
		enabled, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store global state: %w", err)
	}
	return nil
}

func (s *SQLite) SetBackend(ctx context.Context, backend string, enabled bool) (err error) {
	defer func() { observe("set_backend", err) }()
	if s.closed.Load() {
		return consts.ErrStoreClosed
	}
	if backend == "" {
		return consts.ErrEmptyBackendName
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	if enabled {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO maintenance_backends (name, enabled_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
			backend, now)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM maintenance_backends WHERE name = ?`, backend)
	}
	if err != nil {
		return fmt.Errorf("failed to store backend state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE maintenance_state SET updated_at = ? WHERE id = 1`, now); err != nil {
		return fmt.Errorf("failed to bump state version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
