// Package db opens the on-disk SQLite handle a replica runs against:
// directory creation, DSN assembly, and the single-connection pinning the
// extension state assumes.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/crsqlite-go/crsqlite/internal/config"
)

// Open creates the database file's parent directory if needed and returns
// a *sql.DB pinned to a single physical connection, since extension state
// and the process-global UDF registry are only safe under one connection.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("db: create dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.Chmod(cfg.DBPath, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = conn.Close()
			return nil, fmt.Errorf("db: chmod: %w", err)
		}
	}
	return conn, nil
}
