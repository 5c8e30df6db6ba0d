// Package master implements the key/value configuration table backing a
// replica's extension schema version, runtime config (merge-equal-values,
// the pre-compaction db_version checkpoint), and the idempotent upgrade
// routine that runs on attach.
package master

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTableSQL creates the master key/value table if absent.
const CreateTableSQL = `CREATE TABLE IF NOT EXISTS crsql_master (key TEXT PRIMARY KEY, value ANY)`

// Well-known keys.
const (
	KeyVersion           = "crsqlite_version"
	KeyDBVersionCounter  = "db_version"
	KeyMergeEqualValues  = "config.merge-equal-values"
	KeyPreCompactDBVer   = "pre_compact_dbversion"
	CurrentSchemaVersion = "1"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ensure creates the master table.
func Ensure(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, CreateTableSQL); err != nil {
		return fmt.Errorf("master: create table: %w", err)
	}
	return nil
}

// GetString returns the value for key, or ("", false) if absent.
func GetString(ctx context.Context, q Querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM crsql_master WHERE key = ?`, key).Scan(&v)
	switch {
	case err == nil:
		return v, true, nil
	case err == sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("master: get %s: %w", key, err)
	}
}

// SetString upserts key=value.
func SetString(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO crsql_master(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, value)
	if err != nil {
		return fmt.Errorf("master: set %s: %w", key, err)
	}
	return nil
}

// GetInt64 returns the integer value for key, or (0, false) if absent.
func GetInt64(ctx context.Context, q Querier, key string) (int64, bool, error) {
	s, ok, err := GetString(ctx, q, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false, fmt.Errorf("master: %s not an integer: %q", key, s)
	}
	return v, true, nil
}

// SetInt64 upserts an integer value.
func SetInt64(ctx context.Context, q Querier, key string, value int64) error {
	return SetString(ctx, q, key, fmt.Sprintf("%d", value))
}

// GetBool returns the boolean value for key, defaulting to false if absent.
func GetBool(ctx context.Context, q Querier, key string) (bool, error) {
	s, ok, err := GetString(ctx, q, key)
	if err != nil || !ok {
		return false, err
	}
	return s == "1" || s == "true", nil
}

// Upgrade runs the idempotent attach-time migration: if
// crsqlite_version is absent, this is either a first-time attach (nothing
// to migrate) or an upgrade from a version that predates this table, so
// the __crsql_seq backfill runs against any pre-existing clock tables;
// either way the migration and the current version are written in one
// transaction.
func Upgrade(ctx context.Context, db *sql.DB) error {
	if err := Ensure(ctx, db); err != nil {
		return err
	}
	_, ok, err := GetString(ctx, db, KeyVersion)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("master: begin upgrade: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := addSeqColumns(ctx, tx); err != nil {
		return err
	}
	if err := SetString(ctx, tx, KeyVersion, CurrentSchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}
