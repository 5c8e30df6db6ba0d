// Package state implements the per-connection extension state: site id,
// the (db_version, seq) counters, the sync bit that silences
// change-capture triggers while a merge is in progress, and a table-info
// cache invalidated on schema change.
//
// Callers are expected to serialize all calls against a single-threaded
// connection; this package keeps that assumption rather than adding a
// mutex, relying on the pool being pinned to one physical connection via
// SetMaxOpenConns(1) (see internal/db.Open).
package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/master"
	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/peers"
	"github.com/crsqlite-go/crsqlite/internal/siteid"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// State is the extension-state object: one instance per opened database.
type State struct {
	db *sql.DB

	siteID [16]byte

	dbVersionCounter int64 // last value persisted to crsql_master
	pendingDBVersion int64 // -1 = not yet computed for the open transaction
	seq              int64

	syncBit bool

	tableInfoCache       map[string]*model.TableInfo
	schemaVersionAtCache int64

	stmts map[string]*sql.Stmt

	rowsImpacted int64
}

// Open loads (or creates) the site id and the db_version baseline, and
// returns a ready-to-use extension state bound to db.
func Open(ctx context.Context, db *sql.DB) (*State, error) {
	id, err := siteid.LoadOrCreate(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("state: load site id: %w", err)
	}
	if err := master.Upgrade(ctx, db); err != nil {
		return nil, err
	}
	if err := peers.Ensure(ctx, db); err != nil {
		return nil, err
	}

	baseline, err := loadDBVersionBaseline(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("state: load db_version baseline: %w", err)
	}

	return &State{
		db:               db,
		siteID:           id,
		dbVersionCounter: baseline,
		pendingDBVersion: -1,
		tableInfoCache:   make(map[string]*model.TableInfo),
		stmts:            make(map[string]*sql.Stmt),
	}, nil
}

// loadDBVersionBaseline computes the max(db_version_in_master,
// max(__crsql_db_version) across every clock table) floor. It runs at
// attach time and again after every Tx.Commit, so clock rows a merge wrote
// with a peer's db_version are folded into the in-memory counter.
func loadDBVersionBaseline(ctx context.Context, db *sql.DB) (int64, error) {
	fromMaster, _, err := master.GetInt64(ctx, db, master.KeyDBVersionCounter)
	if err != nil {
		return 0, err
	}

	clockTables, err := listClockTables(ctx, db)
	if err != nil {
		return 0, err
	}
	maxClock := int64(0)
	for _, t := range clockTables {
		var v sql.NullInt64
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(__crsql_db_version) FROM %s`, tableinfo.QuoteIdent(t)))
		if err := row.Scan(&v); err != nil {
			return 0, fmt.Errorf("state: max db_version of %s: %w", t, err)
		}
		if v.Valid && v.Int64 > maxClock {
			maxClock = v.Int64
		}
	}

	if fromMaster > maxClock {
		return fromMaster, nil
	}
	return maxClock, nil
}

func listClockTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%__crsql_clock'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DB returns the underlying connection pool (expected to be pinned to a
// single connection via SetMaxOpenConns(1)).
func (s *State) DB() *sql.DB { return s.db }

// SiteID returns this replica's identity.
func (s *State) SiteID() [16]byte { return s.siteID }

// DBVersion returns the last committed db_version of this replica. Unlike
// NextDBVersion it never memoizes a pending value, so it is safe to call
// outside a transaction (crsql_dbversion() routes here).
func (s *State) DBVersion() int64 { return s.dbVersionCounter }

// NextDBVersion returns the db_version every write in the currently open
// transaction shares, computing and memoizing it on first use; the value
// stays fixed until the transaction commits or rolls back.
func (s *State) NextDBVersion() int64 {
	if s.pendingDBVersion < 0 {
		s.pendingDBVersion = s.dbVersionCounter + 1
	}
	return s.pendingDBVersion
}

// IncSeq returns the current seq and increments it.
func (s *State) IncSeq() int64 {
	v := s.seq
	s.seq++
	return v
}

// Seq returns the current seq without incrementing it.
func (s *State) Seq() int64 { return s.seq }

// SyncBit reports whether trigger-driven change capture is currently
// suppressed (a merge is in progress).
func (s *State) SyncBit() bool { return s.syncBit }

// SetSyncBit toggles the sync bit. Callers must always restore it to false
// once their critical section ends, including on error paths.
func (s *State) SetSyncBit(v bool) { s.syncBit = v }

// RowsImpacted returns the transaction-local counter backing
// crsql_rows_impacted(), reset to 0 on commit or rollback.
func (s *State) RowsImpacted() int64 { return s.rowsImpacted }

// IncRowsImpacted bumps the rows-impacted counter by delta.
func (s *State) IncRowsImpacted(delta int64) { s.rowsImpacted += delta }

// InvalidateTableInfoCache drops every cached table-info, forcing the next
// lookup to re-reflect. Called when the host reports a schema change.
func (s *State) InvalidateTableInfoCache() {
	s.tableInfoCache = make(map[string]*model.TableInfo)
}

// CachedStmt returns a prepared statement for query, preparing and caching
// it on first use. Cached statements live until Finalize; they must only be
// stepped outside an open Tx, since the pool is pinned to one physical
// connection and an open transaction holds it.
func (s *State) CachedStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("state: prepare %q: %w", query, err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// Finalize closes every cached prepared statement and drops the table-info
// cache; the state remains usable afterwards (statements re-prepare on
// demand). Backs crsql_finalize().
func (s *State) Finalize() error {
	var firstErr error
	for q, stmt := range s.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("state: finalize %q: %w", q, err)
		}
		delete(s.stmts, q)
	}
	s.InvalidateTableInfoCache()
	return firstErr
}

// TableInfo returns the cached reflection of tbl, refreshing the whole
// cache first if PRAGMA schema_version has advanced since it was built.
func (s *State) TableInfo(ctx context.Context, tbl string) (*model.TableInfo, error) {
	probe, err := s.CachedStmt(ctx, `PRAGMA schema_version`)
	if err != nil {
		return nil, err
	}
	var schemaVersion int64
	if err := probe.QueryRowContext(ctx).Scan(&schemaVersion); err != nil {
		return nil, fmt.Errorf("state: read schema_version: %w", err)
	}
	if schemaVersion != s.schemaVersionAtCache {
		s.tableInfoCache = make(map[string]*model.TableInfo)
		s.schemaVersionAtCache = schemaVersion
	}
	if ti, ok := s.tableInfoCache[tbl]; ok {
		return ti, nil
	}
	ti, err := tableinfo.Reflect(ctx, s.db, "main", tbl)
	if err != nil {
		return nil, err
	}
	s.tableInfoCache[tbl] = ti
	return ti, nil
}

// Tx wraps a *sql.Tx so commit/rollback drive the db_version advance and
// seq reset that a real SQLite commit/rollback hook would otherwise fire
// automatically. modernc.org/sqlite exposes no such hook to Go callers, so
// every write that should count as its own committed transaction — schema
// installs, merges, and ordinary application writes to a CRR-enabled table
// alike — must go through State.Begin/Tx.Commit rather than db.BeginTx or
// a bare autocommit statement directly against the *sql.DB.
type Tx struct {
	tx *sql.Tx
	st *State
}

// Begin starts a transaction on the state's connection.
func (s *State) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("state: begin: %w", err)
	}
	return &Tx{tx: tx, st: s}, nil
}

// SQL exposes the underlying *sql.Tx for statement execution.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Commit persists the pending db_version (if this transaction advanced it)
// and commits, then advances the in-memory baseline and resets seq to 0,
// standing in for the commit hook a real SQLite extension would register.
// The baseline is then raised to the highest __crsql_db_version in any
// clock table if that is larger, which covers versions written by a merge.
func (t *Tx) Commit(ctx context.Context) error {
	if t.st.pendingDBVersion >= 0 {
		if err := master.SetInt64(ctx, t.tx, master.KeyDBVersionCounter, t.st.pendingDBVersion); err != nil {
			_ = t.tx.Rollback()
			t.st.onRolledBack()
			return err
		}
	}
	if err := t.tx.Commit(); err != nil {
		t.st.onRolledBack()
		return fmt.Errorf("state: commit: %w", err)
	}
	t.st.onCommitted()
	// Merged clock rows carry the origin's db_version verbatim; raise the
	// baseline to cover them so the next local transaction sorts after them.
	floor, err := loadDBVersionBaseline(ctx, t.st.db)
	if err != nil {
		return fmt.Errorf("state: refresh db_version baseline: %w", err)
	}
	if floor > t.st.dbVersionCounter {
		t.st.dbVersionCounter = floor
	}
	return nil
}

// Rollback aborts the transaction; the db_version advance did not persist,
// so it is discarded too.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	t.st.onRolledBack()
	if err != nil {
		return fmt.Errorf("state: rollback: %w", err)
	}
	return nil
}

func (s *State) onCommitted() {
	if s.pendingDBVersion >= 0 {
		s.dbVersionCounter = s.pendingDBVersion
	}
	s.pendingDBVersion = -1
	s.seq = 0
	s.rowsImpacted = 0
}

func (s *State) onRolledBack() {
	s.pendingDBVersion = -1
	s.seq = 0
	s.rowsImpacted = 0
}
