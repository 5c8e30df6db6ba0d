// Package schema implements the CRR installer: turning a base table into a
// CRR (clock table + triggers + backfill) and handling schema evolution
// via begin_alter/commit_alter.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/master"
	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
	"github.com/google/uuid"
)

// AsCRR installs a CRR for table. It is idempotent: calling it again on an
// already-installed CRR is a no-op.
func AsCRR(ctx context.Context, st *state.State, table string) error {
	return withSavepoint(ctx, st, "as_crr", func(tx *sql.Tx) error {
		ti, err := validateCompatible(ctx, tx, table)
		if err != nil {
			return err
		}

		if exists, err := tableExists(ctx, tx, ti.ClockTableName()); err != nil {
			return err
		} else if exists {
			return nil
		}

		return installClockAndTriggers(ctx, tx, st, ti)
	})
}

// BeginAlter drops the change-capture triggers ahead of a schema migration
// on table. The clock table is left untouched.
func BeginAlter(ctx context.Context, st *state.State, table string) error {
	return withSavepoint(ctx, st, "begin_alter", func(tx *sql.Tx) error {
		// Reflected through tx, not st.TableInfo: the connection is pinned
		// to one physical conn (SetMaxOpenConns(1)), and this savepoint
		// already holds it, so any query routed through st.DB() here would
		// block forever waiting for a connection the open tx is holding.
		ti, err := tableinfo.Reflect(ctx, tx, "main", table)
		if err != nil {
			return err
		}
		st.InvalidateTableInfoCache()
		for _, stmt := range dropTriggersSQL(ti) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema: begin_alter drop trigger: %w", err)
			}
		}
		return nil
	})
}

// CommitAlter reconciles the clock table against the post-migration shape
// of table. If the primary-key set changed, prior
// history is unrecoverable and the clock table is dropped and rebuilt from
// scratch; otherwise stale clock rows are compacted and triggers/backfill
// are recreated for any new columns.
func CommitAlter(ctx context.Context, st *state.State, table string) error {
	return withSavepoint(ctx, st, "commit_alter", func(tx *sql.Tx) error {
		st.InvalidateTableInfoCache()
		ti, err := tableinfo.Reflect(ctx, tx, "main", table)
		if err != nil {
			return err
		}

		clockExists, err := tableExists(ctx, tx, ti.ClockTableName())
		if err != nil {
			return err
		}
		if !clockExists {
			return installClockAndTriggers(ctx, tx, st, ti)
		}

		clockPKs, err := clockTablePKNames(ctx, tx, ti.ClockTableName())
		if err != nil {
			return err
		}
		if pkSetChanged(pkColumnNames(ti), clockPKs) {
			if err := master.SetInt64(ctx, tx, master.KeyPreCompactDBVer, st.NextDBVersion()-1); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, tableinfo.QuoteIdent(ti.ClockTableName()))); err != nil {
				return fmt.Errorf("schema: commit_alter drop clock: %w", err)
			}
			return installClockAndTriggers(ctx, tx, st, ti)
		}

		if err := compactClock(ctx, tx, ti); err != nil {
			return err
		}
		if err := master.SetInt64(ctx, tx, master.KeyPreCompactDBVer, st.NextDBVersion()-1); err != nil {
			return err
		}
		return installClockAndTriggers(ctx, tx, st, ti)
	})
}

func installClockAndTriggers(ctx context.Context, tx *sql.Tx, st *state.State, ti *model.TableInfo) error {
	if _, err := tx.ExecContext(ctx, createClockTableSQL(ti)); err != nil {
		return fmt.Errorf("schema: create clock table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createClockIndexSQL(ti)); err != nil {
		return fmt.Errorf("schema: create clock index: %w", err)
	}

	for _, stmt := range dropTriggersSQL(ti) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: drop stale trigger: %w", err)
		}
	}

	unchanged, pkChanged := updateTriggerSQL(ti)
	for _, stmt := range []string{insertTriggerSQL(ti), unchanged, pkChanged, deleteTriggerSQL(ti)} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: create trigger: %w", err)
		}
	}

	return backfill(ctx, tx, st, ti)
}

// withSavepoint runs fn inside a uniquely named savepoint, rolling it back
// on any error and releasing it on success. It goes through state.Begin
// rather than st.DB().BeginTx directly so that this operation's own commit
// advances the db_version baseline and resets seq — installClockAndTriggers
// calls st.NextDBVersion()/st.IncSeq() while backfilling, and those must be
// reset the same way any other committed transaction's are.
func withSavepoint(ctx context.Context, st *state.State, op string, fn func(tx *sql.Tx) error) error {
	name := fmt.Sprintf("crsql_%s_%s", op, uuid.NewString()[:8])
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schema: begin: %w", err)
	}
	if _, err := tx.SQL().ExecContext(ctx, fmt.Sprintf(`SAVEPOINT %s`, name)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("schema: savepoint %s: %w", name, err)
	}

	if err := fn(tx.SQL()); err != nil {
		_, _ = tx.SQL().Exec(fmt.Sprintf(`ROLLBACK TO %s`, name))
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.SQL().ExecContext(ctx, fmt.Sprintf(`RELEASE %s`, name)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("schema: release %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	switch {
	case err == nil:
		return true, nil
	case err == sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("schema: table_exists(%s): %w", name, err)
	}
}

func pkSetChanged(tablePKs, clockPKs []string) bool {
	if len(tablePKs) != len(clockPKs) {
		return true
	}
	seen := make(map[string]bool, len(clockPKs))
	for _, c := range clockPKs {
		seen[c] = true
	}
	for _, t := range tablePKs {
		if !seen[t] {
			return true
		}
	}
	return false
}

func clockTablePKNames(ctx context.Context, tx *sql.Tx, clockTable string) ([]string, error) {
	ti, err := tableinfo.Reflect(ctx, tx, "main", clockTable)
	if err != nil {
		return nil, fmt.Errorf("schema: reflect clock table: %w", err)
	}
	var names []string
	for _, pk := range ti.PKs {
		if pk.Name == "__crsql_col_name" {
			continue
		}
		names = append(names, pk.Name)
	}
	return names, nil
}

// compactClock deletes clock rows whose col_name is neither a current
// non-pk column nor a sentinel, and deletes clock rows whose pks no longer
// exist in the base table.
func compactClock(ctx context.Context, tx *sql.Tx, ti *model.TableInfo) error {
	keep := make([]string, 0, len(ti.NonPKs)+2)
	for _, c := range ti.NonPKs {
		keep = append(keep, c.Name)
	}
	keep = append(keep, model.SentinelDelete, model.SentinelPKOnly)

	placeholders := make([]string, len(keep))
	args := make([]any, len(keep))
	for i, k := range keep {
		placeholders[i] = "?"
		args[i] = k
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE "__crsql_col_name" NOT IN (%s)`,
		tableinfo.QuoteIdent(ti.ClockTableName()), joinPlaceholders(placeholders))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("schema: compact clock columns: %w", err)
	}

	var joinCond string
	for i, pk := range ti.PKs {
		if i > 0 {
			joinCond += " AND "
		}
		joinCond += fmt.Sprintf("c.%s = t.%s", tableinfo.QuoteIdent(pk.Name), tableinfo.QuoteIdent(pk.Name))
	}
	orphanQuery := fmt.Sprintf(`
DELETE FROM %s AS c
WHERE c."__crsql_col_name" != ?
AND NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)`,
		tableinfo.QuoteIdent(ti.ClockTableName()), tableinfo.QuoteIdent(ti.Name), joinCond)
	if _, err := tx.ExecContext(ctx, orphanQuery, model.SentinelDelete); err != nil {
		return fmt.Errorf("schema: compact clock orphans: %w", err)
	}
	return nil
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, v := range p {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
