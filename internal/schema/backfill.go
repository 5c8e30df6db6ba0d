package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// backfill inserts, for every pre-existing row of T, a clock row per
// non-null non-pk column (col_version=1), or a pk-only sentinel for rows
// whose non-pk columns are all NULL. Rows that already have clock rows
// (e.g. a prior partial install) are left alone.
func backfill(ctx context.Context, tx *sql.Tx, st *state.State, ti *model.TableInfo) error {
	allCols := ti.AllColumns()
	colList := make([]string, len(allCols))
	for i, c := range allCols {
		colList[i] = tableinfo.QuoteIdent(c.Name)
	}
	selectSQL := fmt.Sprintf(`SELECT %s FROM %s`, joinPlaceholders(colList), tableinfo.QuoteIdent(ti.Name))

	rows, err := tx.QueryContext(ctx, selectSQL)
	if err != nil {
		return fmt.Errorf("schema: backfill select: %w", err)
	}
	type row struct{ vals []any }
	var buffered []row
	for rows.Next() {
		vals := make([]any, len(allCols))
		ptrs := make([]any, len(allCols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return fmt.Errorf("schema: backfill scan: %w", err)
		}
		buffered = append(buffered, row{vals: vals})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	insertClockSQL := fmt.Sprintf(`
INSERT INTO %s (%s, "__crsql_col_name", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq")
VALUES (%s, ?, 1, ?, NULL, ?)
ON CONFLICT(%s) DO NOTHING`,
		tableinfo.QuoteIdent(ti.ClockTableName()), columnListSQL(pkColumnNames(ti)),
		joinPlaceholders(repeat("?", len(ti.PKs))), clockConflictColumns(ti))

	stmt, err := tx.PrepareContext(ctx, insertClockSQL)
	if err != nil {
		return fmt.Errorf("schema: backfill prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range buffered {
		pkVals := r.vals[:len(ti.PKs)]
		nonPKVals := r.vals[len(ti.PKs):]

		allNull := true
		for _, v := range nonPKVals {
			if v != nil {
				allNull = false
				break
			}
		}

		if allNull {
			if err := execBackfillRow(ctx, stmt, st, pkVals, model.SentinelPKOnly); err != nil {
				return err
			}
			continue
		}
		for i, v := range nonPKVals {
			if v == nil {
				continue
			}
			if err := execBackfillRow(ctx, stmt, st, pkVals, ti.NonPKs[i].Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func execBackfillRow(ctx context.Context, stmt *sql.Stmt, st *state.State, pkVals []any, cid string) error {
	args := make([]any, 0, len(pkVals)+3)
	args = append(args, pkVals...)
	args = append(args, cid, st.NextDBVersion(), st.IncSeq())
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("schema: backfill insert clock row (cid=%s): %w", cid, err)
	}
	return nil
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
