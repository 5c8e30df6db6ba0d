package master

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// addSeqColumns is the migration step for databases written by a version
// that predates the "__crsql_seq" clock column: every existing clock table
// gains the column, defaulting to 0.
func addSeqColumns(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%__crsql_clock'`)
	if err != nil {
		return fmt.Errorf("master: list clock tables: %w", err)
	}
	var clockTables []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		clockTables = append(clockTables, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, tbl := range clockTables {
		has, err := hasColumn(ctx, tx, tbl, "__crsql_seq")
		if err != nil {
			return err
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN "__crsql_seq" INTEGER NOT NULL DEFAULT 0`, tableinfo.QuoteIdent(tbl))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("master: add __crsql_seq to %s: %w", tbl, err)
		}
	}
	return nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, tbl, col string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, tbl, col).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("master: table_info(%s): %w", tbl, err)
	}
	return n > 0, nil
}
