package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// validateCompatible reflects table and checks that it is eligible to
// become a CRR: must exist with a primary key (enforced by
// tableinfo.Reflect itself), must not declare generated columns, and if
// declared WITHOUT ROWID must still have its pk columns fully specified
// (already guaranteed by Reflect requiring at least one pk column).
func validateCompatible(ctx context.Context, tx *sql.Tx, table string) (*model.TableInfo, error) {
	ti, err := tableinfo.Reflect(ctx, tx, "main", table)
	if err != nil {
		return nil, err
	}

	generated, err := hasGeneratedColumn(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if generated {
		return nil, fmt.Errorf("%w: table %q has a generated column", model.ErrIncompatibleSchema, table)
	}

	return ti, nil
}

// hasGeneratedColumn detects STORED/VIRTUAL generated columns via
// PRAGMA table_xinfo's "hidden" flag (2 = virtual generated, 3 = stored
// generated).
func hasGeneratedColumn(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_xinfo(%s)`, tableinfo.QuoteIdent(table)))
	if err != nil {
		return false, fmt.Errorf("schema: table_xinfo(%s): %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false, err
	}
	hiddenIdx := -1
	for i, c := range cols {
		if c == "hidden" {
			hiddenIdx = i
		}
	}
	if hiddenIdx < 0 {
		return false, nil
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return false, fmt.Errorf("schema: scan table_xinfo: %w", err)
		}
		if hv, ok := vals[hiddenIdx].(int64); ok && (hv == 2 || hv == 3) {
			return true, nil
		}
	}
	return false, rows.Err()
}
