package changes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// Filter is the read-path request: the folded constraint plan plus the
// bound argument values, in the same order PlanIndex appended them.
type Filter struct {
	Plan Plan
	Args []any
}

// Query opens a cursor over the UNION ALL of every CRR's clock table,
// filtered by plan and globally ordered by (db_version, seq).
func Query(ctx context.Context, db *sql.DB, tables []*model.TableInfo, f Filter) (*Cursor, error) {
	if len(tables) == 0 {
		return &Cursor{done: true}, nil
	}

	var arms []string
	var args []any
	for idx, ti := range tables {
		arms = append(arms, armSQL(ti, idx, f.Plan.Where))
		args = append(args, f.Args...)
	}
	query := strings.Join(arms, "\nUNION ALL\n") + "\nORDER BY db_version ASC, seq ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changes: query: %w", err)
	}
	return &Cursor{db: db, rows: rows, tables: tables}, nil
}

func armSQL(ti *model.TableInfo, idx int, where string) string {
	// The table name rides along as a single-quoted string literal; a
	// double-quoted spelling would resolve as a column reference if the
	// clock table happened to carry a pk column named after the table.
	return fmt.Sprintf(`SELECT %d AS tbl_idx, '%s' AS tbl, (%s) AS pk, "__crsql_col_name" AS cid,
  "__crsql_col_version" AS col_version, "__crsql_db_version" AS db_version,
  "__crsql_site_id" AS site_id, rowid AS clock_rowid, "__crsql_seq" AS seq
FROM %s
WHERE %s`, idx, strings.ReplaceAll(ti.Name, "'", "''"), pkEncodeExpr(ti), tableinfo.QuoteIdent(ti.ClockTableName()), where)
}

func slabRowid(tblIdx int, clockRowid int64) int64 {
	return (int64(tblIdx) << 48) | (clockRowid & ((1 << 48) - 1))
}
