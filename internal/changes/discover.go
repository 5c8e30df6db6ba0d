package changes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

const clockSuffix = "__crsql_clock"

// ListCRRTables discovers every installed CRR by looking for its clock
// table and reflecting the corresponding base table. The changes stream
// is eponymous: its union spans every CRR in the schema.
func ListCRRTables(ctx context.Context, db *sql.DB) ([]*model.TableInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%'||?`, clockSuffix)
	if err != nil {
		return nil, fmt.Errorf("changes: list clock tables: %w", err)
	}
	var clockNames []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		clockNames = append(clockNames, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*model.TableInfo, 0, len(clockNames))
	for _, cn := range clockNames {
		base := strings.TrimSuffix(cn, clockSuffix)
		ti, err := tableinfo.Reflect(ctx, db, "main", base)
		if err != nil {
			return nil, fmt.Errorf("changes: reflect %s for clock table %s: %w", base, cn, err)
		}
		out = append(out, ti)
	}
	return out, nil
}
