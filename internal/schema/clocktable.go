package schema

import (
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// createClockTableSQL builds the CREATE TABLE statement for a CRR's clock
// table: the same pk columns as T, plus the col_name/versioning columns,
// with a composite primary key over (pks..., col_name).
func createClockTableSQL(ti *model.TableInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", tableinfo.QuoteIdent(ti.ClockTableName()))
	for _, pk := range ti.PKs {
		fmt.Fprintf(&b, "  %s %s NOT NULL,\n", tableinfo.QuoteIdent(pk.Name), pk.DeclType)
	}
	b.WriteString("  \"__crsql_col_name\" TEXT NOT NULL,\n")
	b.WriteString("  \"__crsql_col_version\" INTEGER NOT NULL,\n")
	b.WriteString("  \"__crsql_db_version\" INTEGER NOT NULL,\n")
	b.WriteString("  \"__crsql_site_id\" BLOB,\n")
	b.WriteString("  \"__crsql_seq\" INTEGER NOT NULL,\n")
	b.WriteString("  PRIMARY KEY (")
	for _, pk := range ti.PKs {
		fmt.Fprintf(&b, "%s, ", tableinfo.QuoteIdent(pk.Name))
	}
	b.WriteString("\"__crsql_col_name\")\n")
	b.WriteString(")")
	// Deliberately a rowid table, not WITHOUT ROWID: the changes read-path
	// cursor slab-encodes vtab rowids from each arm's real rowid, which a
	// WITHOUT ROWID table would not expose.
	return b.String()
}

// createClockIndexSQL builds the secondary index on __crsql_db_version the
// changes read-path planner relies on.
func createClockIndexSQL(ti *model.TableInfo) string {
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s ("__crsql_db_version")`,
		tableinfo.QuoteIdent(ti.ClockTableName()+"__dbv"),
		tableinfo.QuoteIdent(ti.ClockTableName()),
	)
}

// clockConflictColumns returns the composite-key column list used in
// ON CONFLICT clauses against the clock table.
func clockConflictColumns(ti *model.TableInfo) string {
	var names []string
	for _, pk := range ti.PKs {
		names = append(names, tableinfo.QuoteIdent(pk.Name))
	}
	names = append(names, `"__crsql_col_name"`)
	return strings.Join(names, ", ")
}

func pkColumnNames(ti *model.TableInfo) []string {
	names := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		names[i] = pk.Name
	}
	return names
}
