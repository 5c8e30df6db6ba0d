// Package tableinfo reflects live table and index schema through PRAGMA
// introspection and produces a normalized model.TableInfo.
package tableinfo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Reflect reads table and index schema for tbl (optionally schema-qualified
// via schemaName, e.g. "main" or "temp") and returns a normalized
// description. It fails with a *model.SchemaError if the table does not
// exist, has zero pk columns, or declares a pk column nullable without a
// default. A single INTEGER primary key (the rowid alias) counts as not
// nullable.
func Reflect(ctx context.Context, q Querier, schemaName, tbl string) (*model.TableInfo, error) {
	if schemaName == "" {
		schemaName = "main"
	}

	cols, err := columns(ctx, q, schemaName, tbl)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &model.SchemaError{Table: tbl, Reason: "table does not exist"}
	}

	info := &model.TableInfo{Schema: schemaName, Name: tbl}
	var pks []model.ColumnInfo
	for _, c := range cols {
		if c.PKOrdinal > 0 {
			pks = append(pks, c)
		} else {
			info.NonPKs = append(info.NonPKs, c)
		}
	}
	if len(pks) == 0 {
		return nil, &model.SchemaError{Table: tbl, Reason: "table has no primary key"}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].PKOrdinal < pks[j].PKOrdinal })
	for _, pk := range pks {
		// PRAGMA table_info reports notnull=0 for a lone INTEGER PRIMARY KEY,
		// but that column aliases the rowid and can never hold NULL.
		rowidAlias := len(pks) == 1 && strings.EqualFold(pk.DeclType, "INTEGER")
		if !pk.NotNull && pk.DfltValue == nil && !rowidAlias {
			return nil, &model.SchemaError{Table: tbl, Reason: fmt.Sprintf("primary key column %q is nullable without a default", pk.Name)}
		}
	}
	info.PKs = pks

	indices, err := indexList(ctx, q, schemaName, tbl)
	if err != nil {
		return nil, err
	}
	info.Indices = indices
	return info, nil
}

func columns(ctx context.Context, q Querier, schemaName, tbl string) ([]model.ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA %s.table_info(%s)`, quoteIdent(schemaName), quoteIdent(tbl)))
	if err != nil {
		return nil, fmt.Errorf("tableinfo: table_info(%s): %w", tbl, err)
	}
	defer rows.Close()

	var out []model.ColumnInfo
	for rows.Next() {
		var (
			cid       int
			name      string
			declType  string
			notNull   int
			dflt      sql.NullString
			pkOrdinal int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pkOrdinal); err != nil {
			return nil, fmt.Errorf("tableinfo: scan table_info: %w", err)
		}
		c := model.ColumnInfo{
			CID:       cid,
			Name:      name,
			DeclType:  declType,
			NotNull:   notNull != 0,
			PKOrdinal: pkOrdinal,
		}
		if dflt.Valid {
			v := dflt.String
			c.DfltValue = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func indexList(ctx context.Context, q Querier, schemaName, tbl string) ([]model.IndexInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA %s.index_list(%s)`, quoteIdent(schemaName), quoteIdent(tbl)))
	if err != nil {
		return nil, fmt.Errorf("tableinfo: index_list(%s): %w", tbl, err)
	}
	type idxRow struct {
		seq     int
		name    string
		unique  int
		origin  string
		partial int
	}
	var rawIdx []idxRow
	for rows.Next() {
		var r idxRow
		if err := rows.Scan(&r.seq, &r.name, &r.unique, &r.origin, &r.partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("tableinfo: scan index_list: %w", err)
		}
		rawIdx = append(rawIdx, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]model.IndexInfo, 0, len(rawIdx))
	for _, r := range rawIdx {
		cols, err := indexInfo(ctx, q, schemaName, r.name)
		if err != nil {
			return nil, err
		}
		out = append(out, model.IndexInfo{
			Name:        r.name,
			Unique:      r.unique != 0,
			Origin:      r.origin,
			Partial:     r.partial != 0,
			IndexedCols: cols,
		})
	}
	return out, nil
}

func indexInfo(ctx context.Context, q Querier, schemaName, indexName string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA %s.index_info(%s)`, quoteIdent(schemaName), quoteIdent(indexName)))
	if err != nil {
		return nil, fmt.Errorf("tableinfo: index_info(%s): %w", indexName, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("tableinfo: scan index_info: %w", err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

// quoteIdent wraps a SQL identifier in double quotes, doubling any embedded
// quote characters, for use where a bound parameter isn't allowed (PRAGMA
// targets and table names in DDL).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteIdent exports quoteIdent for sibling packages that build DDL/trigger
// SQL against reflected table and column names.
func QuoteIdent(ident string) string { return quoteIdent(ident) }
