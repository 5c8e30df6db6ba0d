package changes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// Row is one row the cursor yields: the declared changes-table columns
// plus the slab-encoded rowid.
type Row struct {
	Rowid      int64
	Table      string
	PK         string
	CID        string
	Val        model.Value
	ColVersion int64
	DBVersion  int64
	SiteID     []byte
	Seq        int64
}

func (r Row) RowType() model.RowType { return model.RowTypeForCID(r.CID) }

// ChangeRow projects a cursor Row into the wire-format model.ChangeRow.
func (r Row) ChangeRow() model.ChangeRow {
	return model.ChangeRow{
		Table: r.Table, PK: r.PK, CID: r.CID, Val: r.Val,
		ColVersion: r.ColVersion, DBVersion: r.DBVersion, SiteID: r.SiteID, Seq: r.Seq,
	}
}

// Cursor iterates the UNION ALL result of Query, resolving each UPDATE
// row's current value with a follow-up point query.
type Cursor struct {
	db     *sql.DB
	rows   *sql.Rows
	tables []*model.TableInfo
	done   bool
	cur    Row
	err    error
}

// Next advances the cursor. It returns false at EOF (after which Row must
// not be called) or on error (retrievable via Err).
func (c *Cursor) Next(ctx context.Context) bool {
	if c.done || c.rows == nil {
		c.done = true
		return false
	}
	if !c.rows.Next() {
		c.done = true
		c.rows.Close()
		return false
	}

	var (
		tblIdx       int
		tbl, pk, cid string
		colVersion   int64
		dbVersion    int64
		siteID       []byte
		clockRowid   int64
		seq          int64
	)
	if c.err = c.rows.Scan(&tblIdx, &tbl, &pk, &cid, &colVersion, &dbVersion, &siteID, &clockRowid, &seq); c.err != nil {
		c.done = true
		return false
	}

	row := Row{
		Rowid: slabRowid(tblIdx, clockRowid), Table: tbl, PK: pk, CID: cid,
		ColVersion: colVersion, DBVersion: dbVersion, SiteID: siteID, Seq: seq,
	}

	switch model.RowTypeForCID(cid) {
	case model.RowDelete, model.RowPKOnly:
		row.Val = model.NullValue()
	default:
		v, err := c.resolveValue(ctx, tblIdx, pk, cid)
		if err != nil {
			c.err = err
			c.done = true
			return false
		}
		row.Val = v
	}

	c.cur = row
	return true
}

// resolveValue runs the single-row point query against the base table. If
// the row no longer exists (a concurrent delete), val is NULL but the row
// is still emitted — the receiver's merge discards it via version
// comparison.
func (c *Cursor) resolveValue(ctx context.Context, tblIdx int, pk, cid string) (model.Value, error) {
	ti := c.tables[tblIdx]
	literals := SplitPK(pk)
	where, err := pkWhereClause(ti, literals)
	if err != nil {
		return model.Value{}, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, tableinfo.QuoteIdent(cid), tableinfo.QuoteIdent(ti.Name), where)
	var v any
	err = c.db.QueryRowContext(ctx, query).Scan(&v)
	switch {
	case err == nil:
		return model.ValueFromAny(v), nil
	case err == sql.ErrNoRows:
		return model.NullValue(), nil
	default:
		return model.Value{}, fmt.Errorf("changes: resolve value for %s.%s: %w", ti.Name, cid, err)
	}
}

// Row returns the row most recently produced by Next.
func (c *Cursor) Row() Row { return c.cur }

// Err returns the first error encountered by Next, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the underlying result set. Safe to call multiple times.
func (c *Cursor) Close() error {
	if c.rows != nil {
		err := c.rows.Close()
		c.rows = nil
		return err
	}
	return nil
}
