package changes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/clock"
	"github.com/crsqlite-go/crsqlite/internal/master"
	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// Apply merges one incoming change into the local database, against the
// caller's already-open transaction. Only INSERT is a valid
// operation against the changes table; callers that mean to delete rows
// must do so through the base table itself, not by applying a synthetic
// row here.
func Apply(ctx context.Context, tx *state.Tx, st *state.State, tables map[string]*model.TableInfo, c model.ChangeRow) error {
	if c.SiteID == nil {
		return fmt.Errorf("changes: apply: %w: an incoming change must carry the origin's site_id", model.ErrMisuse)
	}

	ti, ok := tables[c.Table]
	if !ok {
		clockExists, err := tableExists(ctx, tx.SQL(), c.Table+clockSuffix)
		if err != nil {
			return err
		}
		if !clockExists {
			return fmt.Errorf("changes: apply: %w: %s", model.ErrUnknownTable, c.Table)
		}
		ti, err = tableinfo.Reflect(ctx, tx.SQL(), "main", c.Table)
		if err != nil {
			return fmt.Errorf("changes: apply: %w: %s", model.ErrUnknownTable, c.Table)
		}
	}

	literals := SplitPK(c.PK)
	if len(literals) != len(ti.PKs) {
		return fmt.Errorf("changes: apply: %w: pk has %d components, table %q has %d", model.ErrMisuse, len(literals), ti.Name, len(ti.PKs))
	}
	where, err := pkWhereClause(ti, literals)
	if err != nil {
		return err
	}

	localSiteID := st.SiteID()
	incoming := clock.Identity{DBVersion: c.DBVersion, Seq: c.Seq, SiteID: c.SiteID}

	// A delete sentinel clears every sibling clock row for its pk, so once
	// one has landed there is no longer a per-cid row to compare a later,
	// stale write against. Check the sentinel itself first: if it already
	// dominates the incoming change, the pk stays deleted regardless of
	// what cid the incoming change targets.
	if c.RowType() != model.RowDelete {
		delLocal, delFound, err := localClockIdentity(ctx, tx.SQL(), ti, literals, model.SentinelDelete)
		if err != nil {
			return err
		}
		if delFound && !clock.StrictlyGreater(incoming, delLocal, localSiteID[:]) {
			return nil
		}
	}

	local, found, err := localClockIdentity(ctx, tx.SQL(), ti, literals, c.CID)
	if err != nil {
		return err
	}

	if found && !clock.StrictlyGreater(incoming, local, localSiteID[:]) {
		if clock.Compare(clock.Effective(incoming, localSiteID[:]), clock.Effective(local, localSiteID[:])) != 0 {
			return nil // incoming loses outright.
		}
		merge, err := master.GetBool(ctx, tx.SQL(), master.KeyMergeEqualValues)
		if err != nil {
			return err
		}
		if !merge || c.RowType() != model.RowUpdate {
			return nil
		}
		// Equal-version tie: rewrite the value for deterministic
		// convergence across replicas, but the clock row (and hence its
		// col_version) is left exactly as it stood — there is no "newer"
		// write to record.
		st.SetSyncBit(true)
		err = applyUpdate(ctx, tx.SQL(), ti, literals, c)
		st.SetSyncBit(false)
		if err != nil {
			return err
		}
		st.IncRowsImpacted(1)
		return nil
	}

	st.SetSyncBit(true)
	defer st.SetSyncBit(false)

	switch c.RowType() {
	case model.RowDelete:
		if _, err := tx.SQL().ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, tableinfo.QuoteIdent(ti.Name), where)); err != nil {
			return fmt.Errorf("changes: apply delete: %w", err)
		}
	case model.RowPKOnly:
		if err := applyPKOnly(ctx, tx.SQL(), ti, literals); err != nil {
			return err
		}
	default:
		if err := applyUpdate(ctx, tx.SQL(), ti, literals, c); err != nil {
			return err
		}
	}

	if err := upsertClockRow(ctx, tx.SQL(), ti, literals, c); err != nil {
		return err
	}

	st.IncRowsImpacted(1)
	return nil
}

// tableExists reports whether name is a table in sqlite_master, mirroring
// the schema package's helper of the same name.
func tableExists(ctx context.Context, db *sql.Tx, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	switch {
	case err == nil:
		return true, nil
	case err == sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("changes: apply: table_exists(%s): %w", name, err)
	}
}

// localClockIdentity looks up the clock row for (pk, cid), if any. The
// comparison a merge keys on is per-cell: each (pk, cid) pair (including
// the __crsql_del and __crsql_pko sentinels) carries its own independent
// version.
func localClockIdentity(ctx context.Context, db *sql.Tx, ti *model.TableInfo, literals []string, cid string) (clock.Identity, bool, error) {
	where, err := pkWhereClause(ti, literals)
	if err != nil {
		return clock.Identity{}, false, err
	}
	query := fmt.Sprintf(`SELECT "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq"
FROM %s WHERE %s AND "__crsql_col_name" = ?`, tableinfo.QuoteIdent(ti.ClockTableName()), where)

	var colVersion, dbVersion, seq int64
	var siteID []byte
	err = db.QueryRowContext(ctx, query, cid).Scan(&colVersion, &dbVersion, &siteID, &seq)
	switch {
	case err == nil:
		return clock.Identity{DBVersion: dbVersion, Seq: seq, SiteID: siteID}, true, nil
	case err == sql.ErrNoRows:
		return clock.Identity{}, false, nil
	default:
		return clock.Identity{}, false, fmt.Errorf("changes: apply: read local clock row: %w", err)
	}
}

// applyUpdate upserts the base-table row's single cell, inserting the row
// from scratch if the pk hasn't been seen locally before.
func applyUpdate(ctx context.Context, db *sql.Tx, ti *model.TableInfo, literals []string, c model.ChangeRow) error {
	pkNames := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		pkNames[i] = tableinfo.QuoteIdent(pk.Name)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (%s, ?)
ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`,
		tableinfo.QuoteIdent(ti.Name), strings.Join(pkNames, ", "), tableinfo.QuoteIdent(c.CID),
		strings.Join(literals, ", "), strings.Join(pkNames, ", "),
		tableinfo.QuoteIdent(c.CID), tableinfo.QuoteIdent(c.CID))
	if _, err := db.ExecContext(ctx, query, c.Val.Any()); err != nil {
		return fmt.Errorf("changes: apply update %s.%s: %w", ti.Name, c.CID, err)
	}
	return nil
}

// applyPKOnly inserts a pk-only row (every non-pk column left at its
// default/NULL) if the pk isn't already present locally; it never
// overwrites an existing row's columns.
func applyPKOnly(ctx context.Context, db *sql.Tx, ti *model.TableInfo, literals []string) error {
	pkNames := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		pkNames[i] = tableinfo.QuoteIdent(pk.Name)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING`,
		tableinfo.QuoteIdent(ti.Name), strings.Join(pkNames, ", "), strings.Join(literals, ", "), strings.Join(pkNames, ", "))
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("changes: apply pk-only %s: %w", ti.Name, err)
	}
	return nil
}

// upsertClockRow records the incoming change's own (col_version, db_version,
// site_id, seq) verbatim — unlike a locally originated write, a merged
// change never goes through crsql_nextdbversion()/crsql_increment_and_get_seq,
// since its clock already carries the originating replica's identity. A
// DELETE additionally clears every other clock row for the pk, collapsing
// the row's history to the single tombstone.
func upsertClockRow(ctx context.Context, db *sql.Tx, ti *model.TableInfo, literals []string, c model.ChangeRow) error {
	pkNames := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		pkNames[i] = tableinfo.QuoteIdent(pk.Name)
	}
	where, err := pkWhereClause(ti, literals)
	if err != nil {
		return err
	}
	clockTbl := tableinfo.QuoteIdent(ti.ClockTableName())

	if c.RowType() == model.RowDelete {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, clockTbl, where)); err != nil {
			return fmt.Errorf("changes: apply: clear clock rows for delete: %w", err)
		}
	}

	// col_version takes max(local, incoming) rather than the incoming value
	// verbatim: the per-column Lamport counter must stay non-decreasing even
	// when the winner under (db_version, seq, site_id) carries a lower one.
	query := fmt.Sprintf(`INSERT INTO %s (%s, "__crsql_col_name", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq")
VALUES (%s, ?, ?, ?, ?, ?)
ON CONFLICT(%s) DO UPDATE SET
  "__crsql_col_version" = max(%s."__crsql_col_version", excluded."__crsql_col_version"),
  "__crsql_db_version" = excluded."__crsql_db_version",
  "__crsql_site_id" = excluded."__crsql_site_id",
  "__crsql_seq" = excluded."__crsql_seq"`,
		clockTbl, strings.Join(pkNames, ", "), strings.Join(literals, ", "), clockConflictColumns(ti), clockTbl)

	if _, err := db.ExecContext(ctx, query, c.CID, c.ColVersion, c.DBVersion, c.SiteID, c.Seq); err != nil {
		return fmt.Errorf("changes: apply: upsert clock row %s.%s: %w", ti.Name, c.CID, err)
	}
	return nil
}

// clockConflictColumns mirrors the schema package's helper of the same
// name: the clock table's unique key is every pk column plus
// "__crsql_col_name".
func clockConflictColumns(ti *model.TableInfo) string {
	names := make([]string, 0, len(ti.PKs)+1)
	for _, pk := range ti.PKs {
		names = append(names, tableinfo.QuoteIdent(pk.Name))
	}
	names = append(names, `"__crsql_col_name"`)
	return strings.Join(names, ", ")
}
