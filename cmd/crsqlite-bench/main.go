// Command crsqlite-bench exercises the full install -> write -> read
// (changes) -> merge path end to end against a scratch database, so the
// library's behavior can be eyeballed without writing a Go test.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/crsqlite-go/crsqlite/internal/changes"
	"github.com/crsqlite-go/crsqlite/internal/config"
	"github.com/crsqlite-go/crsqlite/internal/db"
	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/peers"
	"github.com/crsqlite-go/crsqlite/internal/schema"
	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/udf"
)

func main() {
	dbPath := flag.String("db", ":memory:", "SQLite path for the local replica")
	table := flag.String("table", "todos", "name of the demo CRR table")
	flag.Parse()

	ctx := context.Background()
	if err := run(ctx, *dbPath, *table); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, dbPath, table string) error {
	// Function registration has to precede db.Open: the driver installs
	// its registry on each connection as it is created.
	if err := udf.EnsureRegistered(); err != nil {
		return fmt.Errorf("udf: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.DBPath = dbPath
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	st, err := state.Open(ctx, conn)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	udf.Bind(st)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT NOT NULL PRIMARY KEY, title TEXT, done INTEGER)`, table)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	if err := schema.AsCRR(ctx, st, table); err != nil {
		return fmt.Errorf("as_crr: %w", err)
	}
	logf("installed CRR on %s", table)

	// Each statement runs in its own state.Tx so db_version advances between
	// them the way it would for any two separately committed transactions:
	// there is no driver-level commit hook to do this automatically for a
	// bare autocommit statement run directly against conn.
	if err := execOne(ctx, st, fmt.Sprintf(`INSERT INTO %s (id, title, done) VALUES (?, ?, 0)`, table), "t1", "write the README"); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if err := execOne(ctx, st, fmt.Sprintf(`UPDATE %s SET done = 1 WHERE id = ?`, table), "t1"); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	logf("wrote and completed todo t1")

	tables, err := changes.ListCRRTables(ctx, conn)
	if err != nil {
		return fmt.Errorf("list crr tables: %w", err)
	}
	cur, err := changes.Query(ctx, conn, tables, changes.Filter{Plan: changes.PlanIndex(nil)})
	if err != nil {
		return fmt.Errorf("query changes: %w", err)
	}
	defer cur.Close() //nolint:errcheck

	var captured []model.ChangeRow
	for cur.Next(ctx) {
		row := cur.Row()
		logf("change: table=%s pk=%s cid=%s val=%v db_version=%d seq=%d", row.Table, row.PK, row.CID, row.Val.Any(), row.DBVersion, row.Seq)
		captured = append(captured, row.ChangeRow())
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("cursor: %w", err)
	}

	logf("simulating a peer replaying %d captured change(s) back in, tagged with a foreign site_id", len(captured))
	tablesByName := make(map[string]*model.TableInfo, len(tables))
	for _, ti := range tables {
		tablesByName[ti.Name] = ti
	}
	peerSiteID := make([]byte, 16)
	peerSiteID[0] = 0xAA

	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	var mark peers.Watermark
	for _, c := range captured {
		c.SiteID = peerSiteID
		c.DBVersion += 1000 // simulate the peer being further ahead
		if err := changes.Apply(ctx, tx, st, tablesByName, c); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply: %w", err)
		}
		mark = peers.Watermark{SiteID: peerSiteID, Version: c.DBVersion, Seq: c.Seq, Event: peers.EventReceive}
	}
	if len(captured) > 0 {
		if err := peers.Set(ctx, tx.SQL(), mark); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record watermark: %w", err)
		}
	}
	impacted := st.RowsImpacted()
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	logf("merge applied, rows_impacted=%d, peer watermark=(%d, %d)", impacted, mark.Version, mark.Seq)
	return nil
}

// execOne runs query as its own committed transaction through st, so the
// db_version baseline advances and seq resets exactly as they would for any
// host write against a CRR-enabled table.
func execOne(ctx context.Context, st *state.State, query string, args ...any) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.SQL().ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

func logf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, "crsqlite-bench: "+format+"\n", args...)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "crsqlite-bench: %v\n", err)
	os.Exit(1)
}
