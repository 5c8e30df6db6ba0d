package changes

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/schema"
	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/udf"
)

// replica bundles everything one simulated site needs: its own in-memory
// database and extension state. modernc.org/sqlite's scalar-function
// registry is process-global, so every call through r.st must happen while
// r is the "active" replica — tests serialize around that by rebinding the
// registered functions to a replica right before driving it.
type replica struct {
	db *sql.DB
	st *state.State
}

func newReplica(t *testing.T) *replica {
	t.Helper()
	ctx := context.Background()
	if err := udf.EnsureRegistered(); err != nil {
		t.Fatalf("udf.EnsureRegistered: %v", err)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := state.Open(ctx, db)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return &replica{db: db, st: st}
}

// activate rebinds the crsql_* scalar functions to this replica's state,
// since only one replica's functions can be active in the process at a
// time.
func (r *replica) activate(t *testing.T) {
	t.Helper()
	udf.Bind(r.st)
}

func createKV(t *testing.T, r *replica) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE kv (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create kv: %v", err)
	}
	r.activate(t)
	if err := schema.AsCRR(ctx, r.st, "kv"); err != nil {
		t.Fatalf("as_crr: %v", err)
	}
}

// pullAll reads r's full changes stream and tags every row with r's own
// site id wherever the stream reports it as local (site_id = NULL). A
// replica's own changes view always reports its own writes this way; the
// sender is responsible for stamping its identity before a peer ever sees
// the row, exactly as cmd/crsqlite-bench's merge step does.
func pullAll(t *testing.T, r *replica) []model.ChangeRow {
	t.Helper()
	ctx := context.Background()
	r.activate(t)
	tables, err := ListCRRTables(ctx, r.db)
	if err != nil {
		t.Fatalf("ListCRRTables: %v", err)
	}
	cur, err := Query(ctx, r.db, tables, Filter{Plan: PlanIndex(nil)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer cur.Close()

	siteID := r.st.SiteID()
	var out []model.ChangeRow
	for cur.Next(ctx) {
		c := cur.Row().ChangeRow()
		if c.SiteID == nil {
			c.SiteID = append([]byte(nil), siteID[:]...)
		}
		out = append(out, c)
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return out
}

func applyAll(t *testing.T, r *replica, rows []model.ChangeRow) {
	t.Helper()
	ctx := context.Background()
	r.activate(t)
	tables, err := ListCRRTables(ctx, r.db)
	if err != nil {
		t.Fatalf("ListCRRTables: %v", err)
	}
	byName := make(map[string]*model.TableInfo, len(tables))
	for _, ti := range tables {
		byName[ti.Name] = ti
	}
	tx, err := r.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, c := range rows {
		if err := Apply(ctx, tx, r.st, byName, c); err != nil {
			_ = tx.Rollback()
			t.Fatalf("apply %+v: %v", c, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// execDML runs a single DML statement against r's database inside its own
// state.Tx. The db_version advance and seq reset only fire when a
// transaction ends through state.Tx.Commit/Rollback, so any write meant to
// count as its own committed transaction — exactly like schema operations
// and Apply already do — must be wrapped explicitly rather than executed
// as a bare autocommit statement on r.db.
func execDML(t *testing.T, r *replica, query string, args ...any) {
	t.Helper()
	ctx := context.Background()
	r.activate(t)
	tx, err := r.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.SQL().ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		t.Fatalf("exec %q: %v", query, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit %q: %v", query, err)
	}
}

func readV(t *testing.T, r *replica, id int) (string, bool) {
	t.Helper()
	var v sql.NullString
	err := r.db.QueryRowContext(context.Background(), `SELECT v FROM kv WHERE id = ?`, id).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return "", false
	case err != nil:
		t.Fatalf("read kv id=%d: %v", id, err)
	}
	return v.String, true
}

// TestInsertBackfillsSingleClockRow checks that a single-column insert
// backfills exactly one clock row at (col_version=1, db_version=1, seq=0).
func TestInsertBackfillsSingleClockRow(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)

	execDML(t, r, `INSERT INTO kv (id, v) VALUES (1, 'a')`)

	var colVersion, dbVersion, seq int64
	err := r.db.QueryRowContext(ctx, `SELECT "__crsql_col_version", "__crsql_db_version", "__crsql_seq" FROM "kv__crsql_clock" WHERE id = 1 AND "__crsql_col_name" = 'v'`).
		Scan(&colVersion, &dbVersion, &seq)
	if err != nil {
		t.Fatalf("read clock row: %v", err)
	}
	if colVersion != 1 || dbVersion != 1 || seq != 0 {
		t.Fatalf("clock row = (col_version=%d, db_version=%d, seq=%d), want (1, 1, 0)", colVersion, dbVersion, seq)
	}
}

// TestUpdateBumpsVersionsAndEmitsOneChange checks that updating a column
// bumps its col_version and db_version and emits exactly one changes row
// for that column.
func TestUpdateBumpsVersionsAndEmitsOneChange(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)
	execDML(t, r, `INSERT INTO kv (id, v) VALUES (1, 'a')`)
	execDML(t, r, `UPDATE kv SET v = 'b' WHERE id = 1`)

	var colVersion, dbVersion int64
	err := r.db.QueryRowContext(ctx, `SELECT "__crsql_col_version", "__crsql_db_version" FROM "kv__crsql_clock" WHERE id = 1 AND "__crsql_col_name" = 'v'`).
		Scan(&colVersion, &dbVersion)
	if err != nil {
		t.Fatalf("read clock row: %v", err)
	}
	if colVersion != 2 || dbVersion != 2 {
		t.Fatalf("clock row = (col_version=%d, db_version=%d), want (2, 2)", colVersion, dbVersion)
	}

	r.activate(t)
	tables, err := ListCRRTables(ctx, r.db)
	if err != nil {
		t.Fatalf("ListCRRTables: %v", err)
	}
	cur, err := Query(ctx, r.db, tables, Filter{Plan: PlanIndex(nil)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer cur.Close()

	var found int
	for cur.Next(ctx) {
		row := cur.Row()
		if row.CID == "v" {
			found++
			if row.Val.Text != "b" || row.ColVersion != 2 || row.DBVersion != 2 || row.SiteID != nil {
				t.Fatalf("changes row = %+v, want val=b col_version=2 db_version=2 site_id=nil (a purely local write reports NULL)", row)
			}
		}
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if found != 1 {
		t.Fatalf("found %d changes rows with cid=v, want 1", found)
	}
}

// TestConcurrentUpdatesConvergeByTieBreakOnSiteID checks commutativity: both
// orders of applying the two concurrent updates must converge to the same
// winner, decided by site id on an exact (db_version, seq) tie.
func TestConcurrentUpdatesConvergeByTieBreakOnSiteID(t *testing.T) {
	a := newReplica(t)
	createKV(t, a)
	execDML(t, a, `INSERT INTO kv (id, v) VALUES (1, 'a')`)
	seed := pullAll(t, a)

	b := newReplica(t)
	createKV(t, b)
	applyAll(t, b, seed)

	// A updates to 'b' at (db=2, seq=0); B updates to 'c' at (db=2, seq=0).
	execDML(t, a, `UPDATE kv SET v = 'b' WHERE id = 1`)
	execDML(t, b, `UPDATE kv SET v = 'c' WHERE id = 1`)

	aChanges := pullAll(t, a)
	bChanges := pullAll(t, b)

	// Exchange both directions: each side applies the other's delta.
	applyAll(t, b, aChanges)
	applyAll(t, a, bChanges)

	aVal, aOK := readV(t, a, 1)
	bVal, bOK := readV(t, b, 1)
	if !aOK || !bOK {
		t.Fatalf("row missing after exchange: aOK=%v bOK=%v", aOK, bOK)
	}
	if aVal != bVal {
		t.Fatalf("replicas diverged: A=%q B=%q, want equal after convergence", aVal, bVal)
	}
	if aVal != "b" && aVal != "c" {
		t.Fatalf("converged value %q is neither concurrent write", aVal)
	}

	siteA := a.st.SiteID()
	siteB := b.st.SiteID()
	wantC := string(siteB[:]) > string(siteA[:])
	if wantC && aVal != "c" {
		t.Fatalf("site B > site A lexicographically, want convergence to 'c', got %q", aVal)
	}
	if !wantC && aVal != "b" {
		t.Fatalf("site A > site B lexicographically, want convergence to 'b', got %q", aVal)
	}
}

// TestStalePreDeleteChangeDoesNotResurrectRow checks delete finality: a
// stale pre-delete insert delivered after the delete must not resurrect
// the row.
func TestStalePreDeleteChangeDoesNotResurrectRow(t *testing.T) {
	a := newReplica(t)
	createKV(t, a)
	execDML(t, a, `INSERT INTO kv (id, v) VALUES (2, 'x')`)
	insertChanges := pullAll(t, a)

	execDML(t, a, `DELETE FROM kv WHERE id = 2`)
	allChanges := pullAll(t, a)
	var delRows int
	for _, c := range allChanges {
		if c.RowType() == model.RowDelete {
			delRows++
		}
	}
	if delRows != 1 {
		t.Fatalf("delete rows in changes stream = %d, want 1", delRows)
	}

	b := newReplica(t)
	createKV(t, b)
	applyAll(t, b, allChanges)
	if _, ok := readV(t, b, 2); ok {
		t.Fatal("row 2 present on B after applying the delete")
	}

	// A stale insert (pre-delete db_version) must not resurrect the row:
	// idempotence extends to out-of-order delivery.
	applyAll(t, b, insertChanges)
	if _, ok := readV(t, b, 2); ok {
		t.Fatal("stale pre-delete insert resurrected row 2 on B")
	}
}

// TestPKOnlyChangeReconstructsNullRow checks that applying a pk-only
// sentinel change recreates a row with every non-pk column NULL.
func TestPKOnlyChangeReconstructsNullRow(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	createKV(t, a)
	execDML(t, a, `INSERT INTO kv (id) VALUES (3)`)

	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "kv__crsql_clock" WHERE id = 3 AND "__crsql_col_name" = ?`, model.SentinelPKOnly).Scan(&n); err != nil {
		t.Fatalf("count pko rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("pko clock rows = %d, want 1", n)
	}

	changesRows := pullAll(t, a)
	b := newReplica(t)
	createKV(t, b)
	applyAll(t, b, changesRows)

	v, ok := readV(t, b, 3)
	if !ok {
		t.Fatal("row 3 missing on B after applying a pk-only change")
	}
	if v != "" {
		t.Fatalf("row 3's v on B = %q, want NULL (empty)", v)
	}
}

// TestApplyIsIdempotent checks that applying the same change twice has the
// same effect as applying it once.
func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	createKV(t, a)
	execDML(t, a, `INSERT INTO kv (id, v) VALUES (1, 'a')`)
	rows := pullAll(t, a)

	b := newReplica(t)
	createKV(t, b)
	applyAll(t, b, rows)

	v, ok := readV(t, b, 1)
	if !ok || v != "a" {
		t.Fatalf("readV after first apply = (%q, %v), want (a, true)", v, ok)
	}

	// Re-apply the identical change within one transaction: it ties the
	// already-merged clock row exactly (same db_version/seq/site_id), so
	// with merge-equal-values off (the default) it must be dropped rather
	// than impact a second row.
	b.activate(t)
	tables, err := ListCRRTables(ctx, b.db)
	if err != nil {
		t.Fatalf("ListCRRTables: %v", err)
	}
	byName := make(map[string]*model.TableInfo, len(tables))
	for _, ti := range tables {
		byName[ti.Name] = ti
	}
	tx, err := b.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, c := range rows {
		if err := Apply(ctx, tx, b.st, byName, c); err != nil {
			t.Fatalf("re-apply: %v", err)
		}
	}
	if got := b.st.RowsImpacted(); got != 0 {
		t.Fatalf("rows_impacted re-applying an already-merged change = %d, want 0 (equal-version merge dropped)", got)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, ok = readV(t, b, 1)
	if !ok || v != "a" {
		t.Fatalf("readV after re-apply = (%q, %v), want unchanged (a, true)", v, ok)
	}
}

// TestNoChangeNoDelta checks that an UPDATE setting a column to its
// existing value (under IS) does not create a new clock row.
func TestNoChangeNoDelta(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)
	execDML(t, r, `INSERT INTO kv (id, v) VALUES (1, 'a')`)
	var before int64
	if err := r.db.QueryRowContext(ctx, `SELECT "__crsql_col_version" FROM "kv__crsql_clock" WHERE id = 1 AND "__crsql_col_name" = 'v'`).Scan(&before); err != nil {
		t.Fatalf("read col_version: %v", err)
	}

	execDML(t, r, `UPDATE kv SET v = 'a' WHERE id = 1`)

	var after int64
	if err := r.db.QueryRowContext(ctx, `SELECT "__crsql_col_version" FROM "kv__crsql_clock" WHERE id = 1 AND "__crsql_col_name" = 'v'`).Scan(&after); err != nil {
		t.Fatalf("read col_version after no-op update: %v", err)
	}
	if after != before {
		t.Fatalf("col_version after a same-value update = %d, want unchanged %d", after, before)
	}
}

// TestChangesOrderedByDBVersionThenSeq checks that the changes stream is
// strictly ordered by (db_version, seq).
func TestChangesOrderedByDBVersionThenSeq(t *testing.T) {
	r := newReplica(t)
	createKV(t, r)
	for i := 1; i <= 3; i++ {
		execDML(t, r, `INSERT INTO kv (id, v) VALUES (?, ?)`, i, "x")
	}
	rows := pullAll(t, r)
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if cur.DBVersion < prev.DBVersion || (cur.DBVersion == prev.DBVersion && cur.Seq <= prev.Seq) {
			t.Fatalf("changes not strictly increasing at index %d: prev=(%d,%d) cur=(%d,%d)",
				i, prev.DBVersion, prev.Seq, cur.DBVersion, cur.Seq)
		}
	}
}

// TestApplyRejectsChangeAgainstNonCRRTable checks that Apply reports
// ErrUnknownTable for a change naming a table that exists but was never
// turned into a CRR, instead of failing on the missing clock table's raw
// SQL error.
func TestApplyRejectsChangeAgainstNonCRRTable(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	r.activate(t)
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE plain (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create plain: %v", err)
	}

	tx, err := r.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := model.ChangeRow{
		Table:      "plain",
		PK:         "1",
		CID:        "v",
		Val:        model.TextValue("x"),
		ColVersion: 1,
		DBVersion:  1,
		SiteID:     []byte{1, 2, 3, 4},
	}
	err = Apply(ctx, tx, r.st, map[string]*model.TableInfo{}, c)
	if !errors.Is(err, model.ErrUnknownTable) {
		t.Fatalf("Apply against a non-CRR table: err = %v, want errors.Is(err, model.ErrUnknownTable)", err)
	}
}

// TestApplyRejectsChangeAgainstUnknownTable checks that Apply reports
// ErrUnknownTable for a change naming a table that doesn't exist at all.
func TestApplyRejectsChangeAgainstUnknownTable(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)

	tx, err := r.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := model.ChangeRow{
		Table:      "nonexistent",
		PK:         "1",
		CID:        "v",
		Val:        model.TextValue("x"),
		ColVersion: 1,
		DBVersion:  1,
		SiteID:     []byte{1, 2, 3, 4},
	}
	err = Apply(ctx, tx, r.st, map[string]*model.TableInfo{}, c)
	if !errors.Is(err, model.ErrUnknownTable) {
		t.Fatalf("Apply against a nonexistent table: err = %v, want errors.Is(err, model.ErrUnknownTable)", err)
	}
}

// TestApplyRejectsChangeMissingSiteID checks that Apply reports ErrMisuse
// for an incoming change that doesn't carry the origin's site id.
func TestApplyRejectsChangeMissingSiteID(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)

	tx, err := r.st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := model.ChangeRow{
		Table:      "kv",
		PK:         "1",
		CID:        "v",
		Val:        model.TextValue("x"),
		ColVersion: 1,
		DBVersion:  1,
	}
	err = Apply(ctx, tx, r.st, map[string]*model.TableInfo{}, c)
	if !errors.Is(err, model.ErrMisuse) {
		t.Fatalf("Apply with no site id: err = %v, want errors.Is(err, model.ErrMisuse)", err)
	}
}

// TestSiteIDSelfExclusion checks that filtering on site_id IS NOT NULL
// excludes the requester's own writes (stored with a NULL site_id) from
// the stream.
func TestSiteIDSelfExclusion(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t)
	createKV(t, r)
	execDML(t, r, `INSERT INTO kv (id, v) VALUES (1, 'a')`)

	tables, err := ListCRRTables(ctx, r.db)
	if err != nil {
		t.Fatalf("ListCRRTables: %v", err)
	}
	plan := PlanIndex([]Constraint{{Column: ColSiteID, Op: OpIsNotNull}})
	cur, err := Query(ctx, r.db, tables, Filter{Plan: plan})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer cur.Close()
	if cur.Next(ctx) {
		t.Fatalf("site_id IS NOT NULL query returned a row for a purely local write: %+v", cur.Row())
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
}
