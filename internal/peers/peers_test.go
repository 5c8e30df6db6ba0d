package peers

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := Ensure(context.Background(), db); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return db
}

func TestGetAbsent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, ok, err := Get(ctx, db, []byte{1, 2, 3}, 0, EventReceive)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get found a watermark for a peer never seen")
	}
}

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	site := []byte{9, 9, 9}

	if err := Set(ctx, db, Watermark{SiteID: site, Version: 10, Seq: 2, Tag: 0, Event: EventReceive}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := Get(ctx, db, site, 0, EventReceive)
	if err != nil || !ok {
		t.Fatalf("Get = (%+v, %v, %v)", got, ok, err)
	}
	if got.Version != 10 || got.Seq != 2 {
		t.Fatalf("Get = %+v, want Version=10 Seq=2", got)
	}

	if err := Set(ctx, db, Watermark{SiteID: site, Version: 15, Seq: 0, Tag: 0, Event: EventReceive}); err != nil {
		t.Fatalf("Set (advance): %v", err)
	}
	got, ok, err = Get(ctx, db, site, 0, EventReceive)
	if err != nil || !ok || got.Version != 15 {
		t.Fatalf("Get after advance = (%+v, %v, %v), want Version=15", got, ok, err)
	}
}

func TestDistinctEventsDontCollide(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	site := []byte{1}

	if err := Set(ctx, db, Watermark{SiteID: site, Version: 5, Tag: 0, Event: EventReceive}); err != nil {
		t.Fatalf("Set receive: %v", err)
	}
	if err := Set(ctx, db, Watermark{SiteID: site, Version: 7, Tag: 0, Event: EventSend}); err != nil {
		t.Fatalf("Set send: %v", err)
	}
	recv, _, err := Get(ctx, db, site, 0, EventReceive)
	if err != nil {
		t.Fatalf("Get receive: %v", err)
	}
	send, _, err := Get(ctx, db, site, 0, EventSend)
	if err != nil {
		t.Fatalf("Get send: %v", err)
	}
	if recv.Version != 5 || send.Version != 7 {
		t.Fatalf("recv=%+v send=%+v, want independent watermarks per event", recv, send)
	}
}

func TestListOrdersBySiteID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for _, site := range [][]byte{{3}, {1}, {2}} {
		if err := Set(ctx, db, Watermark{SiteID: site, Version: 1}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	list, err := List(ctx, db)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].SiteID[0] != 1 || list[1].SiteID[0] != 2 || list[2].SiteID[0] != 3 {
		t.Fatalf("List = %+v, want site ids in ascending order", list)
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	site := []byte{4}
	if err := Set(ctx, db, Watermark{SiteID: site, Version: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Forget(ctx, db, site, 0, EventReceive); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	_, ok, err := Get(ctx, db, site, 0, EventReceive)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get found a watermark after Forget")
	}
}
