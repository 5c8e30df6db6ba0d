// Package testutil provides the scratch-database fixture shared by this
// repo's package tests: an in-memory replica with the master table and
// UDFs already installed, torn down automatically via t.Cleanup.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/crsqlite-go/crsqlite/internal/state"
	"github.com/crsqlite-go/crsqlite/internal/udf"
)

// NewState opens a fresh in-memory database with the crsql_* scalar
// functions available and the master table installed, and returns the
// ready state along with the raw *sql.DB for DDL setup. Registration
// happens before sql.Open: the driver applies its process-global function
// registry when a connection is created, so a later registration would be
// invisible to this test's single pinned connection. Binding is per
// replica — every NewState call re-points the registered functions at the
// fresh state, which is fine for tests that drive one replica at a time.
func NewState(t *testing.T) (*state.State, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	if err := udf.EnsureRegistered(); err != nil {
		t.Fatalf("register udfs: %v", err)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := state.Open(ctx, db)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	udf.Bind(st)
	return st, db
}

// CreateTable runs ddl against db and fails the test on error.
func CreateTable(t *testing.T, db *sql.DB, ddl string) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), ddl); err != nil {
		t.Fatalf("create table: %v", err)
	}
}
