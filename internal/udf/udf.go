// Package udf registers the scalar SQL functions exposed to trigger bodies
// and to callers driving a merge: crsql_siteid,
// crsql_dbversion, crsql_nextdbversion, crsql_increment_and_get_seq,
// crsql_get_seq, crsql_internal_sync_bit, crsql_rows_impacted and
// crsql_finalize.
//
// Every one of these reads or mutates purely in-memory state.State fields
// — none of them issue a nested query against the same connection, which
// matters because modernc.org/sqlite's callback runs while the triggering
// statement still holds the connection's single cursor. A function that
// tried to open its own *sql.Rows here would deadlock the same way a
// second *sql.DB-level call would inside an open transaction (see
// internal/state's Tx doc comment).
//
// crsql_as_crr, crsql_begin_alter and crsql_commit_alter are not
// registered here for that same reason: they are multi-statement
// operations that need the connection, and a scalar callback receives no
// handle to execute SQL through. Callers use the Go entry points
// (schema.AsCRR, schema.BeginAlter, schema.CommitAlter) instead.
//
// modernc.org/sqlite keeps one function registry per process, consulted
// when a physical connection is created, and rejects duplicate names. The
// crsql_* functions are therefore registered exactly once — before any
// database handle is opened — and dispatch through a rebindable pointer to
// whichever replica's state is currently active. A single-replica process
// binds once and forgets about it; tests that juggle several in-memory
// replicas rebind before driving each one.
package udf

import (
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	sqlite "modernc.org/sqlite"

	"github.com/crsqlite-go/crsqlite/internal/state"
)

var (
	bound        *state.State
	registerOnce sync.Once
	registerErr  error
)

// ErrNoStateBound is returned by any crsql_* function invoked before Bind.
var ErrNoStateBound = errors.New("udf: no extension state bound")

// EnsureRegistered installs the crsql_* functions into the driver's
// process-global registry, once. Call it before opening any database
// handle: functions registered later are absent from connections that
// already exist.
func EnsureRegistered() error {
	registerOnce.Do(func() { registerErr = registerAll() })
	return registerErr
}

// Bind points the registered functions at st. Only one replica's state can
// be active per process at a time; callers driving several (tests) rebind
// before each use.
func Bind(st *state.State) { bound = st }

// Register is the single-replica convenience: EnsureRegistered + Bind.
func Register(st *state.State) error {
	if err := EnsureRegistered(); err != nil {
		return err
	}
	Bind(st)
	return nil
}

func registerAll() error {
	// None of these are registered as deterministic: even crsql_siteid's
	// value changes when the binding is re-pointed at another replica, so
	// the query planner must never cache a result across calls.
	fns := []struct {
		name string
		fn   func(st *state.State) (driver.Value, error)
	}{
		{"crsql_siteid", func(st *state.State) (driver.Value, error) {
			id := st.SiteID()
			return id[:], nil
		}},
		{"crsql_dbversion", func(st *state.State) (driver.Value, error) {
			return st.DBVersion(), nil
		}},
		{"crsql_nextdbversion", func(st *state.State) (driver.Value, error) {
			return st.NextDBVersion(), nil
		}},
		{"crsql_increment_and_get_seq", func(st *state.State) (driver.Value, error) {
			return st.IncSeq(), nil
		}},
		{"crsql_get_seq", func(st *state.State) (driver.Value, error) {
			return st.Seq(), nil
		}},
		{"crsql_rows_impacted", func(st *state.State) (driver.Value, error) {
			return st.RowsImpacted(), nil
		}},
		{"crsql_finalize", func(st *state.State) (driver.Value, error) {
			if err := st.Finalize(); err != nil {
				return nil, err
			}
			return nil, nil
		}},
		{"crsql_siteid_str", func(st *state.State) (driver.Value, error) {
			id := st.SiteID()
			return hex.EncodeToString(id[:]), nil
		}},
	}

	for _, f := range fns {
		if err := sqlite.RegisterScalarFunction(f.name, 0, dispatch(f.fn)); err != nil {
			return fmt.Errorf("udf: register %s: %w", f.name, err)
		}
	}

	// crsql_internal_sync_bit takes an optional argument: with none it
	// reads the bit (the form every trigger WHEN-guard uses), with one it
	// sets the bit and returns the new value.
	err := sqlite.RegisterScalarFunction("crsql_internal_sync_bit", -1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		if bound == nil {
			return nil, ErrNoStateBound
		}
		switch len(args) {
		case 0:
		case 1:
			v, ok := args[0].(int64)
			if !ok {
				return nil, fmt.Errorf("udf: crsql_internal_sync_bit: want an integer argument, got %T", args[0])
			}
			bound.SetSyncBit(v != 0)
		default:
			return nil, fmt.Errorf("udf: crsql_internal_sync_bit: want 0 or 1 arguments, got %d", len(args))
		}
		if bound.SyncBit() {
			return int64(1), nil
		}
		return int64(0), nil
	})
	if err != nil {
		return fmt.Errorf("udf: register crsql_internal_sync_bit: %w", err)
	}
	return nil
}

// dispatch adapts a state accessor to the (ctx *sqlite.FunctionContext,
// args []driver.Value) signature modernc.org/sqlite requires, resolving the
// currently bound state at call time.
func dispatch(fn func(st *state.State) (driver.Value, error)) func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
		if bound == nil {
			return nil, ErrNoStateBound
		}
		return fn(bound)
	}
}
