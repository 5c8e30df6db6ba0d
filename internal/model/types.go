// Package model holds the shared types and sentinel errors used across the
// crsqlite packages: table reflection results, clock-table row shapes, and
// the change-record representation exchanged between replicas.
package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers compare with errors.Is; wrapping call sites add
// context with fmt.Errorf("...: %w", err).
var (
	ErrSchema             = errors.New("schema error")
	ErrIncompatibleSchema = errors.New("incompatible schema")
	ErrUnknownTable       = errors.New("unknown table")
	ErrMisuse             = errors.New("misuse")
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate")
)

// SchemaError carries the table and the specific reason a table failed
// reflection or CRR-compatibility validation.
type SchemaError struct {
	Table  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: table %q: %s", e.Table, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// ColumnInfo describes one column of a reflected table, as read from
// PRAGMA table_info.
type ColumnInfo struct {
	CID       int
	Name      string
	DeclType  string
	NotNull   bool
	PKOrdinal int // 0 if not part of the primary key, else 1-based position
	DfltValue *string
}

// IndexInfo describes one index of a reflected table, as read from
// PRAGMA index_list / PRAGMA index_info.
type IndexInfo struct {
	Name        string
	Unique      bool
	Origin      string // "c" (CREATE INDEX), "u" (UNIQUE constraint), "pk"
	Partial     bool
	IndexedCols []string
}

// TableInfo is the normalized description produced by the table-info
// reflector: primary-key columns sorted by pk-ordinal, followed by the
// non-pk columns and any indices.
type TableInfo struct {
	Schema  string
	Name    string
	PKs     []ColumnInfo
	NonPKs  []ColumnInfo
	Indices []IndexInfo
}

// ClockTableName is the shadow table created for a CRR.
func (t TableInfo) ClockTableName() string {
	return t.Name + "__crsql_clock"
}

// AllColumns returns pk columns followed by non-pk columns, in that order.
func (t TableInfo) AllColumns() []ColumnInfo {
	out := make([]ColumnInfo, 0, len(t.PKs)+len(t.NonPKs))
	out = append(out, t.PKs...)
	out = append(out, t.NonPKs...)
	return out
}

// Sentinel clock column-name values (bit-exact, case-sensitive).
const (
	SentinelDelete = "__crsql_del"
	SentinelPKOnly = "__crsql_pko"
)

// RowType classifies a row observed on the changes read/write path.
type RowType int

const (
	RowUpdate RowType = iota
	RowDelete
	RowPKOnly
)

// RowTypeForCID maps a clock column-name to its RowType.
func RowTypeForCID(cid string) RowType {
	switch cid {
	case SentinelDelete:
		return RowDelete
	case SentinelPKOnly:
		return RowPKOnly
	default:
		return RowUpdate
	}
}

// Value is a polymorphic cell value, mirroring SQLite's dynamic typing.
// Exactly one of the typed fields is meaningful; Null means no other field
// applies.
type Value struct {
	Null    bool
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
	kind    valueKind
}

type valueKind int

const (
	kindNull valueKind = iota
	kindInteger
	kindReal
	kindText
	kindBlob
)

func NullValue() Value           { return Value{Null: true, kind: kindNull} }
func IntegerValue(v int64) Value { return Value{Integer: v, kind: kindInteger} }
func RealValue(v float64) Value  { return Value{Real: v, kind: kindReal} }
func TextValue(v string) Value   { return Value{Text: v, kind: kindText} }
func BlobValue(v []byte) Value   { return Value{Blob: v, kind: kindBlob} }

// Any returns the value boxed for use as a database/sql driver argument.
func (v Value) Any() any {
	switch v.kind {
	case kindInteger:
		return v.Integer
	case kindReal:
		return v.Real
	case kindText:
		return v.Text
	case kindBlob:
		return v.Blob
	default:
		return nil
	}
}

// ValueFromAny boxes a value returned by database/sql scanning into ANY
// (interface{}) back into the tagged Value representation.
func ValueFromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case int64:
		return IntegerValue(t)
	case float64:
		return RealValue(t)
	case string:
		return TextValue(t)
	case []byte:
		return BlobValue(t)
	default:
		return TextValue(fmt.Sprintf("%v", t))
	}
}

// ChangeRow is the declared row shape of the changes stream: table, pk,
// cid, val, col_version, db_version, site_id, seq.
type ChangeRow struct {
	Table      string
	PK         string // pipe-joined, quote()-encoded pk values
	CID        string
	Val        Value
	ColVersion int64
	DBVersion  int64
	SiteID     []byte // nil means "local site"
	Seq        int64
}

func (c ChangeRow) RowType() RowType { return RowTypeForCID(c.CID) }
