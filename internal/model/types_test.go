package model

import "testing"

func TestRowTypeForCID(t *testing.T) {
	cases := map[string]RowType{
		SentinelDelete: RowDelete,
		SentinelPKOnly: RowPKOnly,
		"title":        RowUpdate,
	}
	for cid, want := range cases {
		if got := RowTypeForCID(cid); got != want {
			t.Errorf("RowTypeForCID(%q) = %v, want %v", cid, got, want)
		}
	}
}

func TestValueRoundTripsThroughAny(t *testing.T) {
	cases := []Value{
		NullValue(),
		IntegerValue(42),
		RealValue(3.5),
		TextValue("hello"),
		BlobValue([]byte{1, 2, 3}),
	}
	for _, v := range cases {
		got := ValueFromAny(v.Any())
		if got.kind != v.kind {
			t.Errorf("ValueFromAny(%v.Any()) kind = %v, want %v", v, got.kind, v.kind)
		}
	}
}

func TestValueFromAnyNil(t *testing.T) {
	v := ValueFromAny(nil)
	if !v.Null {
		t.Fatalf("ValueFromAny(nil).Null = false, want true")
	}
}

func TestTableInfoClockTableNameAndAllColumns(t *testing.T) {
	ti := TableInfo{
		Name:   "todos",
		PKs:    []ColumnInfo{{Name: "id"}},
		NonPKs: []ColumnInfo{{Name: "title"}, {Name: "done"}},
	}
	if got, want := ti.ClockTableName(), "todos__crsql_clock"; got != want {
		t.Errorf("ClockTableName() = %q, want %q", got, want)
	}
	all := ti.AllColumns()
	if len(all) != 3 || all[0].Name != "id" || all[1].Name != "title" || all[2].Name != "done" {
		t.Errorf("AllColumns() = %+v, want pk-then-nonpk order", all)
	}
}

func TestChangeRowRowType(t *testing.T) {
	c := ChangeRow{CID: SentinelDelete}
	if c.RowType() != RowDelete {
		t.Errorf("ChangeRow{CID: SentinelDelete}.RowType() = %v, want RowDelete", c.RowType())
	}
}
