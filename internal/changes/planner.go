// Package changes implements the changes stream: a planner + cursor over
// the read path (a UNION ALL across every clock table), and the merge
// algorithm for the write path. This is exposed as a Go library API
// (Query/Apply) rather than a SQLite loadable-extension virtual-table
// module, since modernc.org/sqlite does not expose that C ABI surface to
// Go callers.
package changes

import (
	"fmt"
	"math"
)

// Operator is one of the comparison operators the planner can fold into a
// WHERE fragment.
type Operator string

const (
	OpEQ        Operator = "="
	OpNE        Operator = "!="
	OpLT        Operator = "<"
	OpLE        Operator = "<="
	OpGT        Operator = ">"
	OpGE        Operator = ">="
	OpIs        Operator = "IS"
	OpIsNot     Operator = "IS NOT"
	OpIsNull    Operator = "IS NULL"
	OpIsNotNull Operator = "IS NOT NULL"
	OpLike      Operator = "LIKE"
	OpGlob      Operator = "GLOB"
	OpMatch     Operator = "MATCH"
	OpRegexp    Operator = "REGEXP"
)

// unary reports whether op takes no bound argument.
func (op Operator) unary() bool {
	return op == OpIsNull || op == OpIsNotNull
}

// DeclaredColumn is one of the changes table's declared columns: table, pk,
// cid, val, col_version, db_version, site_id, seq.
type DeclaredColumn string

const (
	ColTable      DeclaredColumn = "table"
	ColPK         DeclaredColumn = "pk"
	ColCID        DeclaredColumn = "cid"
	ColVal        DeclaredColumn = "val"
	ColColVersion DeclaredColumn = "col_version"
	ColDBVersion  DeclaredColumn = "db_version"
	ColSiteID     DeclaredColumn = "site_id"
	ColSeq        DeclaredColumn = "seq" // hidden
)

// clockColumn maps a declared, eligible column to the physical clock-table
// column it folds into.
var clockColumn = map[DeclaredColumn]string{
	ColCID:        `"__crsql_col_name"`,
	ColColVersion: `"__crsql_col_version"`,
	ColDBVersion:  `"__crsql_db_version"`,
	ColSiteID:     `"__crsql_site_id"`,
}

// eligible reports whether the planner may fold a predicate on col into
// the WHERE fragment. table/pk/val/seq are rejected but must not error —
// the caller simply re-checks them after the row is produced.
func eligible(col DeclaredColumn) bool {
	_, ok := clockColumn[col]
	return ok
}

// Constraint is one usable predicate the caller's query planner observed
// on the changes table (the Go-library equivalent of a BestIndex
// constraint).
type Constraint struct {
	Column DeclaredColumn
	Op     Operator
}

// Plan is the result of folding a constraint set into SQL, mirroring
// best_index's idxStr/idxNum/estimated-rows outputs.
type Plan struct {
	Where         string // WHERE fragment, args in the order listed below
	ArgColumns    []DeclaredColumn
	HasDBVersion  bool
	HasSiteID     bool
	EstimatedRows int64
}

// IdxNum packs HasDBVersion/HasSiteID into a bit1/bit2 layout, mirroring
// the idxNum a SQLite virtual-table best_index would return.
func (p Plan) IdxNum() int {
	n := 0
	if p.HasDBVersion {
		n |= 1
	}
	if p.HasSiteID {
		n |= 2
	}
	return n
}

// PlanIndex folds the usable subset of constraints into a single WHERE
// fragment, in the order given (argv order must match fragment-append
// order).
func PlanIndex(constraints []Constraint) Plan {
	var frags []string
	var argCols []DeclaredColumn
	hasDBV, hasSite := false, false

	for _, c := range constraints {
		if !eligible(c.Column) {
			continue
		}
		col := clockColumn[c.Column]
		if c.Op.unary() {
			frags = append(frags, fmt.Sprintf("%s %s", col, c.Op))
		} else {
			frags = append(frags, fmt.Sprintf("%s %s ?", col, c.Op))
			argCols = append(argCols, c.Column)
		}
		switch c.Column {
		case ColDBVersion:
			hasDBV = true
		case ColSiteID:
			hasSite = true
		}
	}

	where := "1"
	if len(frags) > 0 {
		where = joinAnd(frags)
	}

	rows := int64(math.MaxInt32)
	switch {
	case hasDBV && hasSite:
		rows = 1
	case hasDBV:
		rows = 10
	}

	return Plan{Where: where, ArgColumns: argCols, HasDBVersion: hasDBV, HasSiteID: hasSite, EstimatedRows: rows}
}

func joinAnd(frags []string) string {
	out := frags[0]
	for _, f := range frags[1:] {
		out += " AND " + f
	}
	return out
}
