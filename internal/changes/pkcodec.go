package changes

import (
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// pkEncodeExpr builds the SQL expression that produces the wire-format pk
// string: each pk column passed through SQL quote() and joined with '|'.
func pkEncodeExpr(ti *model.TableInfo) string {
	parts := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		parts[i] = fmt.Sprintf("quote(%s)", tableinfo.QuoteIdent(pk.Name))
	}
	return strings.Join(parts, ` || '|' || `)
}

// SplitPK decodes the pipe-joined, quote()-encoded pk string back into its
// individual SQL literal tokens (still quote()-encoded text, e.g. "'a'" or
// "X'ab'" or "3"). Splitting only occurs on '|' characters outside of a
// '...'-quoted span, since quote() only escapes embedded single quotes and
// leaves any literal '|' inside a text value untouched.
func SplitPK(encoded string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(encoded); i++ {
		ch := encoded[i]
		switch {
		case ch == '\'':
			cur.WriteByte(ch)
			if inQuote && i+1 < len(encoded) && encoded[i+1] == '\'' {
				// Escaped quote ('') — consume both and stay inside the span.
				cur.WriteByte(encoded[i+1])
				i++
				continue
			}
			inQuote = !inQuote
		case ch == '|' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	out = append(out, cur.String())
	return out
}

// pkWhereClause builds "pk1 = <literal1> AND pk2 = <literal2> ..." using
// the already quote()-encoded literals directly as SQL text (spec Design
// Notes: "always route literals through the host's quote()"), rather than
// re-parsing them into typed bind parameters.
func pkWhereClause(ti *model.TableInfo, literals []string) (string, error) {
	if len(literals) != len(ti.PKs) {
		return "", fmt.Errorf("changes: pk has %d components, table %q has %d pk columns", len(literals), ti.Name, len(ti.PKs))
	}
	parts := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		parts[i] = fmt.Sprintf("%s = %s", tableinfo.QuoteIdent(pk.Name), literals[i])
	}
	return strings.Join(parts, " AND "), nil
}
