package schema

import (
	"fmt"
	"strings"

	"github.com/crsqlite-go/crsqlite/internal/model"
	"github.com/crsqlite-go/crsqlite/internal/tableinfo"
)

// triggerNames returns the deterministic names used for the four
// change-capture triggers of T (insert, pk-preserving update, pk-changing
// update, delete), so stale ones from a prior install can be
// found and dropped before recreating them.
func triggerNames(ti *model.TableInfo) (insert, update, updatePKChanged, del string) {
	base := ti.Name
	return base + "__crsql_itrig", base + "__crsql_utrig", base + "__crsql_utrig_pkchange", base + "__crsql_dtrig"
}

func dropTriggersSQL(ti *model.TableInfo) []string {
	ins, upd, updPK, del := triggerNames(ti)
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, tableinfo.QuoteIdent(ins)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, tableinfo.QuoteIdent(upd)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, tableinfo.QuoteIdent(updPK)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, tableinfo.QuoteIdent(del)),
	}
}

const syncBitGuard = `crsql_internal_sync_bit() = 0`

// upsertColumnClockSQL builds one "SELECT ... WHERE <cond> ON CONFLICT ..."
// statement that records a single-column write into the clock table,
// bumping col_version off the pre-existing row when present:
// col_version = coalesce(old+1, 1).
func upsertColumnClockSQL(ti *model.TableInfo, newOrOld, col, cond string) string {
	pkNames := pkColumnNames(ti)
	clock := tableinfo.QuoteIdent(ti.ClockTableName())

	var selectPKs strings.Builder
	for _, pk := range pkNames {
		fmt.Fprintf(&selectPKs, "%s.%s, ", newOrOld, tableinfo.QuoteIdent(pk))
	}

	return fmt.Sprintf(`
INSERT INTO %s (%s, "__crsql_col_name", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq")
SELECT %s%s, 1, crsql_nextdbversion(), NULL, crsql_increment_and_get_seq()
WHERE %s
ON CONFLICT(%s) DO UPDATE SET
  "__crsql_col_version" = %s."__crsql_col_version" + 1,
  "__crsql_db_version" = excluded."__crsql_db_version",
  "__crsql_seq" = excluded."__crsql_seq",
  "__crsql_site_id" = NULL`,
		clock, columnListSQL(pkNames), selectPKs.String(), quoteLiteral(col), cond, clockConflictColumns(ti), clock)
}

func columnListSQL(pkNames []string) string {
	var b strings.Builder
	for _, n := range pkNames {
		fmt.Fprintf(&b, "%s, ", tableinfo.QuoteIdent(n))
	}
	return strings.TrimSuffix(b.String(), ", ")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// insertTriggerSQL builds the AFTER INSERT trigger: one upsert per non-pk
// column guarded by "NEW.col IS NOT NULL", plus a pk-only sentinel upsert
// guarded by every non-pk column being NULL.
func insertTriggerSQL(ti *model.TableInfo) string {
	name, _, _, _ := triggerNames(ti)
	var body strings.Builder
	for _, col := range ti.NonPKs {
		cond := fmt.Sprintf("NEW.%s IS NOT NULL", tableinfo.QuoteIdent(col.Name))
		body.WriteString(upsertColumnClockSQL(ti, "NEW", col.Name, cond))
		body.WriteString(";\n")
	}
	body.WriteString(upsertColumnClockSQL(ti, "NEW", model.SentinelPKOnly, allNullCond("NEW", ti.NonPKs)))
	body.WriteString(";\n")

	return fmt.Sprintf(`
CREATE TRIGGER %s
AFTER INSERT ON %s
WHEN %s
BEGIN
%s
END`, tableinfo.QuoteIdent(name), tableinfo.QuoteIdent(ti.Name), syncBitGuard, body.String())
}

func allNullCond(ref string, cols []model.ColumnInfo) string {
	if len(cols) == 0 {
		return "1"
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.%s IS NULL", ref, tableinfo.QuoteIdent(c.Name))
	}
	return strings.Join(parts, " AND ")
}

// updateTriggerSQL builds the two AFTER UPDATE triggers: one that handles
// ordinary column updates when the pk set is unchanged, and one that treats
// a pk change as delete-of-old + insert-of-new.
func updateTriggerSQL(ti *model.TableInfo) (unchanged, pkChanged string) {
	_, updName, updPKName, _ := triggerNames(ti)
	pkUnchangedCond := pkEqualCond(ti, "NEW", "OLD")

	var body strings.Builder
	for _, col := range ti.NonPKs {
		cond := fmt.Sprintf("NEW.%s IS NOT OLD.%s", tableinfo.QuoteIdent(col.Name), tableinfo.QuoteIdent(col.Name))
		body.WriteString(upsertColumnClockSQL(ti, "NEW", col.Name, cond))
		body.WriteString(";\n")
	}
	unchanged = fmt.Sprintf(`
CREATE TRIGGER %s
AFTER UPDATE ON %s
WHEN %s AND (%s)
BEGIN
%s
END`, tableinfo.QuoteIdent(updName), tableinfo.QuoteIdent(ti.Name), syncBitGuard, pkUnchangedCond, body.String())

	pkChanged = fmt.Sprintf(`
CREATE TRIGGER %s
AFTER UPDATE ON %s
WHEN %s AND NOT (%s)
BEGIN
%s
%s
END`, tableinfo.QuoteIdent(updPKName), tableinfo.QuoteIdent(ti.Name), syncBitGuard, pkUnchangedCond,
		deleteSentinelSQL(ti, "OLD"), insertAfterPKChangeSQL(ti))

	return unchanged, pkChanged
}

func pkEqualCond(ti *model.TableInfo, a, b string) string {
	parts := make([]string, len(ti.PKs))
	for i, pk := range ti.PKs {
		parts[i] = fmt.Sprintf("%s.%s IS %s.%s", a, tableinfo.QuoteIdent(pk.Name), b, tableinfo.QuoteIdent(pk.Name))
	}
	return strings.Join(parts, " AND ")
}

// deleteSentinelSQL builds the statement pair (clear + tombstone) the
// delete trigger and the pk-change update branch both use.
func deleteSentinelSQL(ti *model.TableInfo, ref string) string {
	pkNames := pkColumnNames(ti)
	clock := tableinfo.QuoteIdent(ti.ClockTableName())

	var wherePK strings.Builder
	for i, pk := range pkNames {
		if i > 0 {
			wherePK.WriteString(" AND ")
		}
		fmt.Fprintf(&wherePK, "%s = %s.%s", tableinfo.QuoteIdent(pk), ref, tableinfo.QuoteIdent(pk))
	}

	var values strings.Builder
	for _, pk := range pkNames {
		fmt.Fprintf(&values, "%s.%s, ", ref, tableinfo.QuoteIdent(pk))
	}

	return fmt.Sprintf(`DELETE FROM %s WHERE %s;
INSERT INTO %s (%s, "__crsql_col_name", "__crsql_col_version", "__crsql_db_version", "__crsql_site_id", "__crsql_seq")
VALUES (%s%s, 1, crsql_nextdbversion(), NULL, crsql_increment_and_get_seq());`,
		clock, wherePK.String(), clock, columnListSQL(pkNames), values.String(), quoteLiteral(model.SentinelDelete))
}

// insertAfterPKChangeSQL emits the new-identity half of a pk-changing
// update: one upsert per non-null NEW column, plus a pk-only sentinel if
// every non-pk column is NULL.
func insertAfterPKChangeSQL(ti *model.TableInfo) string {
	var b strings.Builder
	for _, col := range ti.NonPKs {
		cond := fmt.Sprintf("NEW.%s IS NOT NULL", tableinfo.QuoteIdent(col.Name))
		b.WriteString(upsertColumnClockSQL(ti, "NEW", col.Name, cond))
		b.WriteString(";\n")
	}
	b.WriteString(upsertColumnClockSQL(ti, "NEW", model.SentinelPKOnly, allNullCond("NEW", ti.NonPKs)))
	b.WriteString(";")
	return b.String()
}

// deleteTriggerSQL builds the AFTER DELETE trigger: a fresh __crsql_del
// sentinel replaces every other clock row for that pk.
func deleteTriggerSQL(ti *model.TableInfo) string {
	_, _, _, delName := triggerNames(ti)
	return fmt.Sprintf(`
CREATE TRIGGER %s
AFTER DELETE ON %s
WHEN %s
BEGIN
%s
END`, tableinfo.QuoteIdent(delName), tableinfo.QuoteIdent(ti.Name), syncBitGuard, deleteSentinelSQL(ti, "OLD"))
}
