/*
results.go - The reconciled per-unit ledger

PURPOSE:
  Results is the persisted output of reconciliation: one row per
  requisitioned unit (厂家箱号 / unit code), enriched with the PMS project
  display name and, once an operator measures it, the consumed quantity.

CRITICAL INVARIANTS:
  1. FIXED SCHEMA: exactly ResultColumns, in that order, on every load and
     every save. Legacy files are reindexed (ResultsFromTable).
  2. UNIQUE UNIT: at most one row per non-empty unit code.
  3. COPY-ON-WRITE: WithConsumed/Append return a new Results. A Results
     held by the cache is never modified, so concurrent readers are safe.

SEE ALSO:
  - reconcile/engine.go: builds ResultRows from the PMS x SSCM join
  - usage/recorder.go: sets consumed quantity / appends units
  - store/persister.go: writes Table() to both formats
*/
package ledger

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Canonical results columns.
const (
	ColProjectCode = "project_code"
	ColProjectName = "project_name"
	ColTaskName    = "task_name"
	ColMaterial    = "material_description"
	ColRequested   = "requested_quantity"
	ColCreated     = "creation_date"
	ColUnitCode    = "unit_code"
	ColConsumed    = "consumed_quantity"
)

// ResultColumns is the fixed column order of the results ledger.
var ResultColumns = []string{
	ColProjectCode, ColProjectName, ColTaskName, ColMaterial,
	ColRequested, ColCreated, ColUnitCode, ColConsumed,
}

// legacyHeaders maps headers written by earlier versions of the results
// workbook to canonical columns.
var legacyHeaders = map[string]string{
	"项目编码":      ColProjectCode,
	"项目名称":      ColProjectName,
	"任务名称":      ColTaskName,
	"物料/组合物料描述": ColMaterial,
	"申领数量":      ColRequested,
	"创建日期":      ColCreated,
	"厂家箱号":      ColUnitCode,
	"使用数量":      ColConsumed,
}

// =============================================================================
// RESULT ROW
// =============================================================================

// ResultRow is one reconciled unit.
type ResultRow struct {
	ProjectCode string              // SSCM project identifier, raw
	ProjectName string              // PMS project display name
	TaskName    string              // PMS task / site name
	Material    string              // material description
	Requested   decimal.NullDecimal // requisitioned quantity
	CreatedAt   time.Time           // zero when unknown
	UnitCode    string              // serial / box code, ledger key
	Consumed    decimal.NullDecimal // null until measured
}

// Values returns the row in ResultColumns order.
func (r ResultRow) Values() []Value {
	return []Value{
		TextValue(r.ProjectCode),
		TextValue(r.ProjectName),
		TextValue(r.TaskName),
		TextValue(r.Material),
		NullableNumber(r.Requested),
		DateValue(r.CreatedAt),
		TextValue(r.UnitCode),
		NullableNumber(r.Consumed),
	}
}

// SortByCreated sorts rows ascending by creation date, unknown dates last.
// The sort is stable so equal dates keep their source order.
func SortByCreated(rows []ResultRow) {
	slices.SortStableFunc(rows, func(a, b ResultRow) int {
		return CompareDates(a.CreatedAt, b.CreatedAt)
	})
}

// =============================================================================
// RESULTS - Copy-on-write ledger
// =============================================================================

type Results struct {
	rows  []ResultRow
	index map[string]int // unit code -> row
}

// NewResults builds a ledger from rows. A row repeating an earlier unit code
// is dropped; the number dropped is returned.
func NewResults(rows []ResultRow) (Results, int) {
	out := Results{
		rows:  make([]ResultRow, 0, len(rows)),
		index: make(map[string]int, len(rows)),
	}
	dropped := 0
	for _, r := range rows {
		r.UnitCode = strings.TrimSpace(r.UnitCode)
		if r.UnitCode != "" {
			if _, dup := out.index[r.UnitCode]; dup {
				dropped++
				continue
			}
			out.index[r.UnitCode] = len(out.rows)
		}
		out.rows = append(out.rows, r)
	}
	return out, dropped
}

func (r Results) Len() int    { return len(r.rows) }
func (r Results) Empty() bool { return len(r.rows) == 0 }

// Row returns row i.
func (r Results) Row(i int) ResultRow { return r.rows[i] }

// Rows returns a copy of all rows.
func (r Results) Rows() []ResultRow {
	return slices.Clone(r.rows)
}

// Has reports whether unit code is in the ledger.
func (r Results) Has(unitCode string) bool {
	_, ok := r.index[strings.TrimSpace(unitCode)]
	return ok
}

// Find returns the row for unit code.
func (r Results) Find(unitCode string) (ResultRow, bool) {
	i, ok := r.index[strings.TrimSpace(unitCode)]
	if !ok {
		return ResultRow{}, false
	}
	return r.rows[i], true
}

// WithConsumed returns a ledger where unit code's consumed quantity is q.
// No other field changes. ok is false when the unit is unknown.
func (r Results) WithConsumed(unitCode string, q decimal.Decimal) (Results, bool) {
	i, ok := r.index[strings.TrimSpace(unitCode)]
	if !ok {
		return r, false
	}
	rows := slices.Clone(r.rows)
	rows[i].Consumed = decimal.NewNullDecimal(q)
	return Results{rows: rows, index: r.index}, true
}

// Append returns a ledger with rows added at the end. Any row whose unit code
// is already present (or repeated within rows) fails with ErrDuplicateUnit.
func (r Results) Append(rows ...ResultRow) (Results, error) {
	next := Results{
		rows:  make([]ResultRow, len(r.rows), len(r.rows)+len(rows)),
		index: make(map[string]int, len(r.index)+len(rows)),
	}
	copy(next.rows, r.rows)
	for k, v := range r.index {
		next.index[k] = v
	}
	for _, row := range rows {
		row.UnitCode = strings.TrimSpace(row.UnitCode)
		if row.UnitCode != "" {
			if _, dup := next.index[row.UnitCode]; dup {
				return r, fmt.Errorf("%w: %s", ErrDuplicateUnit, row.UnitCode)
			}
			next.index[row.UnitCode] = len(next.rows)
		}
		next.rows = append(next.rows, row)
	}
	return next, nil
}

// Table renders the ledger with exactly ResultColumns.
func (r Results) Table() Table {
	b := NewBuilder(ResultColumns...)
	for _, row := range r.rows {
		b.Append(row.Values()...)
	}
	return b.Table()
}

// ResultsFromTable reindexes t to the canonical schema: legacy headers are
// renamed, a missing project_code (or any other canonical column) is filled
// with Null, extra columns are dropped, and quantity/date cells are coerced.
// It returns the number of rows dropped for repeating a unit code.
func ResultsFromTable(t Table) (Results, int) {
	for legacy, canonical := range legacyHeaders {
		if t.Has(legacy) && !t.Has(canonical) {
			if renamed, err := t.Rename(legacy, canonical); err == nil {
				t = renamed
			}
		}
	}
	t = t.Select(ResultColumns...)

	rows := make([]ResultRow, t.Len())
	for i := range rows {
		created, _ := t.At(i, 5).Date()
		rows[i] = ResultRow{
			ProjectCode: t.At(i, 0).Key(),
			ProjectName: t.At(i, 1).Key(),
			TaskName:    t.At(i, 2).Key(),
			Material:    t.At(i, 3).Text(),
			Requested:   t.At(i, 4).NullDecimal(),
			CreatedAt:   created,
			UnitCode:    t.At(i, 6).Key(),
			Consumed:    t.At(i, 7).NullDecimal(),
		}
	}
	return NewResults(rows)
}
