package ledger

import (
	"fmt"
	"strings"
)

// =============================================================================
// TABLE - Immutable column-ordered rows
// =============================================================================

// Table is a loaded spreadsheet: ordered column names and rows of Values.
//
// INVARIANTS:
//   - Column names are unique and non-empty (Builder enforces this).
//   - Every row has exactly len(Columns) cells.
//   - A Table is never modified after Builder.Table(); Filter, WithColumn,
//     Rename and Select return new Tables. Row slices may be shared between
//     Tables because nobody writes to them.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]Value
}

// Columns returns a copy of the column names in order.
func (t Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Has reports whether column exists.
func (t Table) Has(column string) bool {
	_, ok := t.index[column]
	return ok
}

// ColumnIndex returns the position of column.
func (t Table) ColumnIndex(column string) (int, bool) {
	i, ok := t.index[column]
	return i, ok
}

func (t Table) Len() int    { return len(t.rows) }
func (t Table) Width() int  { return len(t.columns) }
func (t Table) Empty() bool { return len(t.rows) == 0 }

// Value returns the cell at row/column; Null for an unknown column.
func (t Table) Value(row int, column string) Value {
	i, ok := t.index[column]
	if !ok {
		return Value{}
	}
	return t.rows[row][i]
}

// At returns the cell at row/column index.
func (t Table) At(row, col int) Value {
	return t.rows[row][col]
}

// Record returns row i keyed by column name.
func (t Table) Record(i int) map[string]Value {
	rec := make(map[string]Value, len(t.columns))
	for j, c := range t.columns {
		rec[c] = t.rows[i][j]
	}
	return rec
}

// Row returns a copy of row i.
func (t Table) Row(i int) []Value {
	out := make([]Value, len(t.rows[i]))
	copy(out, t.rows[i])
	return out
}

// Filter returns the rows for which keep returns true.
func (t Table) Filter(keep func(i int) bool) Table {
	rows := make([][]Value, 0, len(t.rows))
	for i, r := range t.rows {
		if keep(i) {
			rows = append(rows, r)
		}
	}
	return Table{columns: t.columns, index: t.index, rows: rows}
}

// WithColumn returns a table with column set from fn, appended when new and
// replaced in place when it already exists.
func (t Table) WithColumn(column string, fn func(i int) Value) Table {
	pos, exists := t.index[column]
	columns := t.columns
	index := t.index
	if !exists {
		columns = append(append(make([]string, 0, len(t.columns)+1), t.columns...), column)
		index = indexOf(columns)
		pos = len(columns) - 1
	}
	rows := make([][]Value, len(t.rows))
	for i, r := range t.rows {
		nr := make([]Value, len(columns))
		copy(nr, r)
		nr[pos] = fn(i)
		rows[i] = nr
	}
	return Table{columns: columns, index: index, rows: rows}
}

// Rename returns a table with column from renamed to to. Renaming onto an
// existing column is an error.
func (t Table) Rename(from, to string) (Table, error) {
	i, ok := t.index[from]
	if !ok {
		return Table{}, fmt.Errorf("rename: unknown column %q", from)
	}
	if from == to {
		return t, nil
	}
	if _, clash := t.index[to]; clash {
		return Table{}, fmt.Errorf("rename: column %q already exists", to)
	}
	columns := t.Columns()
	columns[i] = to
	return Table{columns: columns, index: indexOf(columns), rows: t.rows}, nil
}

// Select returns a table with exactly columns, in that order. Columns not
// present in t are filled with Null.
func (t Table) Select(columns ...string) Table {
	b := NewBuilder(columns...)
	for _, r := range t.rows {
		row := make([]Value, len(b.columns))
		for j, c := range b.columns {
			if src, ok := t.index[c]; ok {
				row[j] = r[src]
			}
		}
		b.rows = append(b.rows, row)
	}
	return b.Table()
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder accumulates rows for a new Table.
type Builder struct {
	columns []string
	index   map[string]int
	rows    [][]Value
}

// NewBuilder starts a table with the given header. Blank headers become
// "Unnamed: N" and repeated headers get ".1", ".2" suffixes, the same way
// spreadsheet readers disambiguate them.
func NewBuilder(columns ...string) *Builder {
	cols := make([]string, len(columns))
	seen := make(map[string]int, len(columns))
	for i, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" {
			c = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[c]; dup {
			seen[c] = n + 1
			c = fmt.Sprintf("%s.%d", c, n+1)
		} else {
			seen[c] = 0
		}
		cols[i] = c
	}
	return &Builder{columns: cols, index: indexOf(cols)}
}

// Append adds a row. Short rows are padded with Null, long rows truncated.
func (b *Builder) Append(values ...Value) *Builder {
	row := make([]Value, len(b.columns))
	copy(row, values)
	b.rows = append(b.rows, row)
	return b
}

// AppendRecord adds a row from a column-keyed map; unknown keys are ignored.
func (b *Builder) AppendRecord(rec map[string]Value) *Builder {
	row := make([]Value, len(b.columns))
	for c, v := range rec {
		if i, ok := b.index[c]; ok {
			row[i] = v
		}
	}
	b.rows = append(b.rows, row)
	return b
}

// Len returns the number of rows appended so far.
func (b *Builder) Len() int { return len(b.rows) }

// Table returns the built table.
func (b *Builder) Table() Table {
	rows := b.rows[:len(b.rows):len(b.rows)]
	return Table{columns: b.columns, index: b.index, rows: rows}
}

func indexOf(columns []string) map[string]int {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return idx
}
