/*
parquet.go - Columnar codec for ledger tables

PURPOSE:
  The columnar file is the fast path: loading a parquet file is an order of
  magnitude quicker than parsing the equivalent workbook, so every source
  is converted once and read from parquet afterwards.

SCHEMA (written):
  One optional top-level column per table column. The physical type is
  picked from the cells of the column:
    - every non-null cell a number  -> DOUBLE
    - every non-null cell a date    -> TIMESTAMP(MILLIS, UTC)
    - anything else (or all null)   -> BYTE_ARRAY (UTF8), cells as text

  Parquet group fields are stored in name order, so the original column
  order is kept in the key/value metadata under ColumnsKey.

SCHEMA (read):
  Files written by other tools are accepted as long as they are flat.
  Strings, integers, floats, booleans, DATE, TIMESTAMP (any unit) and
  legacy INT96 timestamps are understood. Nested columns are skipped.

SEE ALSO:
  - store/xlsx: the row-oriented twin
  - store/loader.go: prefers this format when both exist
*/
package parquet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	pq "github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/warp/cable-ledger/ledger"
)

// ColumnsKey is the metadata key holding the JSON list of column names in
// table order.
const ColumnsKey = "cable_ledger.columns"

const readBatch = 256

// =============================================================================
// READ
// =============================================================================

// ReadFile decodes the parquet file at path.
func ReadFile(path string) (ledger.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return ledger.Table{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return ledger.Table{}, err
	}
	return Read(f, st.Size())
}

// Read decodes a parquet file of the given size.
func Read(r io.ReaderAt, size int64) (ledger.Table, error) {
	file, err := pq.OpenFile(r, size)
	if err != nil {
		return ledger.Table{}, fmt.Errorf("open parquet: %w", err)
	}

	cols := leafColumns(file.Schema())
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	order := columnOrder(file, names)

	b := ledger.NewBuilder(order...)
	byLeaf := make(map[int]int, len(cols)) // leaf index -> position in cols
	for i, c := range cols {
		byLeaf[c.leaf] = i
	}
	pos := make([]int, len(cols)) // position in cols -> position in order
	for i, c := range cols {
		for j, name := range order {
			if name == c.name {
				pos[i] = j
			}
		}
	}

	buf := make([]pq.Row, readBatch)
	for _, rg := range file.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				vals := make([]ledger.Value, len(order))
				seen := make([]bool, len(cols))
				for _, v := range row {
					i, ok := byLeaf[v.Column()]
					if !ok || seen[i] {
						continue
					}
					seen[i] = true
					vals[pos[i]] = decode(v, cols[i])
				}
				b.Append(vals...)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return ledger.Table{}, fmt.Errorf("read rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return ledger.Table{}, err
		}
	}
	return b.Table(), nil
}

// columnOrder returns names in the order recorded in the file metadata, or
// file order when there is none (or it does not match).
func columnOrder(file *pq.File, names []string) []string {
	raw, ok := file.Lookup(ColumnsKey)
	if !ok {
		return names
	}
	var order []string
	if err := json.Unmarshal([]byte(raw), &order); err != nil || len(order) != len(names) {
		return names
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, n := range order {
		if !have[n] {
			return names
		}
	}
	return order
}

// valueKind says how a physical parquet value becomes a ledger.Value.
type valueKind int

const (
	asText valueKind = iota
	asInt
	asFloat
	asBool
	asDate      // INT32 days since epoch
	asTimestamp // INT64 in unit
	asInt96
)

type leafColumn struct {
	name string
	leaf int
	kind valueKind
	unit time.Duration
}

// leafColumns lists the flat top-level columns with their leaf index.
func leafColumns(schema *pq.Schema) []leafColumn {
	var out []leafColumn
	leaf := 0
	for _, field := range schema.Fields() {
		if !field.Leaf() {
			leaf += countLeaves(field)
			continue
		}
		c := leafColumn{name: field.Name(), leaf: leaf}
		c.kind, c.unit = kindOf(field.Type())
		out = append(out, c)
		leaf++
	}
	return out
}

func countLeaves(n pq.Node) int {
	if n.Leaf() {
		return 1
	}
	total := 0
	for _, f := range n.Fields() {
		total += countLeaves(f)
	}
	return total
}

func kindOf(t pq.Type) (valueKind, time.Duration) {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			switch {
			case lt.Timestamp.Unit.Nanos != nil:
				return asTimestamp, time.Nanosecond
			case lt.Timestamp.Unit.Micros != nil:
				return asTimestamp, time.Microsecond
			default:
				return asTimestamp, time.Millisecond
			}
		case lt.Date != nil:
			return asDate, 0
		}
	}
	switch t.Kind() {
	case pq.Boolean:
		return asBool, 0
	case pq.Int32, pq.Int64:
		return asInt, 0
	case pq.Float, pq.Double:
		return asFloat, 0
	case pq.Int96:
		return asInt96, 0
	default:
		return asText, 0
	}
}

func decode(v pq.Value, c leafColumn) ledger.Value {
	if v.IsNull() {
		return ledger.NullValue()
	}
	switch c.kind {
	case asInt:
		return ledger.NumberValue(decimal.NewFromInt(v.Int64()))
	case asFloat:
		f := v.Double()
		if v.Kind() == pq.Float {
			f = float64(v.Float())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ledger.NullValue()
		}
		return ledger.NumberValue(decimal.NewFromFloat(f))
	case asBool:
		if v.Boolean() {
			return ledger.TextValue("true")
		}
		return ledger.TextValue("false")
	case asDate:
		return ledger.DateValue(time.Unix(int64(v.Int32())*86400, 0))
	case asTimestamp:
		return ledger.DateValue(time.Unix(0, 0).Add(time.Duration(v.Int64()) * c.unit))
	case asInt96:
		return ledger.DateValue(fromInt96(v))
	default:
		return ledger.TextValue(string(v.ByteArray()))
	}
}

// fromInt96 converts a legacy impala timestamp: nanoseconds of day in the
// low 8 bytes, julian day in the high 4.
func fromInt96(v pq.Value) time.Time {
	i := v.Int96()
	nanos := int64(uint64(i[1])<<32 | uint64(i[0]))
	julian := int64(i[2])
	const unixJulianDay = 2440588
	return time.Unix((julian-unixJulianDay)*86400, nanos).UTC()
}

// =============================================================================
// WRITE
// =============================================================================

type columnType int

const (
	colText columnType = iota
	colNumber
	colDate
)

// typeOf picks the physical type for column j.
func typeOf(t ledger.Table, j int) columnType {
	kind := ledger.KindNull
	for i := 0; i < t.Len(); i++ {
		k := t.At(i, j).Kind()
		switch {
		case k == ledger.KindNull:
			continue
		case kind == ledger.KindNull:
			kind = k
		case kind != k:
			return colText
		}
	}
	switch kind {
	case ledger.KindNumber:
		return colNumber
	case ledger.KindDate:
		return colDate
	default:
		return colText
	}
}

// Encode renders t as a parquet file.
func Encode(t ledger.Table) ([]byte, error) {
	columns := t.Columns()
	types := make([]columnType, len(columns))
	group := make(pq.Group, len(columns))
	for j, name := range columns {
		types[j] = typeOf(t, j)
		switch types[j] {
		case colNumber:
			group[name] = pq.Optional(pq.Leaf(pq.DoubleType))
		case colDate:
			group[name] = pq.Optional(pq.Timestamp(pq.Millisecond))
		default:
			group[name] = pq.Optional(pq.String())
		}
	}
	schema := pq.NewSchema("ledger", group)

	// Leaf index of each table column in the (name-sorted) schema.
	leaf := make(map[string]int, len(columns))
	for i, f := range schema.Fields() {
		leaf[f.Name()] = i
	}

	order, err := json.Marshal(columns)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := pq.NewWriter(&buf, schema, pq.KeyValueMetadata(ColumnsKey, string(order)))

	rows := make([]pq.Row, 0, readBatch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := w.WriteRows(rows); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	for i := 0; i < t.Len(); i++ {
		row := make(pq.Row, len(columns))
		for j, name := range columns {
			col := leaf[name]
			row[col] = encode(t.At(i, j), types[j]).Level(0, 1, col)
			if row[col].IsNull() {
				row[col] = pq.NullValue().Level(0, 0, col)
			}
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func encode(v ledger.Value, ct columnType) pq.Value {
	if v.IsNull() {
		return pq.NullValue()
	}
	switch ct {
	case colNumber:
		d, _ := v.Decimal()
		return pq.DoubleValue(d.InexactFloat64())
	case colDate:
		d, _ := v.Date()
		return pq.Int64Value(d.UnixMilli())
	default:
		return pq.ByteArrayValue([]byte(v.Text()))
	}
}
