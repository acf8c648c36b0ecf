/*
Package ledger holds the data model shared by every part of the system.

PURPOSE:
  The two source ledgers (PMS tasks, SSCM requisitions) arrive as loosely
  typed spreadsheets. This package gives them a small typed core:

  - Value:   one cell (null, text, number or date)
  - Table:   an immutable, column-ordered set of rows (value.go, table.go)
  - Field:   a logical column with its accepted header variants (fields.go)
  - Results: the reconciled per-unit ledger (results.go)
  - errors:  the error taxonomy (errors.go)

DESIGN PRINCIPLES:
  1. Value semantics: a Table or Results handed out from the cache can be
     read by many goroutines; nothing mutates it in place.
  2. Precision: quantities are decimal.Decimal, never float64.
  3. Null is explicit: empty cells, unparseable dates and missing
     quantities all become Null rather than zero.

SEE ALSO:
  - normalize/: comparison keys
  - reconcile/: joins over Tables
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE - One spreadsheet cell
// =============================================================================

// Kind tags the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	default:
		return "null"
	}
}

// Value is an immutable cell.
type Value struct {
	kind Kind
	text string
	num  decimal.Decimal
	date time.Time
}

// NullValue returns the empty cell.
func NullValue() Value { return Value{} }

// TextValue wraps s. Blank strings are Null, the same way an empty
// spreadsheet cell is.
func TextValue(s string) Value {
	if strings.TrimSpace(s) == "" {
		return Value{}
	}
	return Value{kind: KindText, text: s}
}

// NumberValue wraps d.
func NumberValue(d decimal.Decimal) Value {
	return Value{kind: KindNumber, num: d}
}

// NullableNumber returns Null when d is not valid.
func NullableNumber(d decimal.NullDecimal) Value {
	if !d.Valid {
		return Value{}
	}
	return NumberValue(d.Decimal)
}

// DateValue wraps t in UTC. The zero time is Null.
func DateValue(t time.Time) Value {
	if t.IsZero() {
		return Value{}
	}
	return Value{kind: KindDate, date: t.UTC()}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindNumber }
func (v Value) IsDate() bool   { return v.kind == KindDate }

// Text renders the value the way it would appear in a spreadsheet cell.
func (v Value) Text() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num.String()
	case KindDate:
		return FormatDate(v.date)
	default:
		return ""
	}
}

func (v Value) String() string { return v.Text() }

// Decimal returns the numeric value, parsing text when needed.
func (v Value) Decimal() (decimal.Decimal, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindText:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(v.text), ",", ""))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// NullDecimal is Decimal() in decimal.NullDecimal form.
func (v Value) NullDecimal() decimal.NullDecimal {
	d, ok := v.Decimal()
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}

// Date returns the date value, parsing text (and spreadsheet serial
// numbers) when needed. ok is false for anything that is not a date.
func (v Value) Date() (time.Time, bool) {
	switch v.kind {
	case KindDate:
		return v.date, true
	case KindText:
		return ParseDate(v.text)
	case KindNumber:
		return fromSerial(v.num)
	default:
		return time.Time{}, false
	}
}

// Key is the trimmed text form, used for unit-code equality.
func (v Value) Key() string {
	return strings.TrimSpace(v.Text())
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindNumber:
		return v.num.Equal(o.num)
	case KindDate:
		return v.date.Equal(o.date)
	default:
		return true
	}
}
