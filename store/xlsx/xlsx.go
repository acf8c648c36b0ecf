// Package xlsx converts ledger tables to and from spreadsheet workbooks.
//
// Only the first sheet is read and its first row is the header. Every cell
// is read as the text the spreadsheet displays; numbers and dates are parsed
// later by whoever needs them, so identifiers such as "001234" keep their
// leading zeros.
package xlsx

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/warp/cable-ledger/ledger"
)

// DefaultSheet is the sheet name written by Encode when none is given.
const DefaultSheet = "Sheet1"

// ReadFile decodes the workbook at path.
func ReadFile(path string) (ledger.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return ledger.Table{}, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes the first sheet of the workbook in r.
func Read(r io.Reader) (ledger.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return ledger.Table{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return ledger.NewBuilder().Table(), nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return ledger.Table{}, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return ledger.NewBuilder().Table(), nil
	}

	// Cells past the header get "Unnamed: N" columns instead of being lost.
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	header := make([]string, width)
	copy(header, rows[0])

	b := ledger.NewBuilder(header...)
	for _, r := range rows[1:] {
		if blank(r) {
			continue
		}
		vals := make([]ledger.Value, len(r))
		for i, cell := range r {
			vals[i] = ledger.TextValue(cell)
		}
		b.Append(vals...)
	}
	return b.Table(), nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Encode renders t as a single-sheet workbook. Numbers are written as
// numeric cells and dates as ISO text.
func Encode(t ledger.Table, sheet string) ([]byte, error) {
	if sheet == "" {
		sheet = DefaultSheet
	}
	f := excelize.NewFile()
	defer f.Close()
	if sheet != DefaultSheet {
		if err := f.SetSheetName(DefaultSheet, sheet); err != nil {
			return nil, err
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, err
	}

	header := make([]interface{}, t.Width())
	for i, c := range t.Columns() {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, err
	}

	for i := 0; i < t.Len(); i++ {
		cells := make([]interface{}, t.Width())
		for j := range cells {
			cells[j] = cellOf(t.At(i, j))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cellOf(v ledger.Value) interface{} {
	switch v.Kind() {
	case ledger.KindNumber:
		d, _ := v.Decimal()
		return d.InexactFloat64()
	case ledger.KindText, ledger.KindDate:
		return v.Text()
	default:
		return nil
	}
}
