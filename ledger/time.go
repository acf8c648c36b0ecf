package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLOCK - Injected time source (TTL decisions, journal timestamps)
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// =============================================================================
// DATE PARSING - Source ledgers mix ISO, slash and Excel display formats
// =============================================================================

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2",
	"2006/01/02 15:04:05",
	"2006/1/2 15:04:05",
	"2006/01/02",
	"2006/1/2",
	"2006.01.02",
	"2006年1月2日",
	"01-02-06",
	"1/2/06 15:04",
	"1/2/06",
	"1/2/2006",
}

// ParseDate parses s with the known layouts. Unparseable input is not an
// error: it simply has no date.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDate renders midnight as a plain date, anything else with time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}

// Spreadsheet day serials, 1900 date system. Restricted to 1954..2173 so
// ordinary quantities in a date column are not read as dates.
var (
	excelEpoch     = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
	minExcelSerial = decimal.NewFromInt(20000)
	maxExcelSerial = decimal.NewFromInt(100000)
)

func fromSerial(d decimal.Decimal) (time.Time, bool) {
	if d.LessThan(minExcelSerial) || d.GreaterThan(maxExcelSerial) {
		return time.Time{}, false
	}
	days := d.IntPart()
	frac := d.Sub(decimal.NewFromInt(days))
	secs := frac.Mul(decimal.NewFromInt(86400)).Round(0).IntPart()
	return excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second), true
}

// CompareDates orders valid dates ascending with invalid (zero) dates last.
// Returns -1, 0 or 1.
func CompareDates(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	default:
		return a.Compare(b)
	}
}
