package usage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store/sqlite"
	"github.com/warp/cable-ledger/usage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// memStore is a single-writer store over in-memory sources.
type memStore struct {
	src     ledger.Sources
	saves   int
	saveErr error
}

func (m *memStore) Sources(context.Context) (ledger.Sources, error) { return m.src, nil }

func (m *memStore) Update(_ context.Context, fn func(ledger.Sources) (ledger.Results, error)) error {
	next, err := fn(m.src)
	if err != nil {
		return err
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.src.Results = next
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingJournal struct{}

func (failingJournal) AppendUsage(context.Context, usage.Event) error {
	return errors.New("database is locked")
}

func (failingJournal) UsageHistory(context.Context, string, int) ([]usage.Event, error) {
	return nil, errors.New("database is locked")
}

var sscmHeader = []string{"项目名称", "站点名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号"}

func newStore(t *testing.T) *memStore {
	t.Helper()
	b := ledger.NewBuilder(sscmHeader...)
	b.Append(ledger.TextValue("p1"), ledger.TextValue("task1"), ledger.TextValue("fiber 24c"),
		ledger.TextValue("100"), ledger.TextValue("2024-01-01"), ledger.TextValue("SN001"))
	b.Append(ledger.TextValue("p1"), ledger.TextValue("task1"), ledger.TextValue("fiber 48c"),
		ledger.TextValue("300"), ledger.TextValue("2024-02-01"), ledger.TextValue(" SN002 "))

	res, _ := ledger.NewResults([]ledger.ResultRow{{
		ProjectCode: "p1", ProjectName: "P1", TaskName: "Task1", Material: "fiber 24c",
		Requested: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UnitCode:  "SN001",
	}})
	return &memStore{src: ledger.Sources{SSCM: b.Table(), Results: res}}
}

func newJournal(t *testing.T) *sqlite.Store {
	t.Helper()
	j, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func reading(unit string, start, end int64) usage.Request {
	return usage.Request{
		Project: "P1", Task: "Task1", UnitCode: unit,
		Start: decimal.NewFromInt(start), End: decimal.NewFromInt(end),
	}
}

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// =============================================================================
// RECORD
// =============================================================================

func TestRecord_OverwritesNotSums(t *testing.T) {
	// GIVEN: SN001 is in the ledger with no consumption
	store := newStore(t)
	rec := usage.NewRecorder(store, newJournal(t), fixedClock{now}, zaptest.NewLogger(t))
	ctx := context.Background()

	// WHEN: Two readings are recorded
	first, err := rec.Record(ctx, reading("SN001", 10, 35))
	require.NoError(t, err)
	second, err := rec.Record(ctx, reading("SN001", 35, 60))
	require.NoError(t, err)

	// THEN: Each replaced the quantity; the second wins
	assert.Equal(t, usage.ActionUpdated, first.Action)
	assert.Equal(t, "updated unit SN001 consumed quantity to 25.00", first.Message)
	assert.Equal(t, usage.ActionUpdated, second.Action)
	row, ok := store.src.Results.Find("SN001")
	require.True(t, ok)
	assert.True(t, row.Consumed.Valid)
	assert.True(t, row.Consumed.Decimal.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 1, store.src.Results.Len())
	assert.Equal(t, "fiber 24c", row.Material)
}

func TestRecord_AppendsFromSSCM(t *testing.T) {
	// GIVEN: SN002 exists only in SSCM (with stray whitespace)
	store := newStore(t)
	rec := usage.NewRecorder(store, nil, fixedClock{now}, zaptest.NewLogger(t))

	// WHEN: A reading for it is recorded
	out, err := rec.Record(context.Background(), usage.Request{
		Project: "P1", Task: "Task1", UnitCode: "SN002",
		Start: decimal.RequireFromString("0.5"), End: decimal.RequireFromString("120.25"),
	})
	require.NoError(t, err)

	// THEN: A row is synthesized from the SSCM line and the caller's names
	assert.Equal(t, usage.ActionAppended, out.Action)
	assert.Equal(t, "added unit SN002 with consumed quantity 119.75", out.Message)
	require.Equal(t, 2, store.src.Results.Len())
	row := store.src.Results.Row(1)
	assert.Equal(t, "p1", row.ProjectCode)
	assert.Equal(t, "P1", row.ProjectName)
	assert.Equal(t, "Task1", row.TaskName)
	assert.Equal(t, "fiber 48c", row.Material)
	assert.True(t, row.Requested.Decimal.Equal(decimal.NewFromInt(300)))
	assert.True(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Equal(row.CreatedAt))
	assert.True(t, row.Consumed.Decimal.Equal(decimal.RequireFromString("119.75")))
}

func TestRecord_UnknownUnit(t *testing.T) {
	store := newStore(t)
	rec := usage.NewRecorder(store, nil, nil, nil)

	_, err := rec.Record(context.Background(), reading("NOPE", 0, 10))

	require.ErrorIs(t, err, ledger.ErrUnitNotFound)
	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, 1, store.src.Results.Len())
	assert.Zero(t, store.saves)
}

func TestRecord_MarkBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantErr    bool
	}{
		{"end equals start", "10", "10", true},
		{"end before start", "10", "9.99", true},
		{"smallest positive difference", "10", "10.01", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			rec := usage.NewRecorder(store, nil, nil, nil)

			_, err := rec.Record(context.Background(), usage.Request{
				UnitCode: "SN001",
				Start:    decimal.RequireFromString(tt.start),
				End:      decimal.RequireFromString(tt.end),
			})

			if tt.wantErr {
				require.ErrorIs(t, err, ledger.ErrValidation)
				assert.Zero(t, store.saves)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, store.saves)
		})
	}
}

func TestRecord_BlankUnitCode(t *testing.T) {
	rec := usage.NewRecorder(newStore(t), nil, nil, nil)
	_, err := rec.Record(context.Background(), reading("  ", 0, 1))

	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unit_code", ve.Field)
}

func TestRecord_PersistFailureIsReturned(t *testing.T) {
	store := newStore(t)
	store.saveErr = &ledger.PersistError{Format: "xlsx", Path: "results.xlsx", Err: errors.New("permission denied")}
	rec := usage.NewRecorder(store, nil, nil, nil)

	_, err := rec.Record(context.Background(), reading("SN001", 0, 1))
	assert.ErrorIs(t, err, ledger.ErrPersist)
}

// =============================================================================
// JOURNAL
// =============================================================================

func TestRecord_JournalsEachReading(t *testing.T) {
	// GIVEN: A recorder with a journal
	journal := newJournal(t)
	rec := usage.NewRecorder(newStore(t), journal, fixedClock{now}, zaptest.NewLogger(t))
	ctx := context.Background()

	// WHEN: Two readings are recorded
	_, err := rec.Record(ctx, reading("SN001", 10, 35))
	require.NoError(t, err)
	_, err = rec.Record(ctx, reading("SN002", 0, 5))
	require.NoError(t, err)

	// THEN: History returns them per unit
	events, err := rec.History(ctx, "SN001", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, usage.ActionUpdated, e.Action)
	assert.True(t, e.Start.Equal(decimal.NewFromInt(10)))
	assert.True(t, e.End.Equal(decimal.NewFromInt(35)))
	assert.True(t, e.Consumed.Equal(decimal.NewFromInt(25)))
	assert.True(t, now.Equal(e.RecordedAt))

	appended, err := rec.History(ctx, "SN002", 0)
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, usage.ActionAppended, appended[0].Action)
}

func TestRecord_JournalFailureDoesNotFailReading(t *testing.T) {
	store := newStore(t)
	rec := usage.NewRecorder(store, failingJournal{}, nil, zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), reading("SN001", 10, 35))

	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
}

func TestHistory_NoJournal(t *testing.T) {
	rec := usage.NewRecorder(newStore(t), nil, nil, nil)
	events, err := rec.History(context.Background(), "SN001", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// PARSE MARK
// =============================================================================

func TestParseMark(t *testing.T) {
	d, err := usage.ParseMark(" 12.50 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("12.5")))

	for _, bad := range []string{"", "abc", "1,5m"} {
		_, err := usage.ParseMark(bad)
		assert.ErrorIs(t, err, ledger.ErrValidation, bad)
	}
}
