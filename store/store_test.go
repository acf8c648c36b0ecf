package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store"
	"github.com/warp/cable-ledger/store/parquet"
	"github.com/warp/cable-ledger/store/xlsx"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func textTable(header []string, rows ...[]string) ledger.Table {
	b := ledger.NewBuilder(header...)
	for _, r := range rows {
		vals := make([]ledger.Value, len(r))
		for i, s := range r {
			vals[i] = ledger.TextValue(s)
		}
		b.Append(vals...)
	}
	return b.Table()
}

func writeWorkbook(t *testing.T, path string, tbl ledger.Table) {
	t.Helper()
	data, err := xlsx.Encode(tbl, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newLoader(t *testing.T, dir string) (*store.Loader, store.Paths) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	paths := store.NewPaths(dir, "pms", "sscm", "results")
	return store.NewLoader(paths, store.NewPersister(paths.Results, logger), logger), paths
}

func seedSources(t *testing.T, paths store.Paths) {
	t.Helper()
	writeWorkbook(t, paths.PMS.Row, textTable(
		[]string{"项目名称", "任务名称", "单任务物资平衡表完成时间"},
		[]string{"P1", "Task1", ""},
		[]string{"P1", "Task2", "2023-06-30"},
		[]string{"P2", "Task9", "not a date"},
	))
	writeWorkbook(t, paths.SSCM.Row, textTable(
		[]string{"项目名称", "站点名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号"},
		[]string{"p1", "task1", "fiber", "100", "2024-01-01", "SN001"},
	))
}

// =============================================================================
// LOADER
// =============================================================================

func TestLoad_MissingSourcesListsEach(t *testing.T) {
	loader, paths := newLoader(t, t.TempDir())

	_, err := loader.Load(context.Background())

	require.ErrorIs(t, err, ledger.ErrMissingSources)
	var ms *ledger.MissingSourcesError
	require.ErrorAs(t, err, &ms)
	require.Len(t, ms.Missing, 2)
	assert.Equal(t, ledger.SourcePMS, ms.Missing[0].Name)
	assert.Equal(t, []string{paths.PMS.Columnar, paths.PMS.Row}, ms.Missing[0].Paths)
	assert.Equal(t, ledger.SourceSSCM, ms.Missing[1].Name)
}

func TestLoad_OnlySSCMMissing(t *testing.T) {
	loader, paths := newLoader(t, t.TempDir())
	writeWorkbook(t, paths.PMS.Row, textTable([]string{"项目名称", "任务名称", "单任务物资平衡表完成时间"}))

	_, err := loader.Load(context.Background())

	var ms *ledger.MissingSourcesError
	require.ErrorAs(t, err, &ms)
	require.Len(t, ms.Missing, 1)
	assert.Equal(t, ledger.SourceSSCM, ms.Missing[0].Name)
}

func TestLoad_FromWorkbooks(t *testing.T) {
	// GIVEN: Only the upstream workbooks exist
	loader, paths := newLoader(t, t.TempDir())
	seedSources(t, paths)

	// WHEN: Loading
	src, err := loader.Load(context.Background())
	require.NoError(t, err)

	// THEN: Open tasks are the rows without a parseable completion date
	assert.Equal(t, 3, src.History.Len())
	require.Equal(t, 2, src.PMS.Len())
	assert.Equal(t, "Task1", src.PMS.Value(0, "任务名称").Text())
	assert.Equal(t, "Task9", src.PMS.Value(1, "任务名称").Text())

	// AND: History carries the completion year
	year, ok := src.History.Value(1, ledger.ColCompletionYear).Decimal()
	require.True(t, ok)
	assert.Equal(t, int64(2023), year.IntPart())
	assert.True(t, src.History.Value(0, ledger.ColCompletionYear).IsNull())

	// AND: Parquet side caches were written, the results ledger was created
	assert.FileExists(t, paths.PMS.Columnar)
	assert.FileExists(t, paths.SSCM.Columnar)
	assert.FileExists(t, paths.Results.Columnar)
	assert.FileExists(t, paths.Results.Row)
	assert.True(t, src.Results.Empty())
	assert.Equal(t, 1, src.SSCM.Len())
}

func TestLoad_PrefersColumnar(t *testing.T) {
	loader, paths := newLoader(t, t.TempDir())
	seedSources(t, paths)
	_, err := loader.Load(context.Background())
	require.NoError(t, err)

	// The workbook changes but the parquet twin is what gets read.
	writeWorkbook(t, paths.SSCM.Row, textTable(
		[]string{"项目名称", "站点名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号"},
	))
	src, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.SSCM.Len())
	assert.Equal(t, "SN001", src.SSCM.Value(0, "厂家箱号").Text())
}

func TestLoad_MissingCompletionFieldIsSchemaError(t *testing.T) {
	loader, paths := newLoader(t, t.TempDir())
	writeWorkbook(t, paths.PMS.Row, textTable([]string{"项目名称", "任务名称"}, []string{"P", "T"}))
	writeWorkbook(t, paths.SSCM.Row, textTable([]string{"项目名称"}))

	_, err := loader.Load(context.Background())
	assert.ErrorIs(t, err, ledger.ErrMissingField)
}

func TestLoad_LegacyResultsWorkbook(t *testing.T) {
	// GIVEN: A results workbook from before project codes were tracked
	loader, paths := newLoader(t, t.TempDir())
	seedSources(t, paths)
	writeWorkbook(t, paths.Results.Row, textTable(
		[]string{"项目名称", "任务名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号", "使用数量"},
		[]string{"P1", "Task1", "fiber", "100", "2024-01-01", "SN001", "25"},
	))

	// WHEN: Loading
	src, err := loader.Load(context.Background())
	require.NoError(t, err)

	// THEN: It is reindexed to the canonical schema
	require.Equal(t, 1, src.Results.Len())
	r := src.Results.Row(0)
	assert.Equal(t, "", r.ProjectCode)
	assert.Equal(t, "SN001", r.UnitCode)
	assert.True(t, r.Consumed.Decimal.Equal(decimal.NewFromInt(25)))
}

func TestLoad_CountsRepeatedUnitRows(t *testing.T) {
	// GIVEN: A results workbook repeating a unit code
	loader, paths := newLoader(t, t.TempDir())
	seedSources(t, paths)
	writeWorkbook(t, paths.Results.Row, textTable(
		[]string{"项目名称", "任务名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号", "使用数量"},
		[]string{"P1", "Task1", "fiber", "100", "2024-01-01", "SN001", "25"},
		[]string{"P1", "Task1", "fiber", "100", "2024-01-01", "SN001", "40"},
	))

	// WHEN: Loading
	src, err := loader.Load(context.Background())
	require.NoError(t, err)

	// THEN: The first row is kept and the drop is counted
	require.Equal(t, 1, src.Results.Len())
	assert.Equal(t, 1, src.DuplicateUnits)
	assert.True(t, src.Results.Row(0).Consumed.Decimal.Equal(decimal.NewFromInt(25)))
}

func TestLoad_Cancelled(t *testing.T) {
	loader, paths := newLoader(t, t.TempDir())
	seedSources(t, paths)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loader.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// PERSISTER
// =============================================================================

func sampleResults(t *testing.T) ledger.Results {
	res, _ := ledger.NewResults([]ledger.ResultRow{
		{
			ProjectCode: "p1", ProjectName: "P1", TaskName: "Task1", Material: "fiber",
			Requested: decimal.NewNullDecimal(decimal.NewFromInt(100)),
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			UnitCode:  "007", Consumed: decimal.NewNullDecimal(decimal.RequireFromString("25.5")),
		},
		{ProjectName: "P2", UnitCode: "SN2"},
	})
	return res
}

func TestSave_BothFormatsAgree(t *testing.T) {
	// GIVEN: A results ledger
	dir := t.TempDir()
	pair := store.PairOf(filepath.Join(dir, "nested", "results"))
	p := store.NewPersister(pair, zaptest.NewLogger(t))
	want := sampleResults(t)

	// WHEN: Saving
	require.NoError(t, p.Save(context.Background(), want))

	// THEN: Each format reads back to the same ledger
	colTable, err := parquet.ReadFile(pair.Columnar)
	require.NoError(t, err)
	rowTable, err := xlsx.ReadFile(pair.Row)
	require.NoError(t, err)

	for name, tbl := range map[string]ledger.Table{"parquet": colTable, "xlsx": rowTable} {
		assert.Equal(t, ledger.ResultColumns, tbl.Columns(), name)
		got, dropped := ledger.ResultsFromTable(tbl)
		assert.Zero(t, dropped, name)
		assertSameRows(t, want.Rows(), got.Rows(), name)
	}
}

func assertSameRows(t *testing.T, want, got []ledger.ResultRow, name string) {
	t.Helper()
	require.Len(t, got, len(want), name)
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ProjectCode, g.ProjectCode, name)
		assert.Equal(t, w.ProjectName, g.ProjectName, name)
		assert.Equal(t, w.TaskName, g.TaskName, name)
		assert.Equal(t, w.Material, g.Material, name)
		assert.Equal(t, w.UnitCode, g.UnitCode, name)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt), name)
		assert.Equal(t, w.Requested.Valid, g.Requested.Valid, name)
		assert.True(t, w.Requested.Decimal.Equal(g.Requested.Decimal), name)
		assert.Equal(t, w.Consumed.Valid, g.Consumed.Valid, name)
		assert.True(t, w.Consumed.Decimal.Equal(g.Consumed.Decimal), name)
	}
}

func TestSave_PartialFailureIsReported(t *testing.T) {
	// GIVEN: The workbook path is occupied by a directory
	dir := t.TempDir()
	pair := store.PairOf(filepath.Join(dir, "results"))
	require.NoError(t, os.MkdirAll(filepath.Join(pair.Row, "blocker"), 0o755))
	p := store.NewPersister(pair, zaptest.NewLogger(t))

	// WHEN: Saving
	err := p.Save(context.Background(), sampleResults(t))

	// THEN: The error names the failed format and that the other was written
	require.ErrorIs(t, err, ledger.ErrPersist)
	var pe *ledger.PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.FormatRow, pe.Format)
	assert.True(t, pe.Partial)
	assert.FileExists(t, pair.Columnar)
}
