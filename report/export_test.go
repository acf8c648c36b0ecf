package report_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/report"
	"github.com/warp/cable-ledger/store/xlsx"
)

type staticSources struct{ src ledger.Sources }

func (s staticSources) Sources(context.Context) (ledger.Sources, error) { return s.src, nil }

func history() ledger.Table {
	return ledger.NewBuilder("项目名称", "站点", "负责人", ledger.ColCompletionYear, "unit_code").
		Append(ledger.TextValue("Fiber Ring"), ledger.TextValue("North"), ledger.TextValue("Li"), ledger.NullValue(), ledger.TextValue("x")).
		Append(ledger.TextValue("Fiber Ring"), ledger.TextValue("North"), ledger.TextValue("Wang"), ledger.NullValue(), ledger.TextValue("y")).
		Append(ledger.TextValue("Other"), ledger.TextValue("South"), ledger.TextValue("Zhao"), ledger.NullValue(), ledger.NullValue()).
		Table()
}

func results(t *testing.T) ledger.Results {
	t.Helper()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	res, _ := ledger.NewResults([]ledger.ResultRow{
		{ProjectCode: "fr", ProjectName: "Fiber Ring", TaskName: "North", UnitCode: "SN2", CreatedAt: day(5),
			Consumed: decimal.NewNullDecimal(decimal.NewFromInt(40))},
		{ProjectCode: "fr", ProjectName: "Fiber Ring", TaskName: "East", UnitCode: "SN1", CreatedAt: day(2)},
		{ProjectCode: "o", ProjectName: "Other", TaskName: "South", UnitCode: "SN9", CreatedAt: day(1)},
	})
	return res
}

func TestBuild_RightJoinKeepsEveryResultsRow(t *testing.T) {
	// GIVEN: Two results rows for Fiber Ring, one with two PMS matches
	// WHEN: Building the export
	tbl, err := report.Build(history(), results(t), "fiber ring")
	require.NoError(t, err)

	// THEN: PMS columns first (task header canonical), results after
	assert.Equal(t, []string{
		"项目名称", "任务名称", "负责人", "unit_code_pms",
		ledger.ColProjectCode, ledger.ColMaterial, ledger.ColRequested,
		ledger.ColCreated, "unit_code_results", ledger.ColConsumed,
	}, tbl.Columns())

	// AND: Sorted by creation date; unmatched row kept with PMS side empty
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, "SN1", tbl.Value(0, "unit_code_results").Text())
	assert.Equal(t, "East", tbl.Value(0, "任务名称").Text())
	assert.True(t, tbl.Value(0, "负责人").IsNull())

	assert.Equal(t, "SN2", tbl.Value(1, "unit_code_results").Text())
	assert.Equal(t, "Li", tbl.Value(1, "负责人").Text())
	assert.Equal(t, "SN2", tbl.Value(2, "unit_code_results").Text())
	assert.Equal(t, "Wang", tbl.Value(2, "负责人").Text())
	assert.Equal(t, "40", tbl.Value(2, ledger.ColConsumed).Text())
}

func TestBuild_NoResults(t *testing.T) {
	_, err := report.Build(history(), results(t), "nothing like this")
	assert.ErrorIs(t, err, ledger.ErrNoResults)
	assert.True(t, ledger.IsNotFound(err))
}

func TestExport_Workbook(t *testing.T) {
	x := report.NewExporter(staticSources{ledger.Sources{PMS: history(), History: history(), Results: results(t)}}, zaptest.NewLogger(t))

	data, name, err := x.Export(context.Background(), "Other")
	require.NoError(t, err)
	assert.Equal(t, "Other_cable_usage.xlsx", name)

	tbl, err := xlsx.Read(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "Zhao", tbl.Value(0, "负责人").Text())
	assert.Equal(t, "2024-01-01", tbl.Value(0, ledger.ColCreated).Text())
}

func TestExport_CompletedPMSRowsNotJoined(t *testing.T) {
	// GIVEN: Other/South is open, but PMS also has a completed row for it
	open := history()
	all := ledger.NewBuilder(open.Columns()...)
	for i := 0; i < open.Len(); i++ {
		all.Append(open.Row(i)...)
	}
	all.Append(ledger.TextValue("Other"), ledger.TextValue("South"), ledger.TextValue("Sun"),
		ledger.NumberValue(decimal.NewFromInt(2023)), ledger.NullValue())
	x := report.NewExporter(staticSources{ledger.Sources{PMS: open, History: all.Table(), Results: results(t)}}, zaptest.NewLogger(t))

	// WHEN: Exporting the project
	data, _, err := x.Export(context.Background(), "Other")
	require.NoError(t, err)

	// THEN: The results row appears once, joined to the open task
	tbl, err := xlsx.Read(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, "Zhao", tbl.Value(0, "负责人").Text())
}

func TestFileName_ReplacesPathSeparators(t *testing.T) {
	assert.Equal(t, "A_B_cable_usage.xlsx", report.FileName(" A/B "))
}
