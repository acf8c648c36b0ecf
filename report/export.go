/*
export.go - Project workbook export

PURPOSE:
  Operators hand a project's cable usage to finance as a spreadsheet that
  carries everything PMS knows about each task next to the measured units.

SHAPE:
  Every open PMS task column, then every results column except the two join
  keys. One output row per (results row, matching PMS row); a results row
  with no PMS match is kept once with the PMS side empty. Join keys are the
  raw trimmed (project name, task name), not the normalized ones: results
  rows carry the PMS spelling already.

  A results column whose name also appears on the PMS side is emitted as
  <name>_results and the PMS one as <name>_pms.

SEE ALSO:
  - reconcile/engine.go: ProjectData selects and orders the results rows
  - store/xlsx: the workbook encoder
*/
package report

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/reconcile"
	"github.com/warp/cable-ledger/store/xlsx"
)

// Sheet is the name of the exported worksheet.
const Sheet = "cable_usage"

// SourceReader returns the current ledgers. *cache.Cache implements it.
type SourceReader interface {
	Sources(ctx context.Context) (ledger.Sources, error)
}

// Exporter builds project workbooks.
type Exporter struct {
	sources SourceReader
	logger  *zap.Logger
}

// NewExporter creates an exporter.
func NewExporter(sources SourceReader, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{sources: sources, logger: logger}
}

// FileName is the download name for project's export.
func FileName(project string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(project))
	return name + "_cable_usage.xlsx"
}

// Export returns the workbook bytes and download name for project.
// ledger.ErrNoResults is returned when no results row matches.
func (x *Exporter) Export(ctx context.Context, project string) ([]byte, string, error) {
	src, err := x.sources.Sources(ctx)
	if err != nil {
		return nil, "", err
	}

	table, err := Build(src.PMS, src.Results, project)
	if err != nil {
		return nil, "", err
	}

	data, err := xlsx.Encode(table, Sheet)
	if err != nil {
		return nil, "", fmt.Errorf("encode export: %w", err)
	}

	x.logger.Info("project exported",
		zap.String("project", project),
		zap.Int("rows", table.Len()),
		zap.Int("bytes", len(data)))
	return data, FileName(project), nil
}

// =============================================================================
// JOIN
// =============================================================================

type rowKey struct {
	project string
	task    string
}

// Build right-joins the open PMS tasks with the results rows of project.
// Completed PMS rows are not joined: a results row matches each open task
// row of its (project, task) once.
func Build(pms ledger.Table, results ledger.Results, project string) (ledger.Table, error) {
	rows, _ := reconcile.ProjectData(results, project, 0)
	if len(rows) == 0 {
		return ledger.Table{}, fmt.Errorf("%w: project %q", ledger.ErrNoResults, project)
	}

	cols, err := ledger.Resolve(pms, ledger.SourcePMS, ledger.PMSProject, ledger.PMSTask)
	if err != nil {
		return ledger.Table{}, err
	}
	projectCol := cols[ledger.PMSProject.Name]
	taskCol := cols[ledger.PMSTask.Name]
	if canonical := ledger.PMSTask.Candidates[0]; taskCol != canonical {
		if pms, err = pms.Rename(taskCol, canonical); err != nil {
			return ledger.Table{}, err
		}
		taskCol = canonical
	}

	var pmsCols []string
	for _, c := range pms.Columns() {
		if c != ledger.ColCompletionYear {
			pmsCols = append(pmsCols, c)
		}
	}
	pms = pms.Select(pmsCols...)
	projectIdx, _ := pms.ColumnIndex(projectCol)
	taskIdx, _ := pms.ColumnIndex(taskCol)

	// Results columns minus the join keys, which the PMS side carries.
	var resIdx []int
	for i, c := range ledger.ResultColumns {
		if c != ledger.ColProjectName && c != ledger.ColTaskName {
			resIdx = append(resIdx, i)
		}
	}

	header := headerOf(pmsCols, resIdx)

	matches := make(map[rowKey][]int)
	for i := 0; i < pms.Len(); i++ {
		k := rowKey{pms.At(i, projectIdx).Key(), pms.At(i, taskIdx).Key()}
		matches[k] = append(matches[k], i)
	}

	b := ledger.NewBuilder(header...)
	for _, r := range rows {
		values := r.Values()
		tail := make([]ledger.Value, len(resIdx))
		for j, i := range resIdx {
			tail[j] = values[i]
		}

		hits := matches[rowKey{strings.TrimSpace(r.ProjectName), strings.TrimSpace(r.TaskName)}]
		if len(hits) == 0 {
			head := make([]ledger.Value, len(pmsCols))
			head[projectIdx] = ledger.TextValue(r.ProjectName)
			head[taskIdx] = ledger.TextValue(r.TaskName)
			b.Append(append(head, tail...)...)
			continue
		}
		for _, h := range hits {
			b.Append(append(pms.Row(h), tail...)...)
		}
	}
	return b.Table(), nil
}

func headerOf(pmsCols []string, resIdx []int) []string {
	pms := make(map[string]bool, len(pmsCols))
	for _, c := range pmsCols {
		pms[c] = true
	}
	clash := make(map[string]bool)
	for _, i := range resIdx {
		if c := ledger.ResultColumns[i]; pms[c] {
			clash[c] = true
		}
	}

	header := make([]string, 0, len(pmsCols)+len(resIdx))
	for _, c := range pmsCols {
		if clash[c] {
			c += "_pms"
		}
		header = append(header, c)
	}
	for _, i := range resIdx {
		c := ledger.ResultColumns[i]
		if clash[c] {
			c += "_results"
		}
		header = append(header, c)
	}
	return header
}
