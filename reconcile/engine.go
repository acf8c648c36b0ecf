/*
engine.go - PMS x SSCM reconciliation

PURPOSE:
  Joins open PMS tasks with SSCM requisition lines on the normalized
  (project, task/site) pair and derives everything the operator sees:
  pending projects, the initial results rows, project and task pick lists,
  and the per-project results view.

JOIN:
  PMS side:   (Key(project name), Key(task name))   open tasks only
  SSCM side:  (Key(project code), Key(site name))
  Inner join, exact equality on the normalized strings. Rows whose project
  or task key is blank never match.

  Matching is best effort: two different projects that normalize to the
  same key are merged, and spellings the normalizer does not reconcile are
  missed. EmptyJoinError carries key samples so an operator can see which.

SEE ALSO:
  - normalize/normalize.go: the key function
  - ledger/fields.go: header variant resolution
  - initialize.go: applies BuildResults + Merge under the writer lock
*/
package reconcile

import (
	"sort"
	"strings"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/normalize"
)

// resolveOpen resolves the PMS columns the join needs. The completion column
// is not required here: open tasks have already been filtered.
func resolveOpen(open ledger.Table) (ledger.PMSColumns, error) {
	m, err := ledger.Resolve(open, ledger.SourcePMS, ledger.PMSProject, ledger.PMSTask)
	if err != nil {
		return ledger.PMSColumns{}, err
	}
	return ledger.PMSColumns{Project: m[ledger.PMSProject.Name], Task: m[ledger.PMSTask.Name]}, nil
}

func resolveSites(sscm ledger.Table) (project, site string, err error) {
	m, err := ledger.Resolve(sscm, ledger.SourceSSCM, ledger.SSCMProject, ledger.SSCMSite)
	if err != nil {
		return "", "", err
	}
	return m[ledger.SSCMProject.Name], m[ledger.SSCMSite.Name], nil
}

// =============================================================================
// PENDING PROJECTS
// =============================================================================

// PendingProjects returns the PMS display names of projects that still have
// an open task with at least one matching requisition. Names that normalize
// to the same key are reported once, under the first spelling seen.
func PendingProjects(open, sscm ledger.Table) ([]string, error) {
	pc, err := resolveOpen(open)
	if err != nil {
		return nil, err
	}
	sp, ss, err := resolveSites(sscm)
	if err != nil {
		return nil, err
	}

	pk := keysOf(open, pc.Project, pc.Task)
	pairs := match(pk, keysOf(sscm, sp, ss))

	seen := make(map[string]bool)
	names := []string{}
	for _, p := range pairs {
		key := pk.project[p.pms]
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, open.Value(p.pms, pc.Project).Key())
	}
	sort.Strings(names)
	return names, nil
}

// =============================================================================
// RESULTS INITIALIZATION
// =============================================================================

// BuildResults constructs one results row per matched SSCM line: project
// name and task from PMS, everything else from SSCM, consumed quantity
// unset. Rows are ordered by creation date (unknown dates last) and a unit
// code repeated within the batch keeps only its earliest row.
func BuildResults(open, sscm ledger.Table) ([]ledger.ResultRow, error) {
	if open.Empty() {
		return nil, &ledger.EmptyJoinError{Reason: "PMS has no open tasks (every task has a completion date)"}
	}
	pc, err := resolveOpen(open)
	if err != nil {
		return nil, err
	}
	sc, err := ledger.ResolveSSCM(sscm)
	if err != nil {
		return nil, err
	}

	pk := keysOf(open, pc.Project, pc.Task)
	sk := keysOf(sscm, sc.Project, sc.Site)
	pairs := match(pk, sk)
	if len(pairs) == 0 {
		return nil, emptyJoin(pk, sk)
	}

	rows := make([]ledger.ResultRow, 0, len(pairs))
	for _, p := range pairs {
		created, _ := sscm.Value(p.sscm, sc.Created).Date()
		rows = append(rows, ledger.ResultRow{
			ProjectCode: sscm.Value(p.sscm, sc.Project).Key(),
			ProjectName: open.Value(p.pms, pc.Project).Key(),
			TaskName:    open.Value(p.pms, pc.Task).Key(),
			Material:    sscm.Value(p.sscm, sc.Material).Text(),
			Requested:   sscm.Value(p.sscm, sc.Quantity).NullDecimal(),
			CreatedAt:   created,
			UnitCode:    sscm.Value(p.sscm, sc.Unit).Key(),
		})
	}

	ledger.SortByCreated(rows)
	return dedupeUnits(rows), nil
}

// dedupeUnits keeps the first row of each non-empty unit code.
func dedupeUnits(rows []ledger.ResultRow) []ledger.ResultRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if r.UnitCode != "" {
			if seen[r.UnitCode] {
				continue
			}
			seen[r.UnitCode] = true
		}
		out = append(out, r)
	}
	return out
}

// Merge folds freshly built rows into the existing ledger.
//
// With force, or when the ledger is empty, built replaces it. Otherwise rows
// whose unit code is already recorded are dropped and the remainder is
// appended; existing rows are never rewritten. added is the number of rows
// that came from built.
func Merge(existing ledger.Results, built []ledger.ResultRow, force bool) (ledger.Results, int, error) {
	if force || existing.Empty() {
		res, _ := ledger.NewResults(built)
		return res, res.Len(), nil
	}

	fresh := make([]ledger.ResultRow, 0, len(built))
	for _, r := range built {
		if r.UnitCode != "" && existing.Has(r.UnitCode) {
			continue
		}
		fresh = append(fresh, r)
	}
	next, err := existing.Append(fresh...)
	if err != nil {
		return existing, 0, err
	}
	return next, len(fresh), nil
}

// =============================================================================
// PICK LISTS
// =============================================================================

// Projects lists PMS project display names, one per normalized key, sorted.
// With year 0 only projects that still have an open task are listed; a
// non-zero year lists the projects with a task completed in that year.
func Projects(open, history ledger.Table, year int) ([]string, error) {
	t := open
	if year != 0 {
		t = history
	}
	col, ok := ledger.PMSProject.Find(t)
	if !ok {
		return nil, &ledger.MissingFieldError{Source: ledger.SourcePMS, Fields: []ledger.Field{ledger.PMSProject}}
	}

	seen := make(map[string]bool)
	names := []string{}
	for i := 0; i < t.Len(); i++ {
		if year != 0 && !inYear(t.Value(i, ledger.ColCompletionYear), year) {
			continue
		}
		name := t.Value(i, col).Key()
		key := normalize.Key(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func inYear(v ledger.Value, year int) bool {
	d, ok := v.Decimal()
	return ok && d.IntPart() == int64(year)
}

// Tasks lists the open PMS task names of project that have a requisition
// against the same normalized site in SSCM.
func Tasks(open, sscm ledger.Table, project string) ([]string, error) {
	pc, err := resolveOpen(open)
	if err != nil {
		return nil, err
	}
	sp, ss, err := resolveSites(sscm)
	if err != nil {
		return nil, err
	}

	want := normalize.Key(project)
	sites := make(map[string]bool)
	for i := 0; i < sscm.Len(); i++ {
		if normalize.Key(sscm.Value(i, sp).Text()) == want {
			sites[normalize.Key(sscm.Value(i, ss).Text())] = true
		}
	}

	seen := make(map[string]bool)
	tasks := []string{}
	for i := 0; i < open.Len(); i++ {
		if want == "" || normalize.Key(open.Value(i, pc.Project).Text()) != want {
			continue
		}
		task := open.Value(i, pc.Task).Key()
		tk := normalize.Key(task)
		if tk == "" || !sites[tk] || seen[task] {
			continue
		}
		seen[task] = true
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks, nil
}

// =============================================================================
// PROJECT VIEW
// =============================================================================

// MatchProject reports whether row belongs to the project filter: the
// display name contains it (case-insensitive), the normalized name contains
// the normalized filter, or the project code contains it.
func MatchProject(row ledger.ResultRow, filter string) bool {
	lf := strings.ToLower(filter)
	if strings.Contains(strings.ToLower(row.ProjectName), lf) {
		return true
	}
	if strings.Contains(normalize.Key(row.ProjectName), normalize.Key(filter)) {
		return true
	}
	return strings.Contains(strings.ToLower(row.ProjectCode), lf)
}

// ProjectData returns the rows matching filter ordered by creation date,
// at most limit of them (limit <= 0 means all), plus the total match count.
func ProjectData(results ledger.Results, filter string, limit int) ([]ledger.ResultRow, int) {
	var rows []ledger.ResultRow
	for i := 0; i < results.Len(); i++ {
		if r := results.Row(i); MatchProject(r, filter) {
			rows = append(rows, r)
		}
	}
	ledger.SortByCreated(rows)

	total := len(rows)
	if limit > 0 && total > limit {
		rows = rows[:limit]
	}
	return rows, total
}
