/*
fields.go - Logical columns and header-variant resolution

PURPOSE:
  PMS and SSCM exports are produced by different teams and the header for
  the same logical column drifts ("任务名称", "任务", "站点名称", "site").
  A Field lists the accepted headers in priority order plus substring
  fallbacks; Resolve picks the first that exists.

RESOLUTION ORDER:
  1. Candidates, exact match on trimmed header, in order
  2. Contains groups, in order: a header matches a group when it contains
     every term of the group (case-insensitive)
  3. Otherwise MissingFieldError naming the canonical field

  Step 2 is a heuristic. On an unfamiliar schema it can pick the wrong
  column (any header containing "日期" satisfies creation_date), so prefer
  adding an exact candidate over widening a Contains group.

SEE ALSO:
  - errors.go: MissingFieldError
  - reconcile/engine.go: resolves PMS and SSCM columns before joining
*/
package ledger

import "strings"

// Field is a logical column and the headers accepted for it.
type Field struct {
	Name       string
	Candidates []string
	Contains   [][]string
}

// Find returns the first header in t that satisfies f.
func (f Field) Find(t Table) (string, bool) {
	for _, c := range f.Candidates {
		if t.Has(c) {
			return c, true
		}
	}
	for _, group := range f.Contains {
		for _, col := range t.columns {
			if containsAll(col, group) {
				return col, true
			}
		}
	}
	return "", false
}

func containsAll(header string, terms []string) bool {
	h := strings.ToLower(header)
	for _, term := range terms {
		if !strings.Contains(h, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

// Resolve maps each field to a header of t. All unresolved fields are
// reported together in one MissingFieldError.
func Resolve(t Table, source string, fields ...Field) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	var missing []Field
	for _, f := range fields {
		col, ok := f.Find(t)
		if !ok {
			missing = append(missing, f)
			continue
		}
		out[f.Name] = col
	}
	if len(missing) > 0 {
		return nil, &MissingFieldError{Source: source, Fields: missing}
	}
	return out, nil
}

// =============================================================================
// FIELD CATALOGUE - Production (Chinese) headers first, English variants after
// =============================================================================

const (
	SourcePMS     = "PMS"
	SourceSSCM    = "SSCM"
	SourceResults = "results"
)

var projectCandidates = []string{"项目名称", "项目", "工程名称", "工程", "project_name", "project name", "project"}

var (
	PMSProject = Field{
		Name:       "project",
		Candidates: projectCandidates,
	}
	PMSTask = Field{
		Name:       "task",
		Candidates: []string{"任务名称", "任务", "站点名称", "站点", "task_name", "task name", "task", "site name", "site"},
		Contains:   [][]string{{"任务"}, {"站点"}, {"task"}, {"site"}},
	}
	PMSCompletion = Field{
		Name:       "completion_date",
		Candidates: []string{"单任务物资平衡表完成时间", "完成时间", "completion_date", "completion date", "completed_at"},
		Contains:   [][]string{{"完成时间"}, {"completion"}},
	}

	SSCMProject = Field{
		Name:       "project_code",
		Candidates: append([]string{}, projectCandidates...),
	}
	SSCMSite = Field{
		Name:       "site",
		Candidates: []string{"站点名称", "站点", "site_name", "site name", "site"},
		Contains:   [][]string{{"站点"}, {"site"}},
	}
	SSCMMaterial = Field{
		Name:       "material_description",
		Candidates: []string{"物料/组合物料描述", "物料描述", "material_description", "material description"},
		Contains:   [][]string{{"物料"}, {"material"}},
	}
	SSCMQuantity = Field{
		Name:       "requested_quantity",
		Candidates: []string{"申领数量", "requested_quantity", "requisition amount", "requested quantity"},
		Contains:   [][]string{{"申领", "数量"}, {"amount", "requisition"}, {"requested", "quantity"}},
	}
	SSCMCreated = Field{
		Name:       "creation_date",
		Candidates: []string{"创建日期", "creation_date", "creation date", "created_at"},
		Contains:   [][]string{{"日期"}, {"date"}},
	}
	SSCMUnit = Field{
		Name:       "unit_code",
		Candidates: []string{"厂家箱号", "unit_code", "box_number", "serial_number"},
		Contains:   [][]string{{"箱号"}, {"SN"}, {"serial"}, {"box"}},
	}
)

// PMSColumns are the resolved PMS headers.
type PMSColumns struct {
	Project    string
	Task       string
	Completion string
}

// ResolvePMS resolves the PMS fields of t.
func ResolvePMS(t Table) (PMSColumns, error) {
	m, err := Resolve(t, SourcePMS, PMSProject, PMSTask, PMSCompletion)
	if err != nil {
		return PMSColumns{}, err
	}
	return PMSColumns{
		Project:    m[PMSProject.Name],
		Task:       m[PMSTask.Name],
		Completion: m[PMSCompletion.Name],
	}, nil
}

// SSCMColumns are the resolved SSCM headers.
type SSCMColumns struct {
	Project  string
	Site     string
	Material string
	Quantity string
	Created  string
	Unit     string
}

// ResolveSSCM resolves the SSCM fields of t.
func ResolveSSCM(t Table) (SSCMColumns, error) {
	m, err := Resolve(t, SourceSSCM, SSCMProject, SSCMSite, SSCMMaterial, SSCMQuantity, SSCMCreated, SSCMUnit)
	if err != nil {
		return SSCMColumns{}, err
	}
	return SSCMColumns{
		Project:  m[SSCMProject.Name],
		Site:     m[SSCMSite.Name],
		Material: m[SSCMMaterial.Name],
		Quantity: m[SSCMQuantity.Name],
		Created:  m[SSCMCreated.Name],
		Unit:     m[SSCMUnit.Name],
	}, nil
}
