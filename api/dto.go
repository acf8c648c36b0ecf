/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract: column names stay
  canonical in the ledger files while the API speaks snake_case JSON.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Projects:  ProjectsResponse, TasksResponse, ResultsResponse, ResultRowDTO
  Usage:     RecordUsageRequest, Mark, UsageEventDTO
  Admin:     InitResponse, ReloadResponse, SyncRunDTO, SettingsDTO

VALIDATION:
  Validation is done in handlers and the usage package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store/sqlite"
	"github.com/warp/cable-ledger/usage"
)

// =============================================================================
// PROJECT DTOs
// =============================================================================

// ProjectsResponse lists project names.
type ProjectsResponse struct {
	Projects []string `json:"projects"`
	Year     int      `json:"year,omitempty"`
}

// TasksResponse lists the tasks of one project that have requisitions.
type TasksResponse struct {
	Project string   `json:"project"`
	Tasks   []string `json:"tasks"`
}

// ResultRowDTO is one results ledger row.
type ResultRowDTO struct {
	ProjectCode       string              `json:"project_code"`
	ProjectName       string              `json:"project_name"`
	TaskName          string              `json:"task_name"`
	Material          string              `json:"material_description"`
	RequestedQuantity decimal.NullDecimal `json:"requested_quantity"`
	CreationDate      string              `json:"creation_date,omitempty"`
	UnitCode          string              `json:"unit_code"`
	ConsumedQuantity  decimal.NullDecimal `json:"consumed_quantity"`
}

// ResultsResponse is a page of results rows for a project filter.
type ResultsResponse struct {
	Project string         `json:"project"`
	Total   int            `json:"total"`
	Rows    []ResultRowDTO `json:"rows"`
}

func toResultRowDTO(r ledger.ResultRow) ResultRowDTO {
	return ResultRowDTO{
		ProjectCode:       r.ProjectCode,
		ProjectName:       r.ProjectName,
		TaskName:          r.TaskName,
		Material:          r.Material,
		RequestedQuantity: r.Requested,
		CreationDate:      ledger.FormatDate(r.CreatedAt),
		UnitCode:          r.UnitCode,
		ConsumedQuantity:  r.Consumed,
	}
}

// =============================================================================
// USAGE DTOs
// =============================================================================

// Mark is a meter mark as sent by a client: a JSON number or a string.
type Mark string

// UnmarshalJSON accepts 12.5, "12.5" and null.
func (m *Mark) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Mark(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("mark must be a number or a string")
	}
	*m = Mark(n.String())
	return nil
}

// RecordUsageRequest is the body of POST /api/usage.
type RecordUsageRequest struct {
	Project   string `json:"project"`
	Task      string `json:"task"`
	UnitCode  string `json:"unit_code"`
	StartMark Mark   `json:"start_mark"`
	EndMark   Mark   `json:"end_mark"`
}

// toUsageRequest parses both marks. A bad mark is reported under its own
// field name.
func (r RecordUsageRequest) toUsageRequest() (usage.Request, error) {
	start, err := parseMark("start_mark", r.StartMark)
	if err != nil {
		return usage.Request{}, err
	}
	end, err := parseMark("end_mark", r.EndMark)
	if err != nil {
		return usage.Request{}, err
	}
	return usage.Request{
		Project:  r.Project,
		Task:     r.Task,
		UnitCode: r.UnitCode,
		Start:    start,
		End:      end,
	}, nil
}

func parseMark(field string, m Mark) (decimal.Decimal, error) {
	d, err := usage.ParseMark(string(m))
	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		ve.Field = field
	}
	return d, err
}

// UsageEventDTO is one journaled reading.
type UsageEventDTO struct {
	ID         string          `json:"id"`
	UnitCode   string          `json:"unit_code"`
	Project    string          `json:"project"`
	Task       string          `json:"task"`
	StartMark  decimal.Decimal `json:"start_mark"`
	EndMark    decimal.Decimal `json:"end_mark"`
	Consumed   decimal.Decimal `json:"consumed"`
	Action     string          `json:"action"`
	RecordedAt string          `json:"recorded_at"`
}

func toUsageEventDTO(e usage.Event) UsageEventDTO {
	return UsageEventDTO{
		ID:         e.ID,
		UnitCode:   e.UnitCode,
		Project:    e.Project,
		Task:       e.Task,
		StartMark:  e.Start,
		EndMark:    e.End,
		Consumed:   e.Consumed,
		Action:     e.Action,
		RecordedAt: e.RecordedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ADMIN DTOs
// =============================================================================

// InitResponse reports an initialization.
type InitResponse struct {
	RunID   string `json:"run_id,omitempty"`
	Total   int    `json:"total"`
	Added   int    `json:"added"`
	Force   bool   `json:"force"`
	Message string `json:"message"`

	DroppedDuplicates int `json:"dropped_duplicates"`
}

// ReloadResponse reports a forced reload.
type ReloadResponse struct {
	LoadedAt  string `json:"loaded_at"`
	OpenTasks int    `json:"open_tasks"`
	History   int    `json:"history"`
	SSCM      int    `json:"sscm"`
	Results   int    `json:"results"`

	// Rows of the results file that repeat a unit code. They are not in
	// Results and the next save removes them from disk.
	DroppedDuplicates int `json:"dropped_duplicates"`
}

// SyncRunDTO is one recorded initialization.
type SyncRunDTO struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	Force       bool   `json:"force"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Added       int    `json:"added"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toSyncRunDTO(r sqlite.SyncRun) SyncRunDTO {
	dto := SyncRunDTO{
		ID:        r.ID,
		Trigger:   r.Trigger,
		Force:     r.Force,
		Status:    r.Status,
		Total:     r.Total,
		Added:     r.Added,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// SettingsDTO is the data location part of the configuration, the only
// part editable at runtime.
type SettingsDTO struct {
	BaseDir     string `json:"base_dir"`
	SubDir      string `json:"sub_dir"`
	PMSFile     string `json:"pms_file"`
	SSCMFile    string `json:"sscm_file"`
	ResultsFile string `json:"results_file"`
	DataDir     string `json:"data_dir,omitempty"` // resolved, read-only
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
