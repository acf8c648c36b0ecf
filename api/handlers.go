/*
handlers.go - HTTP API handlers for the cable ledger

PURPOSE:
  Exposes the reconciliation engine, usage recorder and exporter via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Projects:
    GET    /api/projects/pending             Projects with open tasks and requisitions
    GET    /api/projects?year=&fresh=        PMS project names
    GET    /api/projects/{project}/tasks     Tasks with requisitions
    GET    /api/projects/{project}/results   Results rows (?limit=, default 10)
    GET    /api/projects/{project}/export    Usage workbook download

  Usage:
    POST   /api/usage                        Record a meter reading
    GET    /api/units/{code}/history         Readings journaled for a unit

  Admin:
    POST   /api/results/initialize?force=    Build the results ledger
    POST   /api/cache/reload                 Reload every ledger from disk
    GET    /api/settings                     Data location
    PUT    /api/settings                     Change data location
    GET    /api/sync/runs                    Initialization history

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Cache: ledgers, memoized project and task lists, single writer
  - Recorder: meter readings
  - Exporter: xlsx downloads
  - Scheduler: recorded initialization runs
  - Journal: usage events and sync runs (sqlite)
  - Settings: running configuration

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (reconcile, usage, report)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unit not found, no results for project
  - 409: Duplicate unit code
  - 422: Source files missing, required field missing, empty join
  - 500: Persistence and internal errors

SECURITY NOTE:
  NO authentication or authorization. All endpoints are public; run it on
  the office network only.

SEE ALSO:
  - dto.go: Request/response data structures
  - settings.go: Runtime configuration changes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/cache"
	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/reconcile"
	"github.com/warp/cable-ledger/report"
	"github.com/warp/cable-ledger/store/sqlite"
	"github.com/warp/cable-ledger/usage"
)

// DefaultResultsLimit is how many results rows a project page shows.
const DefaultResultsLimit = 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Cache     *cache.Cache
	Recorder  *usage.Recorder
	Exporter  *report.Exporter
	Scheduler *SyncScheduler
	Journal   *sqlite.Store
	Settings  *Settings

	logger *zap.Logger
}

// NewHandler creates a handler. The recorder and exporter are built on the
// cache; journal receives usage events.
func NewHandler(c *cache.Cache, journal *sqlite.Store, settings *Settings, scheduler *SyncScheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	var j usage.Journal
	if journal != nil {
		j = journal
	}
	return &Handler{
		Cache:     c,
		Recorder:  usage.NewRecorder(c, j, nil, logger),
		Exporter:  report.NewExporter(c, logger),
		Scheduler: scheduler,
		Journal:   journal,
		Settings:  settings,
		logger:    logger,
	}
}

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

// PendingProjects returns projects having open tasks with requisitions.
// GET /api/projects/pending
func (h *Handler) PendingProjects(w http.ResponseWriter, r *http.Request) {
	src, err := h.Cache.Sources(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to load ledgers", err)
		return
	}

	projects, err := reconcile.PendingProjects(src.PMS, src.SSCM)
	if err != nil {
		h.writeDomainError(w, "Failed to list pending projects", err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectsResponse{Projects: nonNil(projects)})
}

// ListProjects returns PMS project names, optionally for one completion year.
// GET /api/projects?year=2024&fresh=true
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	year := 0
	if s := q.Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil || y < 0 {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = y
	}

	projects, err := h.Cache.Projects(r.Context(), year, queryBool(q, "fresh"))
	if err != nil {
		h.writeDomainError(w, "Failed to list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectsResponse{Projects: nonNil(projects), Year: year})
}

// ListTasks returns the open tasks of a project that have requisitions.
// GET /api/projects/{project}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	project, ok := pathParam(w, r, "project")
	if !ok {
		return
	}

	tasks, err := h.Cache.Tasks(r.Context(), project, queryBool(r.URL.Query(), "fresh"))
	if err != nil {
		h.writeDomainError(w, "Failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{Project: project, Tasks: nonNil(tasks)})
}

// ProjectResults returns the results rows matching a project filter, sorted
// by creation date.
// GET /api/projects/{project}/results?limit=10
func (h *Handler) ProjectResults(w http.ResponseWriter, r *http.Request) {
	project, ok := pathParam(w, r, "project")
	if !ok {
		return
	}

	limit := DefaultResultsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n // 0 means all
	}

	src, err := h.Cache.Sources(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to load ledgers", err)
		return
	}

	rows, total := reconcile.ProjectData(src.Results, project, limit)
	dtos := make([]ResultRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toResultRowDTO(row)
	}
	writeJSON(w, http.StatusOK, ResultsResponse{Project: project, Total: total, Rows: dtos})
}

// ExportProject downloads the usage workbook of a project.
// GET /api/projects/{project}/export
func (h *Handler) ExportProject(w http.ResponseWriter, r *http.Request) {
	project, ok := pathParam(w, r, "project")
	if !ok {
		return
	}

	data, name, err := h.Exporter.Export(r.Context(), project)
	if err != nil {
		h.writeDomainError(w, "Failed to export project", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// USAGE HANDLERS
// =============================================================================

// RecordUsage records one meter reading.
// POST /api/usage
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ureq, err := req.toUsageRequest()
	if err != nil {
		h.writeDomainError(w, "Invalid meter mark", err)
		return
	}

	out, err := h.Recorder.Record(r.Context(), ureq)
	if err != nil {
		h.writeDomainError(w, "Failed to record usage", err)
		return
	}

	status := http.StatusOK
	if out.Action == usage.ActionAppended {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// UnitHistory returns the readings journaled for a unit, newest first.
// GET /api/units/{code}/history?limit=50
func (h *Handler) UnitHistory(w http.ResponseWriter, r *http.Request) {
	code, ok := pathParam(w, r, "code")
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	events, err := h.Recorder.History(r.Context(), code, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get usage history", err)
		return
	}

	dtos := make([]UsageEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toUsageEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Initialize builds the results ledger from the open PMS tasks and SSCM.
// POST /api/results/initialize?force=true
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	force := queryBool(r.URL.Query(), "force")

	var (
		runID string
		rep   reconcile.InitReport
		err   error
	)
	if h.Scheduler != nil {
		runID, rep, err = h.Scheduler.Run(r.Context(), TriggerManual, force)
	} else {
		rep, err = reconcile.Initialize(r.Context(), h.Cache, force)
	}
	if err != nil {
		h.writeDomainError(w, "Failed to initialize results", err)
		return
	}

	writeJSON(w, http.StatusOK, InitResponse{
		RunID:   runID,
		Total:   rep.Total,
		Added:   rep.Added,
		Force:   rep.Force,
		Message: rep.Message(),

		DroppedDuplicates: rep.Dropped,
	})
}

// ReloadCache drops the cached ledgers and reads them again.
// POST /api/cache/reload
func (h *Handler) ReloadCache(w http.ResponseWriter, r *http.Request) {
	h.Cache.Invalidate()
	snap, err := h.Cache.Get(r.Context(), true)
	if err != nil {
		h.writeDomainError(w, "Failed to reload ledgers", err)
		return
	}

	writeJSON(w, http.StatusOK, ReloadResponse{
		LoadedAt:  snap.LoadedAt.Format(time.RFC3339),
		OpenTasks: snap.PMS.Len(),
		History:   snap.History.Len(),
		SSCM:      snap.SSCM.Len(),
		Results:   snap.Results.Len(),

		DroppedDuplicates: snap.DuplicateUnits,
	})
}

// GetSettings returns the data location.
// GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSettingsDTO(h.Settings.Current()))
}

// UpdateSettings changes the data location.
// PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cfg, err := h.Settings.UpdateData(req.toDataConfig())
	if err != nil {
		h.writeDomainError(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(cfg))
}

// ListSyncRuns returns initialization history, newest first.
// GET /api/sync/runs?limit=50
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeJSON(w, http.StatusOK, []SyncRunDTO{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Journal.SyncRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get sync runs", err)
		return
	}

	dtos := make([]SyncRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSyncRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to a status and a machine-readable
// code. Data errors carry what the operator needs to fix the files.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: message, Code: code, Details: errorDetails(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateUnit):
		return http.StatusConflict, "duplicate_unit"
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "validation"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrMissingSources):
		return http.StatusUnprocessableEntity, "missing_sources"
	case errors.Is(err, ledger.ErrMissingField):
		return http.StatusUnprocessableEntity, "missing_field"
	case errors.Is(err, ledger.ErrEmptyJoin):
		return http.StatusUnprocessableEntity, "empty_join"
	case errors.Is(err, ledger.ErrPersist):
		return http.StatusInternalServerError, "persist"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorDetails(err error) any {
	var (
		ve *ledger.ValidationError
		je *ledger.EmptyJoinError
		ms *ledger.MissingSourcesError
	)
	switch {
	case errors.As(err, &ve):
		return map[string]string{"field": ve.Field, "message": ve.Message}
	case errors.As(err, &je):
		return map[string]any{
			"pms_keys":  nonNil(je.PMSKeys),
			"sscm_keys": nonNil(je.SSCMKeys),
			"common":    nonNil(je.Common),
			"reason":    je.Reason,
		}
	case errors.As(err, &ms):
		missing := make(map[string][]string, len(ms.Missing))
		for _, m := range ms.Missing {
			missing[m.Name] = m.Paths
		}
		return map[string]any{"missing": missing}
	default:
		return err.Error()
	}
}

// pathParam returns a URL parameter, unescaped. Project names are Chinese
// text and arrive percent-encoded.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	raw := chi.URLParam(r, name)
	v, err := url.PathUnescape(raw)
	if err != nil || v == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), err)
		return "", false
	}
	return v, true
}

func queryBool(q url.Values, key string) bool {
	b, _ := strconv.ParseBool(q.Get(key))
	return b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
