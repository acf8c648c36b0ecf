/*
Package sqlite keeps the operational journal in SQLite.

PURPOSE:
  The results ledger itself lives in parquet/xlsx files because operators
  and upstream tools read them. What the files cannot tell you is HOW the
  ledger got into its current state. This store records that:

  usage_events: every accepted meter reading (who measured which unit,
                the marks, the computed consumption). Append-only.
  sync_runs:    every initialization run, manual or scheduled, with its
                outcome.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on usage_events
  - sync_runs rows are upserted by id while a run moves from running to
    completed/failed, and never deleted

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and a single connection so that
  ":memory:" databases are shared by every query.

USAGE:
  store, err := sqlite.New("./cable-ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - usage/recorder.go: writes usage events
  - api/scheduler.go: writes sync runs
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite journal.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Meter readings (append-only)
	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		unit_code TEXT NOT NULL,
		project TEXT,
		task TEXT,
		start_mark TEXT NOT NULL,
		end_mark TEXT NOT NULL,
		consumed TEXT NOT NULL,
		action TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_events_unit
		ON usage_events(unit_code, recorded_at);

	-- Initialization runs
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		trigger_kind TEXT NOT NULL,
		force INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		ON sync_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USAGE EVENTS
// =============================================================================

// UsageEvent is one accepted meter reading.
type UsageEvent struct {
	ID         string
	UnitCode   string
	Project    string
	Task       string
	Start      decimal.Decimal
	End        decimal.Decimal
	Consumed   decimal.Decimal
	Action     string // updated, appended
	RecordedAt time.Time
}

// AppendUsage records a usage event.
func (s *Store) AppendUsage(ctx context.Context, e UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO usage_events
		(id, unit_code, project, task, start_mark, end_mark, consumed, action, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.UnitCode,
		nullString(e.Project),
		nullString(e.Task),
		e.Start.String(),
		e.End.String(),
		e.Consumed.String(),
		e.Action,
		e.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

// UsageHistory returns the events for unitCode, newest first. limit <= 0
// returns all of them.
func (s *Store) UsageHistory(ctx context.Context, unitCode string, limit int) ([]UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, unit_code, project, task, start_mark, end_mark, consumed, action, recorded_at
		FROM usage_events
		WHERE unit_code = ?
		ORDER BY recorded_at DESC, rowid DESC
	`
	args := []any{unitCode}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var project, task sql.NullString
		var start, end, consumed, recordedAt string
		if err := rows.Scan(&e.ID, &e.UnitCode, &project, &task,
			&start, &end, &consumed, &e.Action, &recordedAt); err != nil {
			return nil, err
		}
		e.Project = project.String
		e.Task = task.String
		e.Start = parseDecimal(start)
		e.End = parseDecimal(end)
		e.Consumed = parseDecimal(consumed)
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// SYNC RUNS
// =============================================================================

// Sync run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SyncRun is one initialization of the results ledger.
type SyncRun struct {
	ID          string
	Trigger     string // startup, manual, schedule
	Force       bool
	Status      string
	Total       int
	Added       int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveSyncRun inserts or updates a run.
func (s *Store) SaveSyncRun(ctx context.Context, r SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sync_runs (id, trigger_kind, force, status, total, added, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			added = excluded.added,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(timeLayout)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Trigger, r.Force, r.Status, r.Total, r.Added,
		nullString(r.Error),
		r.StartedAt.UTC().Format(timeLayout),
		completedAt,
	)
	return err
}

// SyncRuns returns the most recent runs, newest first.
func (s *Store) SyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, trigger_kind, force, status, total, added, error, started_at, completed_at
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var errText, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Force, &r.Status, &r.Total, &r.Added,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
