/*
recorder.go - Consumed-quantity recording

PURPOSE:
  An operator measures a cable unit twice (meter marks printed on the
  sheath) and the difference is what the task consumed. Record turns that
  reading into a results-ledger change:

    unit already in the ledger  -> consumed quantity replaced (never summed)
    unit only in SSCM           -> new row appended, built from the SSCM line
    unit nowhere                -> ErrUnitNotFound

CRITICAL INVARIANTS:
  1. VALIDATE FIRST: marks are checked before the ledger is touched.
     end <= start is rejected.
  2. ONE WRITER: the read-modify-write runs inside reconcile.Store.Update.
  3. LAST WRITE WINS: recording the same unit twice keeps the second value.

JOURNAL:
  Every accepted reading is appended to the journal with a fresh id. The
  ledger file is the source of truth; a journal failure is logged and the
  reading still succeeds.

SEE ALSO:
  - ledger/results.go: WithConsumed / Append
  - store/sqlite/sqlite.go: the journal
*/
package usage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/reconcile"
	"github.com/warp/cable-ledger/store/sqlite"
)

// Actions reported in Outcome.
const (
	ActionUpdated  = "updated"
	ActionAppended = "appended"
)

// Event is one journaled reading.
type Event = sqlite.UsageEvent

// Journal stores accepted readings. *sqlite.Store implements it.
type Journal interface {
	AppendUsage(ctx context.Context, e Event) error
	UsageHistory(ctx context.Context, unitCode string, limit int) ([]Event, error)
}

// Request is one meter reading.
type Request struct {
	Project  string
	Task     string
	UnitCode string
	Start    decimal.Decimal
	End      decimal.Decimal
}

// Outcome is what Record did.
type Outcome struct {
	Action   string          `json:"action"`
	UnitCode string          `json:"unit_code"`
	Consumed decimal.Decimal `json:"consumed"`
	Message  string          `json:"message"`
}

// Recorder applies readings to the results ledger.
type Recorder struct {
	store   reconcile.Store
	journal Journal
	clock   ledger.Clock
	logger  *zap.Logger
	newID   func() string
}

// NewRecorder creates a recorder. journal may be nil.
func NewRecorder(store reconcile.Store, journal Journal, clock ledger.Clock, logger *zap.Logger) *Recorder {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		journal: journal,
		clock:   clock,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// =============================================================================
// INPUT
// =============================================================================

// ParseMark parses a meter mark typed by an operator.
func ParseMark(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &ledger.ValidationError{Field: "mark", Message: "meter mark is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ledger.ValidationError{Field: "mark", Message: fmt.Sprintf("meter mark %q is not a valid number", s)}
	}
	return d, nil
}

// Validate checks a request without touching the ledger and returns the
// consumed quantity.
func (r Request) Validate() (decimal.Decimal, error) {
	if strings.TrimSpace(r.UnitCode) == "" {
		return decimal.Zero, &ledger.ValidationError{Field: "unit_code", Message: "unit code is required"}
	}
	if !r.End.GreaterThan(r.Start) {
		return decimal.Zero, &ledger.ValidationError{Field: "end_mark", Message: "end mark must be greater than start mark"}
	}
	return r.End.Sub(r.Start), nil
}

// =============================================================================
// RECORD
// =============================================================================

// Record applies one reading.
func (rec *Recorder) Record(ctx context.Context, req Request) (Outcome, error) {
	consumed, err := req.Validate()
	if err != nil {
		return Outcome{}, err
	}
	code := strings.TrimSpace(req.UnitCode)

	out := Outcome{UnitCode: code, Consumed: consumed}
	err = rec.store.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
		if next, ok := src.Results.WithConsumed(code, consumed); ok {
			out.Action = ActionUpdated
			return next, nil
		}

		row, err := fromSSCM(src.SSCM, code)
		if err != nil {
			return ledger.Results{}, err
		}
		row.ProjectName = strings.TrimSpace(req.Project)
		row.TaskName = strings.TrimSpace(req.Task)
		row.Consumed = decimal.NewNullDecimal(consumed)
		out.Action = ActionAppended
		return src.Results.Append(row)
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Action == ActionUpdated {
		out.Message = fmt.Sprintf("updated unit %s consumed quantity to %s", code, consumed.StringFixed(2))
	} else {
		out.Message = fmt.Sprintf("added unit %s with consumed quantity %s", code, consumed.StringFixed(2))
	}

	rec.logger.Info("usage recorded",
		zap.String("unit_code", code),
		zap.String("action", out.Action),
		zap.String("consumed", consumed.String()))
	rec.journalEvent(ctx, req, out)
	return out, nil
}

// fromSSCM builds a results row from the first SSCM line carrying code.
func fromSSCM(sscm ledger.Table, code string) (ledger.ResultRow, error) {
	cols, err := ledger.ResolveSSCM(sscm)
	if err != nil {
		return ledger.ResultRow{}, err
	}
	for i := 0; i < sscm.Len(); i++ {
		if sscm.Value(i, cols.Unit).Key() != code {
			continue
		}
		created, _ := sscm.Value(i, cols.Created).Date()
		return ledger.ResultRow{
			ProjectCode: sscm.Value(i, cols.Project).Key(),
			Material:    sscm.Value(i, cols.Material).Text(),
			Requested:   sscm.Value(i, cols.Quantity).NullDecimal(),
			CreatedAt:   created,
			UnitCode:    code,
		}, nil
	}
	return ledger.ResultRow{}, &ledger.UnitNotFoundError{UnitCode: code}
}

func (rec *Recorder) journalEvent(ctx context.Context, req Request, out Outcome) {
	if rec.journal == nil {
		return
	}
	e := Event{
		ID:         rec.newID(),
		UnitCode:   out.UnitCode,
		Project:    strings.TrimSpace(req.Project),
		Task:       strings.TrimSpace(req.Task),
		Start:      req.Start,
		End:        req.End,
		Consumed:   out.Consumed,
		Action:     out.Action,
		RecordedAt: rec.clock.Now(),
	}
	if err := rec.journal.AppendUsage(ctx, e); err != nil {
		rec.logger.Warn("journal usage event", zap.String("unit_code", out.UnitCode), zap.Error(err))
	}
}

// History returns the journaled readings of unitCode, newest first.
func (rec *Recorder) History(ctx context.Context, unitCode string, limit int) ([]Event, error) {
	code := strings.TrimSpace(unitCode)
	if code == "" {
		return nil, &ledger.ValidationError{Field: "unit_code", Message: "unit code is required"}
	}
	if rec.journal == nil {
		return []Event{}, nil
	}
	events, err := rec.journal.UsageHistory(ctx, code, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}
