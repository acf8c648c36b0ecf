package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
)

// Store is the cached, lock-protected view of the sources. *cache.Cache
// implements it.
type Store interface {
	// Sources returns the current snapshot, loading it if stale.
	Sources(ctx context.Context) (ledger.Sources, error)

	// Update runs fn under the single writer lock, persists the results it
	// returns and invalidates the snapshot.
	Update(ctx context.Context, fn func(src ledger.Sources) (ledger.Results, error)) error
}

// InitReport summarizes one initialization run. Dropped counts rows of the
// loaded results ledger that repeated a unit code; they are not written back.
type InitReport struct {
	Total   int  `json:"total"`
	Added   int  `json:"added"`
	Force   bool `json:"force"`
	Skipped bool `json:"skipped"`
	Dropped int  `json:"dropped_duplicates"`
}

// Message is the operator-facing summary.
func (r InitReport) Message() string {
	if r.Skipped {
		return fmt.Sprintf("results ledger already has %d records, initialization skipped", r.Total)
	}
	msg := fmt.Sprintf("imported %d records (%d new, sorted by creation date)", r.Total, r.Added)
	if r.Dropped > 0 {
		msg += fmt.Sprintf("; %d rows repeating a unit code were removed from the ledger", r.Dropped)
	}
	return msg
}

// errPopulated stops AutoInitialize inside the writer lock without saving.
var errPopulated = errors.New("results ledger populated")

// Initialize rebuilds the results ledger from the open PMS tasks and SSCM.
// Without force, units already in the ledger keep their rows (and any
// recorded consumption) and only new units are appended.
func Initialize(ctx context.Context, store Store, force bool) (InitReport, error) {
	report := InitReport{Force: force}
	err := store.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
		return rebuild(src, &report)
	})
	if err != nil {
		return InitReport{Force: force}, fmt.Errorf("initialize results: %w", err)
	}
	return report, nil
}

func rebuild(src ledger.Sources, report *InitReport) (ledger.Results, error) {
	built, err := BuildResults(src.PMS, src.SSCM)
	if err != nil {
		return ledger.Results{}, err
	}
	merged, added, err := Merge(src.Results, built, report.Force)
	if err != nil {
		return ledger.Results{}, err
	}
	report.Total = merged.Len()
	report.Added = added
	report.Dropped = src.DuplicateUnits
	return merged, nil
}

// AutoInitialize runs a forced initialization when the results ledger is
// empty. The emptiness check and the rebuild run under one writer lock, so
// usage recorded meanwhile is never overwritten. It is meant for process
// start: a join with no matches is logged and swallowed so the server still
// comes up and the operator can fix the data.
func AutoInitialize(ctx context.Context, store Store, logger *zap.Logger) (InitReport, error) {
	report := InitReport{Force: true}
	err := store.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
		if !src.Results.Empty() {
			report = InitReport{Total: src.Results.Len(), Skipped: true}
			return ledger.Results{}, errPopulated
		}
		logger.Info("results ledger empty, auto-initializing")
		return rebuild(src, &report)
	})
	switch {
	case errors.Is(err, errPopulated):
		logger.Info("results ledger present, skipping auto-initialization", zap.Int("records", report.Total))
		return report, nil
	case errors.Is(err, ledger.ErrEmptyJoin):
		logger.Warn("auto-initialization found nothing to import", zap.Error(err))
		return InitReport{Force: true}, nil
	case err != nil:
		return InitReport{}, fmt.Errorf("initialize results: %w", err)
	}
	logger.Info("auto-initialization complete",
		zap.Int("total", report.Total),
		zap.Int("added", report.Added))
	return report, nil
}
