package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store/parquet"
	"github.com/warp/cable-ledger/store/xlsx"
)

// =============================================================================
// LOADER - Reads PMS, SSCM and results
// =============================================================================

// Loader reads the three ledgers into one ledger.Sources.
type Loader struct {
	mu        sync.RWMutex
	paths     Paths
	persister *Persister
	logger    *zap.Logger
}

// NewLoader creates a loader. The persister creates the results ledger when
// it does not exist yet.
func NewLoader(paths Paths, persister *Persister, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{paths: paths, persister: persister, logger: logger}
}

// Paths returns the files read.
func (l *Loader) Paths() Paths {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paths
}

// SetPaths points the loader, and its persister, at new files. Loads
// already running finish against the old ones.
func (l *Loader) SetPaths(paths Paths) {
	l.mu.Lock()
	l.paths = paths
	l.mu.Unlock()
	l.persister.SetPair(paths.Results)
}

// Load reads everything. A missing PMS or SSCM ledger fails with
// *ledger.MissingSourcesError naming each absent source.
func (l *Loader) Load(ctx context.Context) (ledger.Sources, error) {
	paths := l.Paths()
	if err := checkSources(paths); err != nil {
		return ledger.Sources{}, err
	}

	raw, err := l.readSource(ctx, ledger.SourcePMS, paths.PMS)
	if err != nil {
		return ledger.Sources{}, err
	}
	history, open, err := SplitPMS(raw)
	if err != nil {
		return ledger.Sources{}, err
	}

	sscm, err := l.readSource(ctx, ledger.SourceSSCM, paths.SSCM)
	if err != nil {
		return ledger.Sources{}, err
	}

	results, dropped, err := l.readResults(ctx, paths.Results)
	if err != nil {
		return ledger.Sources{}, err
	}

	l.logger.Debug("sources loaded",
		zap.Int("pms_rows", history.Len()),
		zap.Int("open_tasks", open.Len()),
		zap.Int("sscm_rows", sscm.Len()),
		zap.Int("results_rows", results.Len()))

	return ledger.Sources{PMS: open, History: history, SSCM: sscm, Results: results, DuplicateUnits: dropped}, nil
}

func checkSources(paths Paths) error {
	var missing []ledger.MissingSource
	for _, src := range []struct {
		name string
		pair Pair
	}{
		{ledger.SourcePMS, paths.PMS},
		{ledger.SourceSSCM, paths.SSCM},
	} {
		if !src.pair.Exists() {
			missing = append(missing, ledger.MissingSource{Name: src.name, Paths: src.pair.Both()})
		}
	}
	if len(missing) > 0 {
		return &ledger.MissingSourcesError{Missing: missing}
	}
	return nil
}

// readSource reads one upstream ledger, converting the workbook to parquet
// the first time.
func (l *Loader) readSource(ctx context.Context, name string, pair Pair) (ledger.Table, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Table{}, err
	}

	if pair.HasColumnar() {
		t, err := parquet.ReadFile(pair.Columnar)
		if err != nil {
			return ledger.Table{}, fmt.Errorf("read %s %s: %w", name, pair.Columnar, err)
		}
		return t, nil
	}

	t, err := xlsx.ReadFile(pair.Row)
	if err != nil {
		return ledger.Table{}, fmt.Errorf("read %s %s: %w", name, pair.Row, err)
	}

	// Side cache only: a failed conversion costs speed on the next load,
	// nothing else.
	if data, err := parquet.Encode(t); err != nil {
		l.logger.Warn("convert source to parquet", zap.String("source", name), zap.Error(err))
	} else if err := atomic.WriteFile(pair.Columnar, bytes.NewReader(data)); err != nil {
		l.logger.Warn("write parquet side cache", zap.String("path", pair.Columnar), zap.Error(err))
	} else {
		l.logger.Info("converted source to parquet",
			zap.String("source", name),
			zap.String("path", pair.Columnar),
			zap.Int("rows", t.Len()))
	}
	return t, nil
}

// readResults also returns how many rows were dropped for repeating a unit
// code.
func (l *Loader) readResults(ctx context.Context, pair Pair) (ledger.Results, int, error) {
	if !pair.Exists() {
		empty := ledger.Results{}
		if err := l.persister.saveTo(ctx, pair, empty); err != nil {
			return ledger.Results{}, 0, err
		}
		l.logger.Info("created results ledger", zap.String("path", pair.Row))
		return empty, 0, nil
	}

	var (
		t   ledger.Table
		err error
	)
	if pair.HasColumnar() {
		t, err = parquet.ReadFile(pair.Columnar)
	} else {
		t, err = xlsx.ReadFile(pair.Row)
	}
	if err != nil {
		return ledger.Results{}, 0, fmt.Errorf("read %s: %w", ledger.SourceResults, err)
	}

	res, dropped := ledger.ResultsFromTable(t)
	if dropped > 0 {
		l.logger.Warn("results ledger has repeated unit codes, keeping first",
			zap.Int("dropped", dropped))
	}
	return res, dropped, nil
}

// =============================================================================
// PMS POST-PROCESSING
// =============================================================================

// SplitPMS parses the completion-date column (unparseable becomes null),
// adds ledger.ColCompletionYear, and returns every row (history) plus the
// open tasks (no completion date).
func SplitPMS(raw ledger.Table) (history, open ledger.Table, err error) {
	cols, err := ledger.ResolvePMS(raw)
	if err != nil {
		return ledger.Table{}, ledger.Table{}, err
	}

	completed := make([]ledger.Value, raw.Len())
	for i := range completed {
		if d, ok := raw.Value(i, cols.Completion).Date(); ok {
			completed[i] = ledger.DateValue(d)
		}
	}

	history = raw.
		WithColumn(cols.Completion, func(i int) ledger.Value { return completed[i] }).
		WithColumn(ledger.ColCompletionYear, func(i int) ledger.Value {
			if completed[i].IsNull() {
				return ledger.NullValue()
			}
			d, _ := completed[i].Date()
			return ledger.NumberValue(decimal.NewFromInt(int64(d.Year())))
		})
	open = history.Filter(func(i int) bool { return completed[i].IsNull() })
	return history, open, nil
}
