package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store/parquet"
	"github.com/warp/cable-ledger/store/xlsx"
)

// =============================================================================
// PERSISTER - Writes the results ledger to both formats
// =============================================================================

// Persister writes the results ledger.
//
// Both files are encoded in memory before either is touched, so an encoding
// failure leaves the disk as it was. Each file is then replaced atomically
// (temp file + rename). The two renames are not one transaction: if the
// second fails the first has already happened, and the PersistError says so.
type Persister struct {
	mu     sync.RWMutex
	pair   Pair
	logger *zap.Logger
}

// NewPersister creates a persister for the given file pair.
func NewPersister(pair Pair, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{pair: pair, logger: logger}
}

// Pair returns the files written.
func (p *Persister) Pair() Pair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pair
}

// SetPair changes the files written by later saves.
func (p *Persister) SetPair(pair Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pair = pair
}

// Save writes res to both formats.
func (p *Persister) Save(ctx context.Context, res ledger.Results) error {
	return p.saveTo(ctx, p.Pair(), res)
}

func (p *Persister) saveTo(ctx context.Context, pair Pair, res ledger.Results) error {
	table := res.Table()

	columnar, err := parquet.Encode(table)
	if err != nil {
		return &ledger.PersistError{Format: FormatColumnar, Path: pair.Columnar, Err: fmt.Errorf("encode: %w", err)}
	}
	row, err := xlsx.Encode(table, xlsx.DefaultSheet)
	if err != nil {
		return &ledger.PersistError{Format: FormatRow, Path: pair.Row, Err: fmt.Errorf("encode: %w", err)}
	}

	if err := ctx.Err(); err != nil {
		return &ledger.PersistError{Format: FormatColumnar, Path: pair.Columnar, Err: err}
	}
	if err := writeFile(pair.Columnar, columnar); err != nil {
		return &ledger.PersistError{Format: FormatColumnar, Path: pair.Columnar, Err: err}
	}
	if err := writeFile(pair.Row, row); err != nil {
		p.logger.Error("results ledger formats diverged",
			zap.String("written", pair.Columnar),
			zap.String("failed", pair.Row),
			zap.Error(err))
		return &ledger.PersistError{Format: FormatRow, Path: pair.Row, Partial: true, Err: err}
	}

	p.logger.Debug("results ledger saved", zap.Int("rows", res.Len()))
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
