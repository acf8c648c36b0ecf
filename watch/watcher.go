// Package watch invalidates the ledger cache when a source file changes on
// disk, so a fresh PMS or SSCM export is picked up without waiting for the
// cache TTL.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must be quiet before it counts as
// changed. Spreadsheet tools write in several bursts.
const DefaultDebounce = 500 * time.Millisecond

// Invalidator is told when watched files change. *cache.Cache implements it.
type Invalidator interface {
	Invalidate()
}

// Watcher watches the directories holding a fixed set of files.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	target   Invalidator
	logger   *zap.Logger
	files    map[string]bool
	twins    map[string]string // workbook -> parquet copy derived from it
	pending  map[string]time.Time
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	invalidations int
}

// New creates a watcher for files. Nothing is watched until Start.
func New(files []string, target Invalidator, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[filepath.Clean(f)] = true
	}

	return &Watcher{
		watcher:  fw,
		target:   target,
		logger:   logger,
		files:    set,
		pending:  make(map[string]time.Time),
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// SetTwins registers derived files: when a workbook key is rewritten, its
// value is deleted before invalidating so the next load converts the new
// workbook instead of reading the stale copy. Call before Start.
func (w *Watcher) SetTwins(twins map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.twins = make(map[string]string, len(twins))
	for src, derived := range twins {
		w.twins[filepath.Clean(src)] = filepath.Clean(derived)
	}
}

// Start watches every directory containing a file. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.logger.Debug("watching directory", zap.String("dir", dir))
	}

	go w.run(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("close watcher", zap.Error(err))
	}
}

// Invalidations returns how many times the target was invalidated.
func (w *Watcher) Invalidations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.invalidations
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(w.tickEvery())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) tickEvery() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d := w.debounce / 5; d > 0 {
		return d
	}
	return time.Millisecond
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(event.Name)
	if !w.files[name] {
		return
	}

	w.mu.Lock()
	w.pending[name] = time.Now()
	w.mu.Unlock()
}

// flush invalidates once for all files quiet for the debounce period.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var settled []string
	for name, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, name)
			delete(w.pending, name)
		}
	}
	if len(settled) > 0 {
		w.invalidations++
	}
	stale := make(map[string]string)
	for _, name := range settled {
		if twin, ok := w.twins[name]; ok {
			stale[name] = twin
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}
	for workbook, twin := range stale {
		w.removeStale(workbook, twin)
	}
	w.logger.Info("source files changed, invalidating cache", zap.Strings("files", settled))
	w.target.Invalidate()
}

// removeStale deletes the copy derived from a workbook that still exists.
// A deleted workbook leaves its copy as the only readable version.
func (w *Watcher) removeStale(workbook, twin string) {
	if _, err := os.Stat(workbook); err != nil {
		return
	}
	if err := os.Remove(twin); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("remove stale converted copy", zap.String("path", twin), zap.Error(err))
		return
	}
	w.logger.Info("removed stale converted copy", zap.String("path", twin))
}
