/*
scheduler.go - Periodic results ledger sync

PURPOSE:
  Periodically runs a non-forced initialization so units newly
  requisitioned in SSCM appear in the results ledger without an operator
  pressing "initialize". Recorded consumption is never touched.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Every run (scheduled, manual, startup) is recorded in sync_runs
  - An empty join is a failed run, not a crash: the next tick tries again
  - Writes go through the cache's single writer, same as the API

CONFIGURATION:
  - Interval: How often to sync (sync.interval, default 1h)
  - Enabled: False when the interval is 0

USAGE:
  scheduler := NewSyncScheduler(cache, journal, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Initialize endpoint (manual run)
  - reconcile/initialize.go: Initialize, AutoInitialize
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/reconcile"
	"github.com/warp/cable-ledger/store/sqlite"
)

// Run triggers recorded in sync_runs.
const (
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// RunStore records sync runs. *sqlite.Store implements it.
type RunStore interface {
	SaveSyncRun(ctx context.Context, r sqlite.SyncRun) error
}

// SyncScheduler handles periodic initialization of the results ledger.
type SyncScheduler struct {
	Store    reconcile.Store
	Runs     RunStore
	Interval time.Duration
	Enabled  bool

	clock  ledger.Clock
	newID  func() string
	logger *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a scheduler. An interval of 0 disables it;
// Run still works for manual and startup runs. runs may be nil.
func NewSyncScheduler(store reconcile.Store, runs RunStore, interval time.Duration, logger *zap.Logger) *SyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncScheduler{
		Store:    store,
		Runs:     runs,
		Interval: interval,
		Enabled:  interval > 0,
		clock:    ledger.SystemClock{},
		newID:    uuid.NewString,
		logger:   logger.Named("sync"),
	}
}

// Start begins the scheduler. The first run happens one interval later.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.logger.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler, cancelling a run in progress.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("scheduler stopped")
}

func (s *SyncScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ticker.C:
			if _, _, err := s.Run(ctx, TriggerSchedule, false); err != nil {
				s.logger.Warn("scheduled sync failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// Run initializes the results ledger once and records the run. It returns
// the run id (empty when runs are not recorded).
func (s *SyncScheduler) Run(ctx context.Context, trigger string, force bool) (string, reconcile.InitReport, error) {
	run := s.begin(ctx, trigger, force)

	report, err := reconcile.Initialize(ctx, s.Store, force)
	s.finish(ctx, &run, report, err)
	if err != nil {
		return run.ID, report, err
	}

	s.logger.Info("sync complete",
		zap.String("trigger", trigger),
		zap.Int("total", report.Total),
		zap.Int("added", report.Added))
	return run.ID, report, nil
}

// Startup initializes an empty results ledger. A populated ledger is left
// alone and no run is recorded.
func (s *SyncScheduler) Startup(ctx context.Context) (reconcile.InitReport, error) {
	src, err := s.Store.Sources(ctx)
	if err != nil {
		return reconcile.InitReport{}, err
	}
	if !src.Results.Empty() {
		return reconcile.AutoInitialize(ctx, s.Store, s.logger)
	}

	run := s.begin(ctx, TriggerStartup, true)
	report, err := reconcile.AutoInitialize(ctx, s.Store, s.logger)
	s.finish(ctx, &run, report, err)
	return report, err
}

func (s *SyncScheduler) begin(ctx context.Context, trigger string, force bool) sqlite.SyncRun {
	run := sqlite.SyncRun{
		ID:        s.newID(),
		Trigger:   trigger,
		Force:     force,
		Status:    sqlite.RunRunning,
		StartedAt: s.clock.Now(),
	}
	s.save(ctx, run)
	return run
}

func (s *SyncScheduler) finish(ctx context.Context, run *sqlite.SyncRun, report reconcile.InitReport, err error) {
	completed := s.clock.Now()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = sqlite.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = sqlite.RunCompleted
		run.Total = report.Total
		run.Added = report.Added
	}
	// A cancelled run is still recorded.
	s.save(context.WithoutCancel(ctx), *run)
}

func (s *SyncScheduler) save(ctx context.Context, run sqlite.SyncRun) {
	if s.Runs == nil {
		return
	}
	if err := s.Runs.SaveSyncRun(ctx, run); err != nil {
		s.logger.Warn("failed to record sync run", zap.String("id", run.ID), zap.Error(err))
	}
}
