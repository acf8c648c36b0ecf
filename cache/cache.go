/*
cache.go - Process-wide snapshot of the three ledgers

PURPOSE:
  Loading PMS, SSCM and the results ledger takes seconds on real files, and
  every query needs all three. Cache owns one immutable Snapshot and hands
  the same one to every reader until it goes stale.

CRITICAL INVARIANTS:
  1. NO TORN READS: a Snapshot is never modified after it is published.
     Refresh builds a new one and swaps the pointer.
  2. ONE WRITER: Update holds a mutex around read -> mutate -> persist ->
     publish, so concurrent usage records cannot lose each other.
  3. MEMOS FOLLOW THE SNAPSHOT: the project and task lists hang off the
     entry they were computed from. Replacing the entry drops them, so a
     derived list can never outlive the ledger it came from.

STALENESS:
  An entry is fresh while clock.Now() - LoadedAt < TTL. Invalidate resets
  LoadedAt to the zero time, which is never fresh.

SEE ALSO:
  - store/loader.go: the Loader behind every refresh
  - reconcile/initialize.go: the main Update caller
  - watch/watcher.go: invalidates on source file changes
*/
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/reconcile"
)

// DefaultTTL is how long a loaded snapshot is served without reloading.
const DefaultTTL = 5 * time.Minute

// Loader reads all sources. *store.Loader implements it.
type Loader interface {
	Load(ctx context.Context) (ledger.Sources, error)
}

// Saver persists the results ledger. *store.Persister implements it.
type Saver interface {
	Save(ctx context.Context, res ledger.Results) error
}

// Snapshot is one consistent view of the ledgers.
type Snapshot struct {
	ledger.Sources
	LoadedAt time.Time
}

// entry is a published snapshot plus the lists derived from it.
type entry struct {
	snap *Snapshot

	// outdated is set on a load that finished after a write or invalidation
	// it did not see. Such an entry is returned to its callers but never
	// published.
	outdated bool

	mu       sync.Mutex
	projects map[int][]string
	tasks    map[string][]string
}

func newEntry(snap *Snapshot) *entry {
	return &entry{
		snap:     snap,
		projects: make(map[int][]string),
		tasks:    make(map[string][]string),
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	loader  Loader
	saver   Saver
	ttl     time.Duration
	clock   ledger.Clock
	logger  *zap.Logger
	metrics *metrics

	current atomic.Pointer[entry]
	group   singleflight.Group
	writeMu sync.Mutex

	// publishMu orders publications; gen counts writes and invalidations.
	publishMu sync.Mutex
	gen       uint64
}

var _ reconcile.Store = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the snapshot lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock ledger.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithRegisterer registers the cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newMetrics(reg) }
}

// New creates an empty cache. Nothing is loaded until the first Get.
func New(loader Loader, saver Saver, opts ...Option) *Cache {
	c := &Cache{
		loader: loader,
		saver:  saver,
		ttl:    DefaultTTL,
		clock:  ledger.SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	return c
}

// TTL returns the configured snapshot lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// =============================================================================
// READ PATH
// =============================================================================

// Get returns the current snapshot, loading a new one if it is stale or
// force is set. Concurrent loads collapse into one; a forced Get never joins
// a load that started before it.
func (c *Cache) Get(ctx context.Context, force bool) (*Snapshot, error) {
	e, err := c.entry(ctx, force)
	if err != nil {
		return nil, err
	}
	return e.snap, nil
}

// Sources returns the current snapshot's ledgers.
func (c *Cache) Sources(ctx context.Context) (ledger.Sources, error) {
	snap, err := c.Get(ctx, false)
	if err != nil {
		return ledger.Sources{}, err
	}
	return snap.Sources, nil
}

func (c *Cache) entry(ctx context.Context, force bool) (*entry, error) {
	if e := c.current.Load(); e != nil && !force && c.fresh(e.snap) {
		c.metrics.hits.Inc()
		return e, nil
	}

	if force {
		// A load already in flight read the files before this call: retire
		// it so its result is not published, and start a new one.
		c.publishMu.Lock()
		c.gen++
		c.publishMu.Unlock()
		c.group.Forget("load")
	}

	v, err, shared := c.group.Do("load", func() (interface{}, error) {
		c.publishMu.Lock()
		gen := c.gen
		c.publishMu.Unlock()

		started := c.clock.Now()
		src, err := c.loader.Load(ctx)
		if err != nil {
			c.metrics.loads.WithLabelValues("error").Inc()
			return nil, err
		}
		e := newEntry(&Snapshot{Sources: src, LoadedAt: c.clock.Now()})

		c.publishMu.Lock()
		if c.gen == gen {
			c.current.Store(e)
		} else {
			e.snap.LoadedAt = time.Time{}
			e.outdated = true
		}
		c.publishMu.Unlock()
		c.metrics.loads.WithLabelValues("ok").Inc()
		c.logger.Info("ledgers loaded",
			zap.Int("open_tasks", src.PMS.Len()),
			zap.Int("sscm_rows", src.SSCM.Len()),
			zap.Int("results", src.Results.Len()),
			zap.Duration("took", c.clock.Now().Sub(started)))
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight load")
	}
	return v.(*entry), nil
}

func (c *Cache) fresh(s *Snapshot) bool {
	return !s.LoadedAt.IsZero() && c.clock.Now().Sub(s.LoadedAt) < c.ttl
}

// Invalidate marks the snapshot stale and drops the derived lists. The
// stale ledgers stay published until the next Get replaces them.
func (c *Cache) Invalidate() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.gen++
	c.metrics.invalidations.Inc()
	if old := c.current.Load(); old != nil {
		c.current.Store(newEntry(&Snapshot{Sources: old.snap.Sources}))
	}
	c.logger.Debug("cache invalidated")
}

// =============================================================================
// DERIVED LISTS
// =============================================================================

// Projects returns the names of projects with open tasks, or with year set,
// the projects that completed a task in that year. The list is memoized per year unless fresh is
// set, in which case it is recomputed from the current snapshot.
func (c *Cache) Projects(ctx context.Context, year int, fresh bool) ([]string, error) {
	e, err := c.entry(ctx, false)
	if err != nil {
		return nil, err
	}
	if !fresh {
		e.mu.Lock()
		cached, ok := e.projects[year]
		e.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	projects, err := reconcile.Projects(e.snap.PMS, e.snap.History, year)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.projects[year] = projects
	e.mu.Unlock()
	return projects, nil
}

// Tasks returns the open tasks of project that have SSCM requisitions.
// Memoized per project name unless fresh is set.
func (c *Cache) Tasks(ctx context.Context, project string, fresh bool) ([]string, error) {
	e, err := c.entry(ctx, false)
	if err != nil {
		return nil, err
	}
	if !fresh {
		e.mu.Lock()
		cached, ok := e.tasks[project]
		e.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	tasks, err := reconcile.Tasks(e.snap.PMS, e.snap.SSCM, project)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.tasks[project] = tasks
	e.mu.Unlock()
	return tasks, nil
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Update runs fn against the current ledgers under the writer lock and
// persists the results it returns. On success the new results are published
// in a snapshot already marked stale, so the next read reloads from disk.
// A failed save invalidates the cache: the files may no longer match it.
func (c *Cache) Update(ctx context.Context, fn func(src ledger.Sources) (ledger.Results, error)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	e, err := c.entry(ctx, false)
	for err == nil && e.outdated {
		e, err = c.entry(ctx, false)
	}
	if err != nil {
		return err
	}

	next, err := fn(e.snap.Sources)
	if err != nil {
		return err
	}

	if err := c.saver.Save(ctx, next); err != nil {
		c.Invalidate()
		return err
	}

	src := e.snap.Sources
	src.Results = next
	src.DuplicateUnits = 0
	c.publishMu.Lock()
	c.gen++
	c.current.Store(newEntry(&Snapshot{Sources: src}))
	c.publishMu.Unlock()
	c.metrics.invalidations.Inc()
	c.logger.Debug("results updated", zap.Int("rows", next.Len()))
	return nil
}

// =============================================================================
// METRICS
// =============================================================================

type metrics struct {
	hits          prometheus.Counter
	loads         *prometheus.CounterVec
	invalidations prometheus.Counter
}

// newMetrics builds the counters and registers them with reg when it is
// non-nil. Registering the same cache metrics twice panics, as with any
// prometheus collector.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cable_ledger",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Reads served from a fresh snapshot.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cable_ledger",
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Snapshot loads by result.",
		}, []string{"result"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cable_ledger",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Times the snapshot was marked stale.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.loads, m.invalidations)
	}
	return m
}
