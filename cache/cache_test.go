package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cable-ledger/cache"
	"github.com/warp/cable-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLoader struct {
	calls   atomic.Int32
	results atomic.Pointer[ledger.Results]
	err     error
	gate    chan struct{}
}

func (l *fakeLoader) Load(context.Context) (ledger.Sources, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return ledger.Sources{}, l.err
	}
	src := ledger.Sources{
		PMS: table([]string{"项目名称", "任务名称", "单任务物资平衡表完成时间"},
			[]string{"Alpha", "T1", ""}),
		History: table([]string{"项目名称", "任务名称", "单任务物资平衡表完成时间", ledger.ColCompletionYear},
			[]string{"Alpha", "T1", "", ""},
			[]string{"Beta", "T2", "2023-05-01", "2023"}),
		SSCM: table([]string{"项目名称", "站点名称", "物料/组合物料描述", "申领数量", "创建日期", "厂家箱号"},
			[]string{"alpha", "t1", "fiber", "10", "2024-01-01", "SN1"}),
	}
	if r := l.results.Load(); r != nil {
		src.Results = *r
	}
	return src, nil
}

// fakeSaver writes through to the loader, the way the files would.
type fakeSaver struct {
	loader *fakeLoader
	saves  atomic.Int32
	err    error
}

func (s *fakeSaver) Save(_ context.Context, res ledger.Results) error {
	if s.err != nil {
		return s.err
	}
	s.saves.Add(1)
	s.loader.results.Store(&res)
	return nil
}

func table(header []string, rows ...[]string) ledger.Table {
	b := ledger.NewBuilder(header...)
	for _, r := range rows {
		vals := make([]ledger.Value, len(r))
		for i, s := range r {
			vals[i] = ledger.TextValue(s)
		}
		b.Append(vals...)
	}
	return b.Table()
}

type fixture struct {
	cache  *cache.Cache
	loader *fakeLoader
	saver  *fakeSaver
	clock  *fakeClock
	reg    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		loader: &fakeLoader{},
		clock:  &fakeClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		reg:    prometheus.NewRegistry(),
	}
	f.saver = &fakeSaver{loader: f.loader}
	f.cache = cache.New(f.loader, f.saver,
		cache.WithTTL(time.Minute),
		cache.WithClock(f.clock),
		cache.WithLogger(zaptest.NewLogger(t)),
		cache.WithRegisterer(f.reg))
	return f
}

// counter sums every series of the named counter.
func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func unit(code string) ledger.ResultRow {
	return ledger.ResultRow{ProjectName: "Alpha", TaskName: "T1", UnitCode: code}
}

// =============================================================================
// TTL
// =============================================================================

func TestGet_ServesSameSnapshotWithinTTL(t *testing.T) {
	// GIVEN: A loaded cache
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	// WHEN: Reading again inside the TTL
	f.clock.Advance(59 * time.Second)
	second, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	// THEN: Same snapshot, one load
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), f.loader.calls.Load())
	assert.Equal(t, f.clock.Now().Add(-59*time.Second), first.LoadedAt)
	assert.Equal(t, 1.0, counter(t, f.reg, "cable_ledger_cache_hits_total"))
}

func TestGet_ReloadsAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestGet_ForceReloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestInvalidate_NextReadReloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	f.cache.Invalidate()
	_, err = f.cache.Get(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestInvalidate_BeforeFirstLoad(t *testing.T) {
	f := newFixture(t)
	f.cache.Invalidate()

	_, err := f.cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.loader.calls.Load())
}

func TestGet_LoadErrorIsReturnedAndNotCached(t *testing.T) {
	f := newFixture(t)
	f.loader.err = &ledger.MissingSourcesError{Missing: []ledger.MissingSource{{Name: ledger.SourcePMS}}}

	_, err := f.cache.Get(context.Background(), false)
	assert.ErrorIs(t, err, ledger.ErrMissingSources)

	f.loader.err = nil
	_, err = f.cache.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestGet_ConcurrentLoadsCollapse(t *testing.T) {
	// GIVEN: A slow loader
	f := newFixture(t)
	f.loader.gate = make(chan struct{})

	// WHEN: Many readers arrive while it is loading
	var wg sync.WaitGroup
	snaps := make([]*cache.Snapshot, 8)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.cache.Get(context.Background(), false)
			assert.NoError(t, err)
			snaps[i] = s
		}(i)
	}
	assert.Eventually(t, func() bool { return f.loader.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(f.loader.gate)
	wg.Wait()

	// THEN: The loader ran once
	assert.Equal(t, int32(1), f.loader.calls.Load())
	for _, s := range snaps {
		assert.Same(t, snaps[0], s)
	}
}

func TestGet_ForcedDoesNotJoinEarlierLoad(t *testing.T) {
	// GIVEN: An unforced load blocked inside the loader
	f := newFixture(t)
	f.loader.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.cache.Get(ctx, false)
		assert.NoError(t, err)
	}()
	assert.Eventually(t, func() bool { return f.loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	// WHEN: A forced Get arrives while it is still loading
	var forced *cache.Snapshot
	go func() {
		defer wg.Done()
		s, err := f.cache.Get(ctx, true)
		assert.NoError(t, err)
		forced = s
	}()
	assert.Eventually(t, func() bool { return f.loader.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(f.loader.gate)
	wg.Wait()

	// THEN: The loader ran again and the forced snapshot is the one published
	assert.Equal(t, int32(2), f.loader.calls.Load())
	require.NotNil(t, forced)
	assert.False(t, forced.LoadedAt.IsZero())

	current, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Same(t, forced, current)
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

// =============================================================================
// DERIVED LISTS
// =============================================================================

func TestProjects_MemoizedUntilInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.cache.Projects(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha"}, all)

	in2023, err := f.cache.Projects(ctx, 2023, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Beta"}, in2023)

	again, err := f.cache.Projects(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, all, again)
	assert.Equal(t, int32(1), f.loader.calls.Load())
}

func TestTasks_DroppedWithSnapshot(t *testing.T) {
	// GIVEN: A memoized task list
	f := newFixture(t)
	ctx := context.Background()
	tasks, err := f.cache.Tasks(ctx, "Alpha", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tasks)

	// WHEN: The cache is invalidated
	f.cache.Invalidate()
	_, err = f.cache.Tasks(ctx, "Alpha", false)
	require.NoError(t, err)

	// THEN: It was recomputed from a fresh load
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdate_PersistsAndInvalidates(t *testing.T) {
	// GIVEN: A loaded cache
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	// WHEN: A writer appends a unit
	err = f.cache.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
		return src.Results.Append(unit("SN1"))
	})
	require.NoError(t, err)

	// THEN: It was saved and the next read reloads and sees it
	assert.Equal(t, int32(1), f.saver.saves.Load())
	snap, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.True(t, snap.Results.Has("SN1"))
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestUpdate_FnErrorLeavesCacheAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.cache.Get(ctx, false)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.cache.Update(ctx, func(ledger.Sources) (ledger.Results, error) {
		return ledger.Results{}, boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.Zero(t, f.saver.saves.Load())
}

func TestUpdate_SaveErrorInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	f.saver.err = &ledger.PersistError{Format: "xlsx", Path: "results.xlsx", Err: errors.New("disk full")}

	err = f.cache.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
		return src.Results.Append(unit("SN1"))
	})
	require.ErrorIs(t, err, ledger.ErrPersist)

	snap, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.False(t, snap.Results.Has("SN1"))
	assert.Equal(t, int32(2), f.loader.calls.Load())
}

func TestUpdate_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	// GIVEN: Many writers each appending their own unit
	f := newFixture(t)
	ctx := context.Background()
	codes := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	// WHEN: They run at once
	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			assert.NoError(t, f.cache.Update(ctx, func(src ledger.Sources) (ledger.Results, error) {
				return src.Results.Append(unit(code))
			}))
		}(code)
	}
	wg.Wait()

	// THEN: Every unit made it
	snap, err := f.cache.Get(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, len(codes), snap.Results.Len())
	for _, code := range codes {
		assert.True(t, snap.Results.Has(code), code)
	}
}

func TestMetrics_LoadsByResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.cache.Get(ctx, false)
	f.loader.err = errors.New("unreadable")
	_, _ = f.cache.Get(ctx, true)

	assert.Equal(t, 2.0, counter(t, f.reg, "cable_ledger_cache_loads_total"))
	assert.Equal(t, 0.0, counter(t, f.reg, "cable_ledger_cache_invalidations_total"))
}
