package crew

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testSession struct {
	ownerID int64
}

type sessionRecorder struct {
	mu        sync.Mutex
	builds    atomic.Int32
	torn      []int64
	failBuild map[int64]error
	failTear  map[int64]error
}

func (r *sessionRecorder) build(ctx context.Context, ownerID int64) (*testSession, error) {
	r.builds.Add(1)
	if err := r.failBuild[ownerID]; err != nil {
		return nil, err
	}
	return &testSession{ownerID: ownerID}, nil
}

func (r *sessionRecorder) teardown(ctx context.Context, ownerID int64, session *testSession) error {
	r.mu.Lock()
	r.torn = append(r.torn, ownerID)
	r.mu.Unlock()
	return r.failTear[ownerID]
}

func (r *sessionRecorder) tornDown() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.torn...)
}

func newTestCache(t *testing.T, recorder *sessionRecorder, opts CacheOptions[*testSession]) *Cache[*testSession] {
	t.Helper()
	if opts.Build == nil {
		opts.Build = recorder.build
	}
	opts.Teardown = recorder.teardown
	cache, err := NewCache(opts)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestGetOrCreateBuildsOncePerOwner(t *testing.T) {
	recorder := &sessionRecorder{}
	release := make(chan struct{})
	var started sync.Once
	startedCh := make(chan struct{})
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{
		Build: func(ctx context.Context, ownerID int64) (*testSession, error) {
			started.Do(func() { close(startedCh) })
			<-release
			return recorder.build(ctx, ownerID)
		},
	})

	const callers = 8
	results := make(chan *testSession, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := cache.GetOrCreate(context.Background(), 5)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			results <- session
		}()
	}
	<-startedCh
	close(release)
	wg.Wait()
	close(results)

	var first *testSession
	for session := range results {
		if first == nil {
			first = session
		}
		if session != first {
			t.Fatal("expected every caller to receive the same session")
		}
	}
	again, err := cache.GetOrCreate(context.Background(), 5)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if again != first {
		t.Fatal("expected cached session on second lookup")
	}
	if got := recorder.builds.Load(); got != 1 {
		t.Fatalf("expected 1 build, got %d", got)
	}
}

func TestEnsureCapacityEvictsOldest(t *testing.T) {
	recorder := &sessionRecorder{}
	clock := newManualClock()
	counters := &metrics.Registry{}
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{MaxActive: 3, Clock: clock, Metrics: counters})
	ctx := context.Background()

	for ownerID := int64(1); ownerID <= 4; ownerID++ {
		if _, err := cache.GetOrCreate(ctx, ownerID); err != nil {
			t.Fatalf("get or create %d: %v", ownerID, err)
		}
		clock.Advance(time.Second)
	}

	if cache.Len() != 3 {
		t.Fatalf("expected 3 active sessions, got %d", cache.Len())
	}
	if cache.Active(1) {
		t.Fatal("expected owner 1 to be evicted")
	}
	if torn := recorder.tornDown(); len(torn) != 1 || torn[0] != 1 {
		t.Fatalf("expected teardown of owner 1, got %v", torn)
	}
	if got := counters.SessionsEvicted(metrics.EvictCapacity); got != 1 {
		t.Fatalf("expected 1 capacity eviction, got %d", got)
	}
}

func TestEnsureCapacityTieBreaksByOwnerID(t *testing.T) {
	recorder := &sessionRecorder{}
	clock := newManualClock()
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{MaxActive: 2, Clock: clock})
	ctx := context.Background()

	for _, ownerID := range []int64{9, 3, 7} {
		if _, err := cache.GetOrCreate(ctx, ownerID); err != nil {
			t.Fatalf("get or create %d: %v", ownerID, err)
		}
	}

	if cache.Active(3) || !cache.Active(7) || !cache.Active(9) {
		t.Fatalf("expected owner 3 evicted on tie, active=%v", cache.ActiveInfo(time.Hour))
	}
}

func TestRecentUseProtectsFromEviction(t *testing.T) {
	recorder := &sessionRecorder{}
	clock := newManualClock()
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{MaxActive: 2, Clock: clock})
	ctx := context.Background()

	cache.GetOrCreate(ctx, 1)
	clock.Advance(time.Second)
	cache.GetOrCreate(ctx, 2)
	clock.Advance(time.Second)
	if err := cache.RecordWork(1); err != nil {
		t.Fatalf("record work: %v", err)
	}
	clock.Advance(time.Second)
	cache.GetOrCreate(ctx, 3)

	if !cache.Active(1) || cache.Active(2) {
		t.Fatalf("expected owner 2 evicted, got %v", cache.ActiveInfo(time.Hour))
	}
}

func TestSweepIdleRemovesOnlyStaleEntries(t *testing.T) {
	recorder := &sessionRecorder{failTear: map[int64]error{1: errors.New("teardown exploded")}}
	clock := newManualClock()
	counters := &metrics.Registry{}
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{Clock: clock, Metrics: counters})
	ctx := context.Background()

	cache.GetOrCreate(ctx, 1)
	cache.GetOrCreate(ctx, 2)
	clock.Advance(time.Hour)
	cache.GetOrCreate(ctx, 3)
	clock.Advance(time.Hour)
	cache.GetOrCreate(ctx, 4)

	removed := cache.SweepIdle(ctx, time.Hour)
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if cache.Active(1) || cache.Active(2) {
		t.Fatal("expected stale sessions removed")
	}
	if !cache.Active(3) || !cache.Active(4) {
		t.Fatal("expected session at the threshold and fresh session to remain")
	}
	if torn := recorder.tornDown(); len(torn) != 2 || torn[0] != 1 || torn[1] != 2 {
		t.Fatalf("expected teardown of 1 and 2, got %v", torn)
	}
	if counters.TeardownFailures() != 1 {
		t.Fatalf("expected 1 teardown failure, got %d", counters.TeardownFailures())
	}
	if cache.SweepIdle(ctx, time.Hour) != 0 {
		t.Fatal("expected second sweep to remove nothing")
	}
}

func TestRecordWorkAndActiveInfo(t *testing.T) {
	recorder := &sessionRecorder{}
	clock := newManualClock()
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{Clock: clock})
	ctx := context.Background()

	if _, err := cache.GetOrCreate(ctx, 5); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	created := clock.Now()
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		if err := cache.RecordWork(5); err != nil {
			t.Fatalf("record work: %v", err)
		}
	}

	infos := cache.ActiveInfo(time.Hour)
	if len(infos) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(infos))
	}
	info := infos[0]
	if info.OwnerID != 5 || info.TaskCount != 3 || info.IsInactive {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.CreatedAt.Equal(created) || !info.LastActivity.Equal(clock.Now()) {
		t.Fatalf("unexpected timestamps %+v", info)
	}

	clock.Advance(2 * time.Hour)
	if !cache.ActiveInfo(time.Hour)[0].IsInactive {
		t.Fatal("expected session to report inactive")
	}
	if err := cache.RecordWork(99); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestBuildFailureLeavesNoEntry(t *testing.T) {
	cause := errors.New("crew not configured")
	recorder := &sessionRecorder{failBuild: map[int64]error{2: cause}}
	counters := &metrics.Registry{}
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{Metrics: counters})

	_, err := cache.GetOrCreate(context.Background(), 2)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) || buildErr.OwnerID != 2 || !errors.Is(err, cause) {
		t.Fatalf("expected build error wrapping cause, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatal("expected no cached entry after failed build")
	}
	if _, err := cache.GetOrCreate(context.Background(), 2); err == nil {
		t.Fatal("expected retry to build again and fail")
	}
	if got := recorder.builds.Load(); got != 2 {
		t.Fatalf("expected 2 build attempts, got %d", got)
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	recorder := &sessionRecorder{failTear: map[int64]error{2: errors.New("stuck")}}
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{})
	ctx := context.Background()

	for ownerID := int64(1); ownerID <= 3; ownerID++ {
		if _, err := cache.GetOrCreate(ctx, ownerID); err != nil {
			t.Fatalf("get or create: %v", err)
		}
	}
	cache.Start(ctx)

	if err := cache.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Len())
	}
	if torn := recorder.tornDown(); len(torn) != 3 {
		t.Fatalf("expected 3 teardowns, got %v", torn)
	}
	if _, err := cache.GetOrCreate(ctx, 1); !errors.Is(err, ErrCacheClosed) {
		t.Fatalf("expected ErrCacheClosed, got %v", err)
	}
	if err := cache.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestBuildCompletingAfterShutdownIsTornDown(t *testing.T) {
	recorder := &sessionRecorder{}
	release := make(chan struct{})
	started := make(chan struct{})
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{
		Build: func(ctx context.Context, ownerID int64) (*testSession, error) {
			close(started)
			<-release
			return &testSession{ownerID: ownerID}, nil
		},
	})

	errs := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(context.Background(), 4)
		errs <- err
	}()
	<-started
	if err := cache.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	close(release)

	if err := <-errs; !errors.Is(err, ErrCacheClosed) {
		t.Fatalf("expected ErrCacheClosed, got %v", err)
	}
	if torn := recorder.tornDown(); len(torn) != 1 || torn[0] != 4 {
		t.Fatalf("expected late session torn down, got %v", torn)
	}
	if cache.Len() != 0 {
		t.Fatal("expected cache to stay empty")
	}
}

func TestCleanupLoopSweepsIdleSessions(t *testing.T) {
	recorder := &sessionRecorder{}
	clock := newManualClock()
	cache := newTestCache(t, recorder, CacheOptions[*testSession]{
		Clock:           clock,
		CleanupInterval: 10 * time.Millisecond,
		IdleTimeout:     time.Minute,
	})
	ctx := context.Background()
	t.Cleanup(func() { _ = cache.Shutdown(ctx) })

	cache.GetOrCreate(ctx, 1)
	clock.Advance(2 * time.Minute)
	cache.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for cache.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for idle sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartAfterShutdownLaunchesNoLoop(t *testing.T) {
	cache := newTestCache(t, &sessionRecorder{}, CacheOptions[*testSession]{
		CleanupInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	cache.Start(ctx)
	if err := cache.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	cache.Start(ctx)

	cache.loopMu.Lock()
	running := cache.loopCancel != nil
	cache.loopMu.Unlock()
	if running {
		t.Fatal("expected no cleanup loop after shutdown")
	}
}

func TestStartRacingShutdownLeavesNoLoop(t *testing.T) {
	for i := 0; i < 50; i++ {
		cache := newTestCache(t, &sessionRecorder{}, CacheOptions[*testSession]{
			CleanupInterval: time.Millisecond,
		})
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cache.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = cache.Shutdown(ctx)
		}()
		wg.Wait()

		// Whichever ran first, a completed Shutdown owns the loop.
		cache.loopMu.Lock()
		running := cache.loopCancel != nil
		cache.loopMu.Unlock()
		if running {
			t.Fatalf("iteration %d: cleanup loop outlived shutdown", i)
		}
	}
}
