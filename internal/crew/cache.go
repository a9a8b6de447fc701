package crew

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

const (
	DefaultMaxActive       = 10
	DefaultCleanupInterval = 5 * time.Minute
	DefaultIdleTimeout     = time.Hour
)

var (
	ErrSessionNotActive = errors.New("session not active")
	ErrCacheClosed      = errors.New("session cache closed")
)

// BuildError reports a failed session construction. Nothing is cached when
// it is returned.
type BuildError struct {
	OwnerID int64
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build session %d: %v", e.OwnerID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type BuildFunc[S any] func(ctx context.Context, ownerID int64) (S, error)

type TeardownFunc[S any] func(ctx context.Context, ownerID int64, session S) error

type CacheOptions[S any] struct {
	Build           BuildFunc[S]
	Teardown        TeardownFunc[S]
	MaxActive       int
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	Clock           Clock
	Logger          *logging.Logger
	Metrics         *metrics.Registry
}

// ActiveInfo describes one cached session.
type ActiveInfo struct {
	OwnerID      int64     `json:"crew_id"`
	TaskCount    int       `json:"task_count"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	IsInactive   bool      `json:"is_inactive"`
}

type activity[S any] struct {
	ownerID      int64
	session      S
	lastActivity time.Time
	createdAt    time.Time
	taskCount    int
}

// Cache keeps at most MaxActive sessions keyed by owner id. mu guards entries
// and closed; Build and Teardown always run without it.
type Cache[S any] struct {
	build           BuildFunc[S]
	teardown        TeardownFunc[S]
	maxActive       int
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	clock           Clock
	logger          *logging.Logger
	metrics         *metrics.Registry

	mu      sync.Mutex
	entries map[int64]*activity[S]
	closed  bool
	flight  singleflight.Group

	// loopMu guards the sweep loop handle; loopStopped latches on Shutdown.
	loopMu      sync.Mutex
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	loopStopped bool
}

func NewCache[S any](opts CacheOptions[S]) (*Cache[S], error) {
	if opts.Build == nil {
		return nil, errors.New("session build func is required")
	}
	maxActive := opts.MaxActive
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cache[S]{
		build:           opts.Build,
		teardown:        opts.Teardown,
		maxActive:       maxActive,
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		clock:           clock,
		logger:          logger.WithCategory("crew"),
		metrics:         opts.Metrics,
		entries:         make(map[int64]*activity[S]),
	}, nil
}

func (c *Cache[S]) MaxActive() int {
	return c.maxActive
}

func (c *Cache[S]) IdleTimeout() time.Duration {
	return c.idleTimeout
}

// GetOrCreate returns the cached session for ownerID, building it on a miss.
// Concurrent misses for the same owner share one build, which runs with the
// first caller's context.
func (c *Cache[S]) GetOrCreate(ctx context.Context, ownerID int64) (S, error) {
	if session, ok, err := c.lookup(ownerID); ok || err != nil {
		return session, err
	}

	value, err, _ := c.flight.Do(strconv.FormatInt(ownerID, 10), func() (any, error) {
		if session, ok, err := c.lookup(ownerID); ok || err != nil {
			return session, err
		}
		return c.create(ctx, ownerID)
	})
	if err != nil {
		var zero S
		return zero, err
	}
	return value.(S), nil
}

// lookup returns a cached session and refreshes its activity.
func (c *Cache[S]) lookup(ownerID int64) (S, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero S
	if c.closed {
		return zero, false, ErrCacheClosed
	}
	entry, ok := c.entries[ownerID]
	if !ok {
		return zero, false, nil
	}
	entry.lastActivity = c.clock.Now()
	return entry.session, true, nil
}

func (c *Cache[S]) create(ctx context.Context, ownerID int64) (S, error) {
	var zero S
	session, err := c.build(ctx, ownerID)
	if err != nil {
		c.metrics.IncSessionBuildFailures()
		c.logger.Warn("session build failed", map[string]string{
			"crew_id":          formatID(ownerID),
			logging.FieldError: err.Error(),
		})
		return zero, &BuildError{OwnerID: ownerID, Err: err}
	}

	now := c.clock.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.destroy(context.WithoutCancel(ctx), ownerID, session, metrics.EvictShutdown)
		return zero, ErrCacheClosed
	}
	c.entries[ownerID] = &activity[S]{
		ownerID:      ownerID,
		session:      session,
		lastActivity: now,
		createdAt:    now,
	}
	active := len(c.entries)
	c.mu.Unlock()

	c.metrics.IncSessionsCreated()
	c.metrics.SetSessionsActive(active)
	c.logger.Info("session created", map[string]string{
		"crew_id": formatID(ownerID),
		"active":  strconv.Itoa(active),
	})

	c.EnsureCapacity(context.WithoutCancel(ctx))
	return session, nil
}

// RecordWork counts one completed unit of work and refreshes activity.
func (c *Cache[S]) RecordWork(ownerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[ownerID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotActive, ownerID)
	}
	entry.taskCount++
	entry.lastActivity = c.clock.Now()
	return nil
}

// SweepIdle destroys every session whose last activity is older than
// threshold and returns how many were removed.
func (c *Cache[S]) SweepIdle(ctx context.Context, threshold time.Duration) int {
	c.mu.Lock()
	cutoff := c.clock.Now().Add(-threshold)
	var victims []*activity[S]
	for ownerID, entry := range c.entries {
		if entry.lastActivity.Before(cutoff) {
			victims = append(victims, entry)
			delete(c.entries, ownerID)
		}
	}
	active := len(c.entries)
	c.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	c.metrics.SetSessionsActive(active)
	sortByOwner(victims)
	for _, entry := range victims {
		c.destroy(ctx, entry.ownerID, entry.session, metrics.EvictIdle)
	}
	c.logger.Info("idle sessions swept", map[string]string{
		"removed": strconv.Itoa(len(victims)),
		"active":  strconv.Itoa(active),
	})
	return len(victims)
}

// EnsureCapacity evicts the least recently active sessions until at most
// MaxActive remain. Ties on last activity go to the lower owner id. It
// returns how many were evicted.
func (c *Cache[S]) EnsureCapacity(ctx context.Context) int {
	c.mu.Lock()
	var victims []*activity[S]
	for len(c.entries) > c.maxActive {
		var oldest *activity[S]
		for _, entry := range c.entries {
			if oldest == nil || olderThan(entry, oldest) {
				oldest = entry
			}
		}
		delete(c.entries, oldest.ownerID)
		victims = append(victims, oldest)
	}
	active := len(c.entries)
	c.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	c.metrics.SetSessionsActive(active)
	for _, entry := range victims {
		c.logger.Info("evicting session over capacity", map[string]string{
			"crew_id":    formatID(entry.ownerID),
			"max_active": strconv.Itoa(c.maxActive),
		})
		c.destroy(ctx, entry.ownerID, entry.session, metrics.EvictCapacity)
	}
	return len(victims)
}

func olderThan[S any](a, b *activity[S]) bool {
	if !a.lastActivity.Equal(b.lastActivity) {
		return a.lastActivity.Before(b.lastActivity)
	}
	return a.ownerID < b.ownerID
}

// destroy runs the teardown hook. Failures are logged and counted only.
func (c *Cache[S]) destroy(ctx context.Context, ownerID int64, session S, reason string) {
	c.metrics.IncSessionsEvicted(reason)
	if c.teardown == nil {
		return
	}
	if err := c.teardown(ctx, ownerID, session); err != nil {
		c.metrics.IncTeardownFailures()
		c.logger.Warn("session teardown failed", map[string]string{
			"crew_id":          formatID(ownerID),
			"reason":           reason,
			logging.FieldError: err.Error(),
		})
	}
}

// Start launches the periodic idle sweep. It is a no-op when already running
// or after Shutdown.
func (c *Cache[S]) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStopped || c.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.cleanupLoop(loopCtx, c.loopDone)
}

// cleanupLoop only observes cancellation between sweeps, so a sweep in
// progress always completes its teardowns.
func (c *Cache[S]) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepIdle(context.WithoutCancel(ctx), c.idleTimeout)
		}
	}
}

// Shutdown stops the sweep loop, destroys every session and refuses further
// use. It always returns nil; teardown failures are logged.
func (c *Cache[S]) Shutdown(ctx context.Context) error {
	c.loopMu.Lock()
	c.loopStopped = true
	cancel, done := c.loopCancel, c.loopDone
	c.loopCancel, c.loopDone = nil, nil
	c.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.closed = true
	victims := make([]*activity[S], 0, len(c.entries))
	for _, entry := range c.entries {
		victims = append(victims, entry)
	}
	c.entries = make(map[int64]*activity[S])
	c.mu.Unlock()

	c.metrics.SetSessionsActive(0)
	sortByOwner(victims)
	for _, entry := range victims {
		c.destroy(ctx, entry.ownerID, entry.session, metrics.EvictShutdown)
	}
	c.logger.Info("session cache shut down", map[string]string{
		"destroyed": strconv.Itoa(len(victims)),
	})
	return nil
}

// ActiveInfo reports every cached session ordered by owner id. A session is
// inactive when it has been idle longer than idleTimeout.
func (c *Cache[S]) ActiveInfo(idleTimeout time.Duration) []ActiveInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	infos := make([]ActiveInfo, 0, len(c.entries))
	for _, entry := range c.entries {
		infos = append(infos, ActiveInfo{
			OwnerID:      entry.ownerID,
			TaskCount:    entry.taskCount,
			LastActivity: entry.lastActivity.UTC(),
			CreatedAt:    entry.createdAt.UTC(),
			IsInactive:   now.Sub(entry.lastActivity) > idleTimeout,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].OwnerID < infos[j].OwnerID
	})
	return infos
}

// Active reports whether ownerID has a cached session. Activity is not
// refreshed.
func (c *Cache[S]) Active(ownerID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[ownerID]
	return ok
}

func (c *Cache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func sortByOwner[S any](entries []*activity[S]) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ownerID < entries[j].ownerID
	})
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
