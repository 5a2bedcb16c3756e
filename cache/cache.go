package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/kpulse/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Source tells a caller whether a value came out of the table or from a
// refresh it waited on.
type Source int

const (
	SourceCache Source = iota
	SourceFresh
)

func (s Source) String() string {
	if s == SourceFresh {
		return "fresh"
	}
	return "cache"
}

type RefreshFunc func(ctx context.Context) (any, error)

type Result[T any] struct {
	Value   T
	IsStale bool
	Source  Source
}

type entry struct {
	value        any
	createdAt    time.Time
	contentType  ContentType
	revalidating bool
}

type Stats struct {
	Entries       int    `json:"entries"`
	Fresh         int    `json:"fresh"`
	Stale         int    `json:"stale"`
	Expired       int    `json:"expired"`
	Revalidating  int    `json:"revalidating"`
	Hits          uint64 `json:"hits"`
	StaleHits     uint64 `json:"stale_hits"`
	Misses        uint64 `json:"misses"`
	Revalidations uint64 `json:"revalidations"`
	Failures      uint64 `json:"failures"`
}

type Option func(*Cache)

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a stale-while-revalidate table keyed by string. For every key at
// most one refresh runs at a time; synchronous misses and background
// revalidations share the same singleflight group.
type Cache struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	metrics  types.MetricsManager
	policies Policies
	now      func() time.Time
	group    singleflight.Group
	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	bg       sync.WaitGroup
	state    atomic.Value

	hits          atomic.Uint64
	staleHits     atomic.Uint64
	misses        atomic.Uint64
	revalidations atomic.Uint64
	failures      atomic.Uint64
}

func NewCache(ctx context.Context, logger types.Logger, metrics types.MetricsManager, policies Policies, opts ...Option) (*Cache, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		parent:   ctx,
		logger:   logger,
		metrics:  metrics,
		policies: policies,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.state.Store(StateStopped)

	return c, nil
}

func (c *Cache) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(c.parent)
	c.closed = false
	c.mu.Unlock()

	c.setState(StateRunning)
	c.logger.Info("SWR cache started")
	return nil
}

// Stop cancels in-flight refreshes and waits for background revalidations to
// return. Entries are kept; nothing is persisted.
func (c *Cache) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(StateStopped)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.bg.Wait()

	c.logger.Info("SWR cache stopped", zap.Int("entries", c.Len()))
	return nil
}

func (c *Cache) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *Cache) getState() State {
	return c.state.Load().(State)
}

func (c *Cache) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Cache) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

// Get returns the value for key. A fresh entry is returned as is. A stale
// entry is returned with IsStale set and triggers one background refresh.
// Absent or expired entries are fetched synchronously; concurrent callers
// share that fetch. If ctx ends first the caller gets ctx.Err() while the
// fetch keeps running for the others.
func (c *Cache) Get(ctx context.Context, key string, ct ContentType, refresh RefreshFunc) (Result[any], error) {
	if key == "" {
		return Result[any]{}, types.ErrCacheKeyEmpty
	}
	if refresh == nil {
		return Result[any]{}, types.ErrCacheRefreshIsNil
	}
	if !ct.Valid() {
		return Result[any]{}, types.Errorf(types.ErrCacheContentType, "value: %d", int(ct))
	}
	if !c.IsRunning() {
		return Result[any]{}, types.ErrCacheNotRunning
	}

	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		policy := c.policies[e.contentType]
		age := now.Sub(e.createdAt)

		if age <= policy.Fresh {
			value := e.value
			c.mu.Unlock()

			c.hits.Add(1)
			c.record("hit", e.contentType)
			return Result[any]{Value: value, Source: SourceCache}, nil
		}

		if age <= policy.Stale {
			value := e.value
			entryType := e.contentType
			spawn := !e.revalidating && !c.closed
			if spawn {
				e.revalidating = true
				c.bg.Add(1)
			}
			c.mu.Unlock()

			if spawn {
				go c.revalidate(key, entryType, refresh)
			}

			c.staleHits.Add(1)
			c.record("stale", entryType)
			return Result[any]{Value: value, IsStale: true, Source: SourceCache}, nil
		}
	}
	c.mu.Unlock()

	c.misses.Add(1)
	c.record("miss", ct)

	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(key, ct, refresh)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result[any]{}, res.Err
		}
		return Result[any]{Value: res.Val, Source: SourceFresh}, nil
	case <-ctx.Done():
		return Result[any]{}, ctx.Err()
	case <-c.ctx.Done():
		return Result[any]{}, types.ErrCacheNotRunning
	}
}

// Fetch is Get with a typed refresh and result.
func Fetch[T any](ctx context.Context, c *Cache, key string, ct ContentType, refresh func(ctx context.Context) (T, error)) (Result[T], error) {
	if refresh == nil {
		return Result[T]{}, types.ErrCacheRefreshIsNil
	}

	res, err := c.Get(ctx, key, ct, func(ctx context.Context) (any, error) {
		return refresh(ctx)
	})
	if err != nil {
		return Result[T]{}, err
	}

	value, ok := res.Value.(T)
	if !ok && res.Value != nil {
		return Result[T]{}, types.Errorf(types.ErrCacheValueType, "key %s holds %T", key, res.Value)
	}

	return Result[T]{Value: value, IsStale: res.IsStale, Source: res.Source}, nil
}

// Set stores value as a freshly created entry. An existing key keeps the
// content type it was created with.
func (c *Cache) Set(key string, value any, ct ContentType) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if !ct.Valid() {
		return types.Errorf(types.ErrCacheContentType, "value: %d", int(ct))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeLocked(key, value, ct)
	return nil
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Sweep removes every entry older than its content type's stale bound and
// returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.policies[e.contentType].Stale {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.metrics.Counter("cache_swept_total", nil).Add(float64(removed))
	}
	c.metrics.Gauge("cache_entries", nil).Set(float64(len(c.entries)))

	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Policies() Policies {
	return c.policies
}

func (c *Cache) Stats() Stats {
	now := c.now()

	stats := Stats{
		Hits:          c.hits.Load(),
		StaleHits:     c.staleHits.Load(),
		Misses:        c.misses.Load(),
		Revalidations: c.revalidations.Load(),
		Failures:      c.failures.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stats.Entries = len(c.entries)
	for _, e := range c.entries {
		policy := c.policies[e.contentType]
		switch age := now.Sub(e.createdAt); {
		case age <= policy.Fresh:
			stats.Fresh++
		case age <= policy.Stale:
			stats.Stale++
		default:
			stats.Expired++
		}
		if e.revalidating {
			stats.Revalidating++
		}
	}

	return stats
}

func (c *Cache) revalidate(key string, ct ContentType, refresh RefreshFunc) {
	defer c.bg.Done()

	c.revalidations.Add(1)
	start := time.Now()

	_, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(key, ct, refresh)
	})

	// The entry may not be the one this revalidation was started for: load
	// keeps a newer write, and that entry's flag can belong to a goroutine
	// that joined this same call.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.revalidating = false
	}
	c.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"

		c.logger.Warn("Background revalidation failed, keeping stale entry",
			zap.String("key", key),
			zap.String("content_type", ct.String()),
			zap.Error(err))
	}

	c.metrics.Counter("cache_revalidations_total", map[string]string{
		"content_type": ct.String(),
		"result":       result,
	}).Inc()
	c.metrics.Histogram("cache_refresh_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		map[string]string{"mode": "background"},
	).Observe(time.Since(start).Seconds())
}

// load runs refresh under the cache lifetime context and writes the result.
// A result is not written over an entry that was (re)written after the
// refresh started; the newer value is handed back instead.
func (c *Cache) load(key string, ct ContentType, refresh RefreshFunc) (any, error) {
	started := c.now()

	value, err := c.callRefresh(refresh)
	if err != nil {
		c.failures.Add(1)
		c.metrics.Counter("cache_refresh_failures_total", map[string]string{"content_type": ct.String()}).Inc()
		return nil, &FetchError{Key: key, ContentType: ct, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok && existing.createdAt.After(started) {
		c.logger.Debug("Discarding refresh result older than current entry",
			zap.String("key", key),
			zap.String("content_type", existing.contentType.String()))
		return existing.value, nil
	}

	c.writeLocked(key, value, ct)
	return value, nil
}

func (c *Cache) callRefresh(refresh RefreshFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()

	return refresh(c.ctx)
}

func (c *Cache) writeLocked(key string, value any, ct ContentType) {
	if existing, ok := c.entries[key]; ok {
		ct = existing.contentType
	}

	c.entries[key] = &entry{
		value:       value,
		createdAt:   c.now(),
		contentType: ct,
	}
}

func (c *Cache) record(result string, ct ContentType) {
	c.metrics.Counter("cache_operations_total", map[string]string{
		"operation":    "get",
		"result":       result,
		"content_type": ct.String(),
	}).Inc()
}
