package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/kpulse/logger"
	"github.com/saiset-co/kpulse/metrics"
	"github.com/saiset-co/kpulse/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestGate(cfg Config) (*Gate, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 13, 9, 0, 0, 0, time.UTC)}
	return NewGate(cfg, logger.NewNop(), metrics.NewNop(), WithClock(clock.Now)), clock
}

func testConfig(block time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Endpoints = map[string]Limit{"catalog-search": {Max: 5, Window: 60 * time.Second}}
	cfg.BlockDuration = block
	return cfg
}

func TestWindowReset(t *testing.T) {
	g, clock := newTestGate(testConfig(30 * time.Second))

	for i := 0; i < 5; i++ {
		res := g.Check("catalog-search")
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, res.Remaining)
		clock.Advance(time.Second)
	}

	clock.Advance(5 * time.Second)
	res := g.Check("catalog-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 30, res.ResetInSeconds)
	assert.Contains(t, res.Message, "Try again in 30 seconds")

	clock.Advance(51 * time.Second)
	res = g.Check("catalog-search")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestHardBlockOutlastsWindow(t *testing.T) {
	g, clock := newTestGate(testConfig(120 * time.Second))

	for i := 0; i < 5; i++ {
		require.True(t, g.Check("catalog-search").Allowed)
	}

	clock.Advance(10 * time.Second)
	require.False(t, g.Check("catalog-search").Allowed)

	clock.Advance(51 * time.Second)
	res := g.Check("catalog-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 69, res.ResetInSeconds)

	clock.Advance(69 * time.Second)
	assert.True(t, g.Check("catalog-search").Allowed)
}

func TestGlobalLimitBlocksEveryEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global = Limit{Max: 3, Window: time.Minute}
	g, clock := newTestGate(cfg)

	assert.True(t, g.Check("catalog-search").Allowed)
	assert.True(t, g.Check("news-search").Allowed)
	res := g.Check("video-search")
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	assert.False(t, g.Check("chart").Allowed)
	assert.False(t, g.Check("catalog-search").Allowed)

	snap := g.Snapshot(GlobalEndpoint)
	assert.True(t, snap.Blocked)
	assert.False(t, g.Snapshot("chart").Blocked)

	clock.Advance(time.Minute)
	assert.True(t, g.Check("chart").Allowed)
}

func TestBurstThrottle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstMax = 3
	cfg.BurstWindow = 10 * time.Second
	cfg.BurstGrace = 5 * time.Second

	cfg.Lenient = false
	strict, strictClock := newTestGate(cfg)

	cfg.Lenient = true
	lenient, lenientClock := newTestGate(cfg)

	for i := 0; i < 3; i++ {
		require.True(t, strict.Check("news-search").Allowed)
		require.True(t, lenient.Check("news-search").Allowed)
	}

	strictClock.Advance(6 * time.Second)
	lenientClock.Advance(6 * time.Second)

	res := strict.Check("news-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 4, res.ResetInSeconds)
	assert.False(t, strict.Snapshot("news-search").Blocked)

	assert.True(t, lenient.Check("news-search").Allowed)

	strictClock.Advance(4 * time.Second)
	assert.True(t, strict.Check("news-search").Allowed)
}

func TestCheckWithoutIncrement(t *testing.T) {
	g, _ := newTestGate(testConfig(30 * time.Second))

	for i := 0; i < 10; i++ {
		res := g.CheckWithoutIncrement("catalog-search")
		require.True(t, res.Allowed)
		assert.Equal(t, 5, res.Remaining)
	}

	for i := 0; i < 5; i++ {
		require.True(t, g.Check("catalog-search").Allowed)
	}

	res := g.CheckWithoutIncrement("catalog-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.ResetInSeconds)
	assert.False(t, g.Snapshot("catalog-search").Blocked)
	assert.Equal(t, 5, g.Snapshot("catalog-search").Count)
}

func TestCheckWithoutIncrementReportsWindowReset(t *testing.T) {
	g, clock := newTestGate(testConfig(30 * time.Second))

	for i := 0; i < 5; i++ {
		require.True(t, g.Check("catalog-search").Allowed)
	}

	clock.Advance(50 * time.Second)
	res := g.CheckWithoutIncrement("catalog-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 10, res.ResetInSeconds)
	assert.Contains(t, res.Message, "Try again in 10 seconds")

	res = g.Check("catalog-search")
	assert.False(t, res.Allowed)
	assert.Equal(t, 30, res.ResetInSeconds)
}

func TestUnknownEndpointUsesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Default = Limit{Max: 2, Window: time.Minute}
	g, _ := newTestGate(cfg)

	assert.True(t, g.Check("lyrics").Allowed)
	assert.True(t, g.Check("lyrics").Allowed)
	assert.False(t, g.Check("lyrics").Allowed)
	assert.Equal(t, 2, g.Snapshot("lyrics").Max)
}

func TestResultErr(t *testing.T) {
	g, _ := newTestGate(testConfig(30 * time.Second))

	res := g.Check("catalog-search")
	assert.NoError(t, res.Err("catalog-search"))

	for i := 0; i < 5; i++ {
		res = g.Check("catalog-search")
	}

	err := res.Err("catalog-search")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRateLimitExceeded))

	var limited *LimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 30*time.Second, limited.RetryAfter)
	assert.Equal(t, "catalog-search", limited.Endpoint)
}

func TestPrune(t *testing.T) {
	g, clock := newTestGate(testConfig(time.Hour))

	g.Check("news-search")
	for i := 0; i < 6; i++ {
		g.Check("catalog-search")
	}

	clock.Advance(31 * time.Minute)
	// news-search and global go, catalog-search is still blocked.
	assert.Equal(t, 2, g.Prune(30*time.Minute))
	assert.True(t, g.Snapshot("catalog-search").Blocked)
	assert.Equal(t, 0, g.Snapshot("news-search").Count)
}

func TestConcurrentChecksNeverExceedMax(t *testing.T) {
	cfg := testConfig(time.Minute)
	g, _ := newTestGate(cfg)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check("catalog-search").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestConfigFromTypes(t *testing.T) {
	cfg := ConfigFromTypes(&types.RateLimitConfig{
		Lenient: false,
		Default: types.EndpointLimitConfig{Max: 10},
		Endpoints: map[string]types.EndpointLimitConfig{
			"chart": {Max: 2},
		},
		BlockDuration: time.Minute,
	})

	assert.False(t, cfg.Lenient)
	assert.Equal(t, Limit{Max: 10, Window: time.Minute}, cfg.Default)
	assert.Equal(t, Limit{Max: 2, Window: time.Minute}, cfg.limitFor("chart"))
	assert.Equal(t, Limit{Max: 300, Window: time.Minute}, cfg.limitFor(GlobalEndpoint))
	assert.Equal(t, time.Minute, cfg.BlockDuration)
}
