package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/types"
)

type Result struct {
	Allowed        bool   `json:"allowed"`
	Remaining      int    `json:"remaining"`
	ResetInSeconds int    `json:"reset_in_seconds"`
	Message        string `json:"message,omitempty"`
}

type counter struct {
	limit            Limit
	count            int
	windowResetAt    time.Time
	burstCount       int
	burstWindowStart time.Time
	blocked          bool
	blockUntil       time.Time
	lastSeen         time.Time
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// Gate is a fixed-window limiter with a hard cooldown block and a softer
// burst throttle. Every endpoint is also charged to the global counter.
// A Gate never returns an error; rejections are reported in Result.
type Gate struct {
	config   Config
	logger   types.Logger
	metrics  types.MetricsManager
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]*counter
}

func NewGate(config Config, logger types.Logger, metrics types.MetricsManager, opts ...Option) *Gate {
	g := &Gate{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		counters: make(map[string]*counter),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Check evaluates endpoint and, when allowed, charges the request to the
// endpoint and global counters.
func (g *Gate) Check(endpoint string) Result {
	res, reason := g.evaluate(endpoint, true)

	g.metrics.Counter("ratelimit_decisions_total", map[string]string{
		"endpoint": endpoint,
		"result":   reason,
	}).Inc()

	return res
}

// CheckWithoutIncrement answers whether Check would currently allow endpoint.
// It never charges counters and never starts a block.
func (g *Gate) CheckWithoutIncrement(endpoint string) Result {
	res, _ := g.evaluate(endpoint, false)
	return res
}

func (g *Gate) evaluate(endpoint string, increment bool) (Result, string) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	counters := []*counter{g.counterLocked(endpoint, now)}
	if global := g.counterLocked(GlobalEndpoint, now); global != counters[0] {
		counters = append(counters, global)
	}

	for _, c := range counters {
		g.roll(c, now)
		if increment {
			c.lastSeen = now
		}
	}

	var wait time.Duration
	for _, c := range counters {
		if c.blocked && now.Before(c.blockUntil) {
			wait = max(wait, c.blockUntil.Sub(now))
		}
	}
	if wait > 0 {
		return g.reject(endpoint, wait), "blocked"
	}

	// A read-only check sets no block, so it reports when the overflowing
	// window resets instead of the block duration.
	overflow := false
	windowWait := time.Duration(0)
	for i, c := range counters {
		if c.count+1 <= c.limit.Max {
			continue
		}

		overflow = true
		windowWait = max(windowWait, c.windowResetAt.Sub(now))
		if increment {
			c.blocked = true
			c.blockUntil = now.Add(g.config.BlockDuration)

			name := endpoint
			if i > 0 {
				name = GlobalEndpoint
			}
			g.logger.Warn("Rate limit exceeded, blocking counter",
				zap.String("endpoint", endpoint),
				zap.String("counter", name),
				zap.Int("max", c.limit.Max),
				zap.Duration("block", g.config.BlockDuration))
		}
	}
	if overflow {
		if !increment {
			return g.reject(endpoint, windowWait), "rejected"
		}
		return g.reject(endpoint, g.config.BlockDuration), "rejected"
	}

	if !g.config.Lenient && g.config.BurstMax > 0 {
		for _, c := range counters {
			resetIn := c.burstWindowStart.Add(g.config.BurstWindow).Sub(now)
			if c.burstCount >= g.config.BurstMax && resetIn <= g.config.BurstGrace {
				return g.reject(endpoint, resetIn), "throttled"
			}
		}
	}

	remaining := math.MaxInt
	for _, c := range counters {
		if increment {
			c.count++
			if !g.config.Lenient {
				c.burstCount++
			}
		}
		remaining = min(remaining, c.limit.Max-c.count)
	}

	return Result{
		Allowed:        true,
		Remaining:      remaining,
		ResetInSeconds: ceilSeconds(counters[0].windowResetAt.Sub(now)),
	}, "allowed"
}

func (g *Gate) reject(endpoint string, wait time.Duration) Result {
	seconds := ceilSeconds(wait)
	return Result{
		Allowed:        false,
		Remaining:      0,
		ResetInSeconds: seconds,
		Message:        fmt.Sprintf("Rate limit exceeded for %s. Try again in %d seconds.", endpoint, seconds),
	}
}

func (g *Gate) counterLocked(endpoint string, now time.Time) *counter {
	c, ok := g.counters[endpoint]
	if ok {
		return c
	}

	limit := g.config.limitFor(endpoint)
	c = &counter{
		limit:            limit,
		windowResetAt:    now.Add(limit.Window),
		burstWindowStart: now,
		lastSeen:         now,
	}
	g.counters[endpoint] = c
	return c
}

func (g *Gate) roll(c *counter, now time.Time) {
	if !now.Before(c.windowResetAt) {
		c.count = 0
		c.windowResetAt = now.Add(c.limit.Window)
		if c.blocked && !now.Before(c.blockUntil) {
			c.blocked = false
			c.blockUntil = time.Time{}
		}
	}

	if !now.Before(c.burstWindowStart.Add(g.config.BurstWindow)) {
		c.burstCount = 0
		c.burstWindowStart = now
	}
}

type Snapshot struct {
	Endpoint       string `json:"endpoint"`
	Max            int    `json:"max"`
	WindowSeconds  int    `json:"window_seconds"`
	Count          int    `json:"count"`
	BurstCount     int    `json:"burst_count"`
	Blocked        bool   `json:"blocked"`
	BlockedSeconds int    `json:"blocked_seconds"`
	ResetInSeconds int    `json:"reset_in_seconds"`
}

// Snapshot reports the counter for endpoint without creating or charging it.
func (g *Gate) Snapshot(endpoint string) Snapshot {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.config.limitFor(endpoint)
	snap := Snapshot{
		Endpoint:       endpoint,
		Max:            limit.Max,
		WindowSeconds:  ceilSeconds(limit.Window),
		ResetInSeconds: ceilSeconds(limit.Window),
	}

	c, ok := g.counters[endpoint]
	if !ok {
		return snap
	}

	if now.Before(c.windowResetAt) {
		snap.Count = c.count
		snap.ResetInSeconds = ceilSeconds(c.windowResetAt.Sub(now))
	}
	if now.Before(c.burstWindowStart.Add(g.config.BurstWindow)) {
		snap.BurstCount = c.burstCount
	}
	if c.blocked && now.Before(c.blockUntil) {
		snap.Blocked = true
		snap.BlockedSeconds = ceilSeconds(c.blockUntil.Sub(now))
	}

	return snap
}

// Prune drops counters that have not been charged for idle and carry no
// active block. It returns the number removed.
func (g *Gate) Prune(idle time.Duration) int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for name, c := range g.counters {
		if c.blocked && now.Before(c.blockUntil) {
			continue
		}
		if now.Sub(c.lastSeen) > idle {
			delete(g.counters, name)
			removed++
		}
	}

	return removed
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
