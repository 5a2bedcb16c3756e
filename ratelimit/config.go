package ratelimit

import (
	"time"

	"github.com/saiset-co/kpulse/types"
)

// GlobalEndpoint names the aggregate counter every check is also charged to.
const GlobalEndpoint = "global"

type Limit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

type Config struct {
	Lenient       bool
	Default       Limit
	Global        Limit
	Endpoints     map[string]Limit
	BurstMax      int
	BurstWindow   time.Duration
	BurstGrace    time.Duration
	BlockDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lenient:       true,
		Default:       Limit{Max: 60, Window: time.Minute},
		Global:        Limit{Max: 300, Window: time.Minute},
		BurstMax:      10,
		BurstWindow:   10 * time.Second,
		BurstGrace:    5 * time.Second,
		BlockDuration: 30 * time.Second,
	}
}

// ConfigFromTypes maps the rate_limit section onto a Config. Unset fields
// fall back to DefaultConfig.
func ConfigFromTypes(cfg *types.RateLimitConfig) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}

	out.Lenient = cfg.Lenient
	if cfg.Default.Max > 0 {
		out.Default.Max = cfg.Default.Max
	}
	if cfg.Default.Window > 0 {
		out.Default.Window = cfg.Default.Window
	}
	if cfg.Global.Max > 0 {
		out.Global.Max = cfg.Global.Max
	}
	if cfg.Global.Window > 0 {
		out.Global.Window = cfg.Global.Window
	}
	if cfg.BurstMax > 0 {
		out.BurstMax = cfg.BurstMax
	}
	if cfg.BurstWindow > 0 {
		out.BurstWindow = cfg.BurstWindow
	}
	if cfg.BurstGrace > 0 {
		out.BurstGrace = cfg.BurstGrace
	}
	if cfg.BlockDuration > 0 {
		out.BlockDuration = cfg.BlockDuration
	}

	if len(cfg.Endpoints) > 0 {
		out.Endpoints = make(map[string]Limit, len(cfg.Endpoints))
		for name, l := range cfg.Endpoints {
			out.Endpoints[name] = Limit{Max: l.Max, Window: l.Window}
		}
	}

	return out
}

func (c Config) limitFor(endpoint string) Limit {
	if endpoint == GlobalEndpoint {
		return c.Global
	}

	l, ok := c.Endpoints[endpoint]
	if !ok {
		return c.Default
	}
	if l.Max <= 0 {
		l.Max = c.Default.Max
	}
	if l.Window <= 0 {
		l.Window = c.Default.Window
	}
	return l
}
