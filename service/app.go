package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/kpulse/aggregate"
	"github.com/saiset-co/kpulse/cache"
	"github.com/saiset-co/kpulse/client"
	"github.com/saiset-co/kpulse/cron"
	"github.com/saiset-co/kpulse/health"
	"github.com/saiset-co/kpulse/logger"
	"github.com/saiset-co/kpulse/mapping"
	"github.com/saiset-co/kpulse/metrics"
	"github.com/saiset-co/kpulse/ratelimit"
	"github.com/saiset-co/kpulse/server"
	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/upstream"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	jobCacheSweep     = "cache-sweep"
	jobMappingPurge   = "mapping-purge"
	jobRateLimitPrune = "ratelimit-prune"
)

type Option func(*App)

// WithUpstreams replaces the HTTP adapters built from the upstreams section.
func WithUpstreams(apis aggregate.Upstreams) Option {
	return func(a *App) {
		a.apis = &apis
	}
}

func WithServerOptions(opts ...server.Option) Option {
	return func(a *App) {
		a.serverOpts = append(a.serverOpts, opts...)
	}
}

// App wires every component once and owns their lifecycles. Components are
// started in dependency order and stopped in reverse.
type App struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          *logger.Manager
	metrics         *metrics.Manager
	health          *health.Manager
	cron            *cron.Manager
	clients         *client.Manager
	cache           *cache.Cache
	gate            *ratelimit.Gate
	mappings        *mapping.Cache
	aggregate       *aggregate.Service
	server          *server.OpsServer
	apis            *aggregate.Upstreams
	serverOpts      []server.Option
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewApp(ctx context.Context, config types.ConfigManager, opts ...Option) (*App, error) {
	appCtx, cancel := context.WithCancel(ctx)

	app := &App{
		ctx:             appCtx,
		cancel:          cancel,
		config:          config,
		shutdownTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(app)
	}

	app.state.Store(StateStopped)

	if err := app.build(); err != nil {
		cancel()
		return nil, err
	}

	return app, nil
}

func (a *App) build() error {
	cfg := a.config.GetConfig()

	loggerManager, err := logger.NewManager(a.ctx, a.config)
	if err != nil {
		return types.WrapError(err, "failed to create logger")
	}
	a.logger = loggerManager

	a.metrics, err = metrics.NewManager(a.ctx, a.config, a.logger.For("metrics"))
	if err != nil {
		return types.WrapError(err, "failed to create metrics manager")
	}

	a.health = health.NewManager(a.ctx, a.config, a.logger.For("health"))
	a.cron = cron.NewManager(a.ctx, a.config, a.logger.For("cron"), a.metrics)
	a.clients = client.NewManager(a.config, a.logger.For("client"), a.metrics)

	policies, err := cache.PoliciesFromConfig(cfg.Cache)
	if err != nil {
		return types.WrapError(err, "invalid cache policies")
	}

	a.cache, err = cache.NewCache(a.ctx, a.logger.For("cache"), a.metrics, policies)
	if err != nil {
		return types.WrapError(err, "failed to create cache")
	}

	a.gate = ratelimit.NewGate(ratelimit.ConfigFromTypes(cfg.RateLimit), a.logger.For("ratelimit"), a.metrics)

	store, err := mapping.NewStore(a.ctx, cfg.Mapping, a.logger.For("mapping"))
	if err != nil {
		return types.WrapError(err, "failed to create mapping store")
	}

	var ttl time.Duration
	if cfg.Mapping != nil {
		ttl = cfg.Mapping.TTL
	}
	a.mappings = mapping.NewCache(store, ttl, a.logger.For("mapping"), a.metrics)

	apis := aggregate.Upstreams{
		Catalog:  upstream.NewCatalog(a.clients, ""),
		Scrobble: upstream.NewScrobble(a.clients),
		Videos:   upstream.NewVideos(a.clients),
		News:     upstream.NewNews(a.clients),
	}
	if a.apis != nil {
		apis = *a.apis
	}

	a.aggregate = aggregate.NewService(a.cache, a.mappings, a.gate, apis, a.logger.For("aggregate"))

	if cfg.Server != nil && cfg.Server.Enabled {
		a.server = server.NewOpsServer(a.ctx, cfg.Server, a.logger.For("server"), a.metrics, a.health,
			a.cache, a.gate, a.clients, a.serverOpts...)
	}

	return nil
}

func (a *App) Start() error {
	if !a.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	if err := a.startComponents(); err != nil {
		a.setState(StateStopped)
		return fmt.Errorf("%w: %w", types.ErrComponentStartFailed, err)
	}

	a.setState(StateRunning)
	a.logger.Info("Service started", zap.String("name", a.config.GetConfig().Name))

	return nil
}

// Run starts the app, blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then stops it.
func (a *App) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("service panic: %v", r)
			a.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
		}
	}()

	if err := a.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		a.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-a.ctx.Done():
	}

	return a.Stop()
}

func (a *App) Stop() error {
	if !a.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer a.setState(StateStopped)

	err := a.stopComponents()
	a.cancel()
	a.wg.Wait()

	return err
}

func (a *App) IsRunning() bool {
	return a.getState() == StateRunning
}

func (a *App) Aggregate() *aggregate.Service { return a.aggregate }
func (a *App) Cache() *cache.Cache           { return a.cache }
func (a *App) Gate() *ratelimit.Gate         { return a.gate }
func (a *App) Mappings() *mapping.Cache      { return a.mappings }
func (a *App) Cron() *cron.Manager           { return a.cron }
func (a *App) Health() *health.Manager       { return a.health }

func (a *App) getState() State {
	return a.state.Load().(State)
}

func (a *App) setState(newState State) bool {
	currentState := a.getState()
	return a.state.CompareAndSwap(currentState, newState)
}

func (a *App) transitionState(from, to State) bool {
	return a.state.CompareAndSwap(from, to)
}

func (a *App) startComponents() error {
	cfg := a.config.GetConfig()

	if err := a.logger.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	g, _ := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		if err := a.metrics.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
		return nil
	})
	g.Go(func() error {
		if err := a.clients.Start(); err != nil {
			return types.WrapError(err, "failed to start client manager")
		}
		return nil
	})
	g.Go(func() error {
		if err := a.cache.Start(); err != nil {
			return types.WrapError(err, "failed to start cache")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		a.registerHealthCheckers()
		if err := a.health.Start(); err != nil {
			a.logger.Error("Failed to start health manager", zap.Error(err))
		}
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		if err := a.registerJobs(); err != nil {
			return err
		}
		if err := a.cron.Start(); err != nil {
			return types.WrapError(err, "failed to start cron manager")
		}
	}

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return types.WrapError(err, "failed to start ops server")
		}
	}

	if cfg.Warm != nil && cfg.Warm.Enabled && len(cfg.Warm.Queries) > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if _, err := a.aggregate.Warm(a.ctx, cfg.Warm.Queries); err != nil {
				a.logger.Warn("Cache warm-up aborted", zap.Error(err))
			}
		}()
	}

	return nil
}

func (a *App) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error

	a.logger.Info("Stopping service components...")

	if a.server != nil && a.server.IsRunning() {
		if err := a.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, m := range []types.LifecycleManager{a.cron, a.clients, a.cache, a.health} {
		if !m.IsRunning() {
			continue
		}
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return m.Stop()
			}
		})
	}
	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			a.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			a.logger.Error("Failed to stop component", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := a.mappings.Close(); err != nil {
		a.logger.Error("Failed to close mapping store", zap.Error(err))
		errs = append(errs, err)
	}

	if a.metrics.IsRunning() {
		if err := a.metrics.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Info("Service stopped")

	if a.logger.IsRunning() {
		if err := a.logger.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrComponentStopFailed, errors.Join(errs...))
	}
	return nil
}

func (a *App) registerHealthCheckers() {
	a.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		if !a.cache.IsRunning() {
			return health.Unhealthy(types.ErrCacheNotRunning, nil)
		}
		stats := a.cache.Stats()
		return health.Healthy("cache running", map[string]interface{}{
			"entries":      stats.Entries,
			"revalidating": stats.Revalidating,
		})
	})

	a.health.RegisterChecker("mapping", a.mappings.HealthCheck)

	a.health.RegisterChecker("upstreams", func(ctx context.Context) types.HealthCheck {
		states := a.clients.BreakerStates()
		details := make(map[string]interface{}, len(states))
		open := 0
		for name, state := range states {
			details[name] = state
			if state == client.StateBreakerOpen.String() {
				open++
			}
		}
		if open > 0 {
			return health.Degraded(types.Errorf(types.ErrCircuitBreakerOpen, "%d upstream(s)", open), details)
		}
		return health.Healthy("all breakers closed", details)
	})
}

func (a *App) registerJobs() error {
	cfg := a.config.GetConfig()

	sweep := "@every 1m"
	if cfg.Cache != nil && cfg.Cache.SweepSchedule != "" {
		sweep = cfg.Cache.SweepSchedule
	}
	if err := a.cron.Add(jobCacheSweep, sweep, func(ctx context.Context) {
		if removed := a.cache.Sweep(); removed > 0 {
			a.logger.Debug("Swept expired cache entries", zap.Int("removed", removed))
		}
	}); err != nil {
		return err
	}

	purge := "@every 30m"
	if cfg.Mapping != nil && cfg.Mapping.PurgeSchedule != "" {
		purge = cfg.Mapping.PurgeSchedule
	}
	if err := a.cron.Add(jobMappingPurge, purge, func(ctx context.Context) {
		removed, err := a.mappings.Purge(ctx)
		if err != nil {
			a.logger.Warn("Mapping purge failed", zap.Error(err))
			return
		}
		if removed > 0 {
			a.logger.Debug("Purged expired mappings", zap.Int("removed", removed))
		}
	}); err != nil {
		return err
	}

	prune, idle := "@every 10m", 30*time.Minute
	if cfg.RateLimit != nil {
		if cfg.RateLimit.PruneSchedule != "" {
			prune = cfg.RateLimit.PruneSchedule
		}
		if cfg.RateLimit.PruneIdle > 0 {
			idle = cfg.RateLimit.PruneIdle
		}
	}
	return a.cron.Add(jobRateLimitPrune, prune, func(ctx context.Context) {
		a.gate.Prune(idle)
	})
}
