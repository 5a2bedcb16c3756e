package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/cache"
	"github.com/saiset-co/kpulse/ratelimit"
	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type CacheInspector interface {
	Stats() cache.Stats
	Policies() cache.Policies
}

type GateInspector interface {
	Snapshot(endpoint string) ratelimit.Snapshot
}

type BreakerInspector interface {
	BreakerStates() map[string]string
}

type Option func(*OpsServer)

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(s *OpsServer) {
		s.listener = ln
	}
}

// OpsServer exposes health, metrics and cache/gate introspection over HTTP.
type OpsServer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	config   *types.ServerConfig
	logger   types.Logger
	metrics  types.MetricsManager
	health   types.HealthManager
	cache    CacheInspector
	gate     GateInspector
	breakers BreakerInspector
	server   *fasthttp.Server
	listener net.Listener
	state    atomic.Value
}

func NewOpsServer(
	ctx context.Context,
	config *types.ServerConfig,
	logger types.Logger,
	metrics types.MetricsManager,
	health types.HealthManager,
	cache CacheInspector,
	gate GateInspector,
	breakers BreakerInspector,
	opts ...Option) *OpsServer {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &OpsServer{
		ctx:      serverCtx,
		cancel:   cancel,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		health:   health,
		cache:    cache,
		gate:     gate,
		breakers: breakers,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(StateStopped)

	return s
}

func (s *OpsServer) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.server = &fasthttp.Server{
		Name:            "kpulse-ops",
		Handler:         s.Handler(),
		ReadTimeout:     s.config.ReadTimeout,
		WriteTimeout:    s.config.WriteTimeout,
		IdleTimeout:     s.config.IdleTimeout,
		CloseOnShutdown: true,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if s.listener == nil {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.setState(StateStopped)
			return types.WrapError(err, "failed to listen")
		}
		s.listener = ln
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			s.logger.Error("Ops server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()

	s.setState(StateRunning)
	s.logger.Info("Ops server started", zap.String("address", s.listener.Addr().String()))

	return nil
}

func (s *OpsServer) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("Ops server stop timeout", zap.Error(err))
		return nil
	}

	s.listener = nil
	s.logger.Info("Ops server stopped gracefully")
	return nil
}

func (s *OpsServer) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *OpsServer) getState() State {
	return s.state.Load().(State)
}

func (s *OpsServer) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *OpsServer) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// Handler routes the ops endpoints. Every response carries X-Request-ID,
// generated when the caller did not send one.
func (s *OpsServer) Handler() fasthttp.RequestHandler {
	metricsHandler := s.metrics.Handler()

	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		if len(ctx.Request.Header.Peek(utils.HeaderRequestID)) == 0 {
			ctx.Request.Header.Set(utils.HeaderRequestID, uuid.NewString())
		}

		path := string(ctx.Path())

		switch {
		case !ctx.IsGet() && !ctx.IsHead():
			utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "Method Not Allowed", string(ctx.Method()))
		case path == "/health":
			s.handleHealth(ctx)
		case path == "/metrics":
			metricsHandler(ctx)
			ctx.Response.Header.SetBytesV(utils.HeaderRequestID, ctx.Request.Header.Peek(utils.HeaderRequestID))
		case path == "/cache/stats":
			s.handleCacheStats(ctx)
		case path == "/ratelimit":
			s.handleRateLimit(ctx)
		case path == "/upstreams":
			utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"breakers": s.breakers.BreakerStates()})
		default:
			utils.WriteError(ctx, fasthttp.StatusNotFound, "Not Found", path)
		}

		status := ctx.Response.StatusCode()
		s.metrics.Counter("ops_requests_total", map[string]string{
			"path":   path,
			"status": strconv.Itoa(status),
		}).Inc()

		s.logger.Debug("Ops request",
			zap.String("path", path),
			zap.Int("status", status),
			zap.ByteString("request_id", ctx.Request.Header.Peek(utils.HeaderRequestID)),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *OpsServer) handleHealth(ctx *fasthttp.RequestCtx) {
	checkCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	report := s.health.Check(checkCtx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

type policyView struct {
	Fresh string `json:"fresh"`
	Stale string `json:"stale"`
}

func (s *OpsServer) handleCacheStats(ctx *fasthttp.RequestCtx) {
	policies := s.cache.Policies()
	views := make(map[string]policyView, len(policies))
	for _, ct := range cache.ContentTypes() {
		p := policies.For(ct)
		views[ct.String()] = policyView{Fresh: p.Fresh.String(), Stale: p.Stale.String()}
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"stats":    s.cache.Stats(),
		"policies": views,
	})
}

func (s *OpsServer) handleRateLimit(ctx *fasthttp.RequestCtx) {
	// only valid for the duration of the request
	endpoint := utils.BytesToString(ctx.QueryArgs().Peek("endpoint"))
	if endpoint == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "Bad Request", "endpoint query parameter is required")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, s.gate.Snapshot(endpoint))
}
