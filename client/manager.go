package client

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager owns one HTTPClient per configured upstream.
type Manager struct {
	config    types.ConfigManager
	logger    types.Logger
	metrics   types.MetricsManager
	transport *fasthttp.Client
	clients   map[string]*HTTPClient
	mu        sync.RWMutex
	state     atomic.Value
}

type Option func(*Manager)

// WithTransport replaces the fasthttp client shared by every upstream.
func WithTransport(transport *fasthttp.Client) Option {
	return func(m *Manager) {
		m.transport = transport
	}
}

func NewManager(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...Option) *Manager {
	manager := &Manager{
		config:  config,
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*HTTPClient),
	}

	for _, opt := range opts {
		opt(manager)
	}

	manager.state.Store(ManagerStateStopped)

	return manager
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.initializeClients()
	m.setState(ManagerStateRunning)

	m.logger.Info("Client manager started", zap.Int("upstreams", len(m.clients)))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	if m.transport != nil {
		m.transport.CloseIdleConnections()
	}
	for _, c := range m.clients {
		c.client.CloseIdleConnections()
	}
	m.clients = make(map[string]*HTTPClient)
	m.mu.Unlock()

	m.setState(ManagerStateStopped)
	m.logger.Info("Client manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

func (m *Manager) Call(ctx context.Context, serviceName, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !m.IsRunning() {
		return nil, 0, types.ErrClientNotRunning
	}

	client, err := m.getClient(serviceName)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	resp, statusCode, err := client.Call(ctx, method, path, data, opts)

	m.recordMetrics(serviceName, client, statusCode, err, time.Since(start))

	if err != nil {
		m.logger.Warn("Upstream call failed",
			zap.String("service", serviceName),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Error(err))
	}

	return resp, statusCode, err
}

func (m *Manager) BreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.clients))
	for name, c := range m.clients {
		states[name] = c.BreakerState()
	}
	return states
}

func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) getState() ManagerState {
	return m.state.Load().(ManagerState)
}

func (m *Manager) setState(newState ManagerState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to ManagerState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) initializeClients() {
	cfg := m.config.GetConfig()
	defaults := cfg.Client

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, upstream := range cfg.Upstreams {
		timeout := upstream.Timeout
		if timeout <= 0 {
			timeout = defaults.DefaultTimeout
		}

		retries := upstream.Retries
		if retries <= 0 {
			retries = defaults.DefaultRetries
		}

		m.clients[name] = NewHTTPClient(m.logger, name, &ServiceClientConfig{
			BaseURL:        upstream.URL,
			APIKey:         upstream.APIKey,
			Headers:        upstream.Headers,
			Timeout:        timeout,
			Retries:        retries,
			CircuitBreaker: defaults.CircuitBreaker,
		}, m.sharedTransport(defaults))
	}
}

func (m *Manager) sharedTransport(defaults *types.ClientConfig) *fasthttp.Client {
	if m.transport == nil {
		m.transport = &fasthttp.Client{
			Name:                "kpulse",
			MaxConnsPerHost:     defaults.MaxIdleConnections,
			MaxIdleConnDuration: defaults.IdleConnTimeout,
		}
	}
	return m.transport
}

func (m *Manager) getClient(serviceName string) (*HTTPClient, error) {
	m.mu.RLock()
	client, exists := m.clients[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrClientNotFound, "service: %s", serviceName)
	}

	return client, nil
}

func (m *Manager) recordMetrics(serviceName string, client *HTTPClient, statusCode int, err error, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	if err != nil {
		status = "error"
	}

	m.metrics.Counter("upstream_requests_total", map[string]string{
		"service": serviceName,
		"status":  status,
	}).Inc()

	m.metrics.Histogram("upstream_request_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		map[string]string{"service": serviceName},
	).Observe(duration.Seconds())

	open := 0.0
	if client.circuitBreaker.State() == StateBreakerOpen {
		open = 1
	}
	m.metrics.Gauge("upstream_circuit_open", map[string]string{"service": serviceName}).Set(open)
}
