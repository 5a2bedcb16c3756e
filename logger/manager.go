package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/kpulse/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var _ types.LoggerManager = (*Manager)(nil)

// Manager owns the process logger. Components get their own child logger
// through For, tagged with a "component" field.
type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	root        *ZapWrapper
	mu          sync.Mutex
	components  map[string]*ZapWrapper
	state       atomic.Value
	syncTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager) (*Manager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	root, err := NewDefaultLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:         managerCtx,
		cancel:      cancel,
		root:        root,
		components:  make(map[string]*ZapWrapper),
		syncTimeout: 5 * time.Second,
	}

	m.state.Store(StateStopped)

	return m, nil
}

// For returns the logger for a named component, creating it on first use.
func (m *Manager) For(component string) types.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.components[component]; ok {
		return l
	}

	l := m.root.Component(component)
	m.components[component] = l
	return l
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(StateRunning)
	return nil
}

// Stop flushes buffered entries. The logger stays usable afterwards so late
// shutdown messages from other components are not lost.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.cancel()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// stdout/stderr return EINVAL on fsync for terminals
		_ = m.root.Sync()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.syncTimeout):
		return types.NewErrorf("logger sync timed out after %s", m.syncTimeout)
	}
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) Error(msg string, fields ...zap.Field) {
	m.root.Error(msg, fields...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	m.root.ErrorWithErrStack(msg, err, fields...)
}

func (m *Manager) Warn(msg string, fields ...zap.Field) {
	m.root.Warn(msg, fields...)
}

func (m *Manager) Info(msg string, fields ...zap.Field) {
	m.root.Info(msg, fields...)
}

func (m *Manager) Debug(msg string, fields ...zap.Field) {
	m.root.Debug(msg, fields...)
}

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.root.Log(lvl, msg, fields...)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
