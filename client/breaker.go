package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after FailureThreshold consecutive upstream failures
// and rejects calls until RecoveryTimeout has passed. In half-open state
// HalfOpenRequests successes close it again; any failure reopens it.
type CircuitBreaker struct {
	config      types.CircuitBreakerConfig
	logger      types.Logger
	serviceName string
	now         func() time.Time
	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	successes   int
	openedAt    time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, serviceName string) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger:      logger,
		serviceName: serviceName,
		now:         time.Now,
		state:       StateBreakerClosed,
	}

	if config != nil {
		cb.config = *config
	}

	if cb.config.HalfOpenRequests <= 0 {
		cb.config.HalfOpenRequests = 1
	}

	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transition(StateBreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures = 0
	case StateBreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.transition(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transition(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) StateString() string {
	if !cb.config.Enabled {
		return "disabled"
	}
	return cb.State().String()
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0

	switch to {
	case StateBreakerOpen:
		cb.openedAt = cb.now()
		cb.logger.Warn("Circuit breaker opened",
			zap.String("service", cb.serviceName),
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.config.FailureThreshold))
	case StateBreakerClosed:
		cb.failures = 0
		cb.logger.Info("Circuit breaker closed", zap.String("service", cb.serviceName))
	default:
		cb.logger.Info("Circuit breaker half-open",
			zap.String("service", cb.serviceName),
			zap.String("from", from.String()))
	}
}

// IsCircuitBreakerFailure reports whether a response should count against the
// upstream's health. Client errors other than throttling do not.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func IsRetryable(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}
