package ratelimit

import (
	"fmt"
	"time"

	"github.com/saiset-co/kpulse/types"
)

// LimitedError is what a caller returns after a rejected Check.
type LimitedError struct {
	Endpoint   string
	RetryAfter time.Duration
	Message    string
}

func (e *LimitedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s, retry after %s", types.ErrRateLimitExceeded, e.Endpoint, e.RetryAfter)
}

func (e *LimitedError) Unwrap() error {
	return types.ErrRateLimitExceeded
}

// Err converts a rejection into a *LimitedError. It returns nil when the
// request was allowed.
func (r Result) Err(endpoint string) error {
	if r.Allowed {
		return nil
	}

	return &LimitedError{
		Endpoint:   endpoint,
		RetryAfter: time.Duration(r.ResetInSeconds) * time.Second,
		Message:    r.Message,
	}
}
