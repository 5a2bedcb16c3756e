package types

import (
	"context"
	"time"
)

type ClientManager interface {
	LifecycleManager
	Call(ctx context.Context, serviceName, method, path string, data interface{}, opts *CallOptions) ([]byte, int, error)
	BreakerStates() map[string]string
}

type CallOptions struct {
	Timeout time.Duration
	Retry   int
	Headers map[string]string
	Query   map[string]string
}
