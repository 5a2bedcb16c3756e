package client

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/kpulse/types"
	"github.com/saiset-co/kpulse/utils"
)

type ServiceClientConfig struct {
	BaseURL        string
	APIKey         string
	Headers        map[string]string
	Timeout        time.Duration
	Retries        int
	Backoff        time.Duration
	CircuitBreaker *types.CircuitBreakerConfig
}

type HTTPClient struct {
	logger         types.Logger
	name           string
	client         *fasthttp.Client
	config         *ServiceClientConfig
	circuitBreaker *CircuitBreaker
}

func NewHTTPClient(logger types.Logger, serviceName string, config *ServiceClientConfig, transport *fasthttp.Client) *HTTPClient {
	if transport == nil {
		transport = &fasthttp.Client{
			Name:         "kpulse",
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		}
	}

	if config.Backoff <= 0 {
		config.Backoff = 200 * time.Millisecond
	}

	return &HTTPClient{
		logger:         logger,
		name:           serviceName,
		client:         transport,
		config:         config,
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, serviceName),
	}
}

// Call performs one logical request, retrying throttled and transient
// failures with linear backoff. 4xx responses other than 408/429 are returned
// as-is with a nil error so the caller can map them (404 → empty result).
func (c *HTTPClient) Call(ctx context.Context, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAcceptEncoding, "br, gzip")
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	if data != nil {
		jsonData, err := utils.Marshal(data)
		if err != nil {
			return nil, 0, types.WrapError(err, "failed to marshal request data")
		}
		req.SetBody(jsonData)
		req.Header.SetContentType("application/json")
	}

	timeout := c.config.Timeout
	retries := c.config.Retries

	if opts != nil {
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}

		args := req.URI().QueryArgs()
		for key, value := range opts.Query {
			args.Set(key, value)
		}

		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}

		if opts.Retry > 0 {
			retries = opts.Retry
		}
	}

	return c.executeWithRetries(ctx, req, resp, timeout, retries)
}

func (c *HTTPClient) executeWithRetries(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration, maxRetries int) ([]byte, int, error) {
	var lastErr error
	var statusCode int

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, types.WrapError(err, "upstream call cancelled")
		}

		if !c.circuitBreaker.CanExecute() {
			return nil, 0, types.Errorf(types.ErrCircuitBreakerOpen, "service: %s", c.name)
		}

		deadline := time.Now().Add(timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}

		resp.Reset()
		err := c.client.DoDeadline(req, resp, deadline)
		statusCode = resp.StatusCode()

		if err == nil && !IsRetryable(statusCode, nil) && statusCode < 500 {
			c.circuitBreaker.RecordSuccess()

			body, decodeErr := decodeBody(resp)
			if decodeErr != nil {
				return nil, statusCode, types.Errorf(types.ErrClientResponseInvalid, "service %s: %v", c.name, decodeErr)
			}

			return body, statusCode, nil
		}

		if IsCircuitBreakerFailure(statusCode, err) {
			c.circuitBreaker.RecordFailure()
		}

		lastErr = err
		if err == nil {
			lastErr = types.Errorf(types.ErrClientResponseInvalid, "HTTP %d", statusCode)
		} else if types.IsError(err, fasthttp.ErrTimeout) {
			lastErr = types.Errorf(types.ErrClientTimeout, "after %v", timeout)
		}

		if attempt < maxRetries {
			if !IsRetryable(statusCode, err) {
				break
			}

			backoff := time.Duration(attempt+1) * c.config.Backoff

			c.logger.Debug("Retrying upstream request",
				zap.String("service", c.name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, statusCode, types.WrapError(ctx.Err(), "upstream call cancelled during retry")
			}
		}
	}

	return nil, statusCode, types.Errorf(types.ErrClientRequestFailed, "service %s: %v", c.name, lastErr)
}

func (c *HTTPClient) BreakerState() string {
	return c.circuitBreaker.StateString()
}

func decodeBody(resp *fasthttp.Response) ([]byte, error) {
	var body []byte
	var err error

	switch string(bytes.ToLower(resp.Header.ContentEncoding())) {
	case "br":
		body, err = io.ReadAll(brotli.NewReader(bytes.NewReader(resp.Body())))
	case "gzip":
		body, err = resp.BodyGunzip()
	case "deflate":
		body, err = resp.BodyInflate()
	default:
		raw := resp.Body()
		body = make([]byte, len(raw))
		copy(body, raw)
	}

	if err != nil {
		return nil, err
	}

	return body, nil
}
