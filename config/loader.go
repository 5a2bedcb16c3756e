package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/kpulse/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFromFile reads configPath, decodes it over Defaults and validates the
// result. The raw YAML tree is returned alongside for path lookups.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	if config.Mapping != nil && config.Mapping.Type == "redis" && config.Mapping.Redis == nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "mapping.redis is required for the redis store")
	}

	return config, raw, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "kpulse",
		Version: "dev",
		Server: &types.ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			SweepSchedule: "@every 1m",
		},
		RateLimit: &types.RateLimitConfig{
			Lenient:       true,
			Default:       types.EndpointLimitConfig{Max: 60, Window: time.Minute},
			Global:        types.EndpointLimitConfig{Max: 300, Window: time.Minute},
			BurstMax:      10,
			BurstWindow:   10 * time.Second,
			BurstGrace:    5 * time.Second,
			BlockDuration: 30 * time.Second,
			PruneSchedule: "@every 10m",
			PruneIdle:     30 * time.Minute,
		},
		Mapping: &types.MappingConfig{
			Type:          "memory",
			TTL:           24 * time.Hour,
			PurgeSchedule: "@every 30m",
		},
		Warm: &types.WarmConfig{
			Enabled: false,
		},
		Cron: &types.CronConfig{
			Enabled:    true,
			Timezone:   "UTC",
			JobTimeout: 30 * time.Second,
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
			Prefix:  "kpulse",
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Client: &types.ClientConfig{
			DefaultTimeout:     10 * time.Second,
			MaxIdleConnections: 100,
			IdleConnTimeout:    90 * time.Second,
			DefaultRetries:     2,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 2,
			},
		},
	}
}
