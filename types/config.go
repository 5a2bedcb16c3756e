package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string                    `yaml:"name" json:"name" validate:"required"`
	Version   string                    `yaml:"version" json:"version" validate:"required"`
	Server    *ServerConfig             `yaml:"server" json:"server"`
	Logger    *LoggerConfig             `yaml:"logger" json:"logger"`
	Cache     *CacheConfig              `yaml:"cache" json:"cache"`
	RateLimit *RateLimitConfig          `yaml:"rate_limit" json:"rate_limit"`
	Mapping   *MappingConfig            `yaml:"mapping" json:"mapping"`
	Upstreams map[string]UpstreamConfig `yaml:"upstreams" json:"upstreams" validate:"dive"`
	Warm      *WarmConfig               `yaml:"warm" json:"warm"`
	Cron      *CronConfig               `yaml:"cron" json:"cron"`
	Metrics   *MetricsConfig            `yaml:"metrics" json:"metrics"`
	Client    *ClientConfig             `yaml:"client" json:"client"`
	Health    *HealthConfig             `yaml:"health" json:"health"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	// Policies overrides the built-in freshness table, keyed by content type name.
	Policies      map[string]PolicyConfig `yaml:"policies" json:"policies"`
	SweepSchedule string                  `yaml:"sweep_schedule" json:"sweep_schedule"`
}

type PolicyConfig struct {
	Fresh time.Duration `yaml:"fresh" json:"fresh"`
	Stale time.Duration `yaml:"stale" json:"stale"`
}

type RateLimitConfig struct {
	Lenient       bool                           `yaml:"lenient" json:"lenient"`
	Default       EndpointLimitConfig            `yaml:"default" json:"default"`
	Global        EndpointLimitConfig            `yaml:"global" json:"global"`
	Endpoints     map[string]EndpointLimitConfig `yaml:"endpoints" json:"endpoints"`
	BurstMax      int                            `yaml:"burst_max" json:"burst_max" validate:"min=0"`
	BurstWindow   time.Duration                  `yaml:"burst_window" json:"burst_window"`
	BurstGrace    time.Duration                  `yaml:"burst_grace" json:"burst_grace"`
	BlockDuration time.Duration                  `yaml:"block_duration" json:"block_duration"`
	PruneSchedule string                         `yaml:"prune_schedule" json:"prune_schedule"`
	PruneIdle     time.Duration                  `yaml:"prune_idle" json:"prune_idle"`
}

type EndpointLimitConfig struct {
	Max    int           `yaml:"max" json:"max" validate:"min=0"`
	Window time.Duration `yaml:"window" json:"window"`
}

type MappingConfig struct {
	Type          string        `yaml:"type" json:"type" validate:"oneof=memory redis"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	PurgeSchedule string        `yaml:"purge_schedule" json:"purge_schedule"`
	Redis         *RedisConfig  `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" validate:"required"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type UpstreamConfig struct {
	URL     string            `yaml:"url" json:"url" validate:"required,url"`
	APIKey  string            `yaml:"api_key" json:"api_key"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Retries int               `yaml:"retries" json:"retries" validate:"min=0"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

type WarmConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Queries []string `yaml:"queries" json:"queries"`
}

type CronConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Timezone   string        `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Runtime bool              `yaml:"runtime" json:"runtime"`
}

type HealthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type ClientConfig struct {
	DefaultTimeout     time.Duration         `yaml:"default_timeout" json:"default_timeout"`
	MaxIdleConnections int                   `yaml:"max_idle_connections" json:"max_idle_connections"`
	IdleConnTimeout    time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	DefaultRetries     int                   `yaml:"default_retries" json:"default_retries"`
	CircuitBreaker     *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}
