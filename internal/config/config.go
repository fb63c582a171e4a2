package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Auth         AuthConfig               `mapstructure:"auth"`
	Database     DatabaseConfig           `mapstructure:"database"`
	Redis        RedisConfig              `mapstructure:"redis"`
	RateLimits   map[string]RateLimit     `mapstructure:"rate_limits"` // key: tier
	Services     map[string]ServiceConfig `mapstructure:"services"`    // key: logical service name
	Cache        CacheConfig              `mapstructure:"cache"`
	Orchestrator OrchestratorConfig       `mapstructure:"orchestrator"`
	Worker       WorkerConfig             `mapstructure:"worker"`
	Metrics      MetricsConfig            `mapstructure:"metrics"`
	APIKeys      []APIKeyConfig           `mapstructure:"api_keys"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type AuthConfig struct {
	SupabaseJWTSecret   string `mapstructure:"supabase_jwt_secret"`
	SupabaseIssuer      string `mapstructure:"supabase_issuer"`
	InternalJWTSecret   string `mapstructure:"internal_jwt_secret"`
	InternalIssuer      string `mapstructure:"internal_issuer"`
	InternalAudience    string `mapstructure:"internal_audience"`
	ValidationTTLSecond int    `mapstructure:"validation_ttl_seconds"`
}

// APIKeyConfig 静态颁发的网关 API Key（cl_ / sk- 前缀）
type APIKeyConfig struct {
	ID          string   `mapstructure:"id"`
	Key         string   `mapstructure:"key"`
	Tier        string   `mapstructure:"tier"`
	Permissions []string `mapstructure:"permissions"`
	Enabled     bool     `mapstructure:"enabled"`
	ExpiresAt   string   `mapstructure:"expires_at"` // RFC3339, empty = never
}

type DatabaseConfig struct {
	DSN                 string `mapstructure:"dsn"`
	HistoryRetentionDay int    `mapstructure:"history_retention_days"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimit 每个订阅等级的固定窗口额度
type RateLimit struct {
	Requests      int `mapstructure:"requests"`       // 0 = unlimited
	WindowSeconds int `mapstructure:"window_seconds"` // window length
}

func (r RateLimit) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// ServiceConfig 单个下游分析服务的客户端与熔断配置
type ServiceConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	TimeoutMs int     `mapstructure:"timeout_ms"`
	Weight    float64 `mapstructure:"weight"` // aggregation weight, default 1.0

	// Retry budget (idempotent calls only)
	MaxAttempts   int `mapstructure:"max_attempts"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`

	// Outbound throttle
	MaxQPS float64 `mapstructure:"max_qps"` // 0 = unlimited

	// Circuit breaker thresholds
	ErrorThresholdPct float64 `mapstructure:"error_threshold_pct"`
	MinimumCalls      int     `mapstructure:"minimum_calls"`
	WindowSeconds     int     `mapstructure:"window_seconds"`
	ResetTimeoutMs    int     `mapstructure:"reset_timeout_ms"`
	HalfOpenMaxProbes int     `mapstructure:"half_open_max_probes"`
	HalfOpenSuccesses int     `mapstructure:"half_open_successes"`
}

func (s ServiceConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type CacheConfig struct {
	BaseTTLSeconds int     `mapstructure:"base_ttl_seconds"`
	MinTTLSeconds  int     `mapstructure:"min_ttl_seconds"`
	MinConfidence  float64 `mapstructure:"min_confidence"` // below this, skip caching
}

type OrchestratorConfig struct {
	MaxConcurrency         int `mapstructure:"max_concurrency"` // outbound calls per fan-out
	ImmediateLatencyBudget int `mapstructure:"immediate_latency_budget_ms"`
}

type WorkerConfig struct {
	PoolSize       int `mapstructure:"pool_size"`
	QueueSize      int `mapstructure:"queue_size"`
	MaxRetries     int `mapstructure:"max_retries"` // systemic (zero-success) retries
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. LENSGATE_REDIS_ADDR
	viper.SetEnvPrefix("lensgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("auth.supabase_issuer", "https://auth.cryptolens.io")
	viper.SetDefault("auth.internal_issuer", "cryptolens-internal")
	viper.SetDefault("auth.internal_audience", "lensgate")
	viper.SetDefault("auth.validation_ttl_seconds", 60)

	viper.SetDefault("rate_limits.free.requests", 10)
	viper.SetDefault("rate_limits.free.window_seconds", 3600)
	viper.SetDefault("rate_limits.pro.requests", 100)
	viper.SetDefault("rate_limits.pro.window_seconds", 3600)
	viper.SetDefault("rate_limits.enterprise.requests", 0)
	viper.SetDefault("rate_limits.enterprise.window_seconds", 3600)

	for _, svc := range []string{"onchain", "sentiment", "tokenomics", "team"} {
		viper.SetDefault("services."+svc+".base_url", "http://"+svc+"-service:8080")
		viper.SetDefault("services."+svc+".timeout_ms", 5000)
		viper.SetDefault("services."+svc+".weight", 1.0)
		viper.SetDefault("services."+svc+".max_attempts", 2)
		viper.SetDefault("services."+svc+".backoff_base_ms", 100)
		viper.SetDefault("services."+svc+".error_threshold_pct", 50)
		viper.SetDefault("services."+svc+".minimum_calls", 5)
		viper.SetDefault("services."+svc+".window_seconds", 60)
		viper.SetDefault("services."+svc+".reset_timeout_ms", 30000)
		viper.SetDefault("services."+svc+".half_open_max_probes", 3)
		viper.SetDefault("services."+svc+".half_open_successes", 2)
	}

	viper.SetDefault("cache.base_ttl_seconds", 900)
	viper.SetDefault("cache.min_ttl_seconds", 60)
	viper.SetDefault("cache.min_confidence", 0.25)

	viper.SetDefault("orchestrator.max_concurrency", 4)
	viper.SetDefault("orchestrator.immediate_latency_budget_ms", 6000)

	viper.SetDefault("worker.pool_size", 4)
	viper.SetDefault("worker.queue_size", 256)
	viper.SetDefault("worker.max_retries", 2)
	viper.SetDefault("worker.retry_backoff_ms", 2000)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("database.history_retention_days", 30)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ServiceFor returns the config for a logical service, falling back to
// sane defaults when the section is missing.
func (c *Config) ServiceFor(name string) ServiceConfig {
	if svc, ok := c.Services[name]; ok {
		return svc
	}
	return ServiceConfig{
		BaseURL:           "http://" + name + "-service:8080",
		TimeoutMs:         5000,
		Weight:            1.0,
		MaxAttempts:       2,
		BackoffBaseMs:     100,
		ErrorThresholdPct: 50,
		MinimumCalls:      5,
		WindowSeconds:     60,
		ResetTimeoutMs:    30000,
		HalfOpenMaxProbes: 3,
		HalfOpenSuccesses: 2,
	}
}

// LimitFor returns the rate limit for a tier; unknown tiers get the free
// tier quota.
func (c *Config) LimitFor(tier string) RateLimit {
	if rl, ok := c.RateLimits[tier]; ok {
		return rl
	}
	if rl, ok := c.RateLimits["free"]; ok {
		return rl
	}
	return RateLimit{Requests: 10, WindowSeconds: 3600}
}
