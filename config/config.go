// Package config loads the relay's configuration surface (port, TLS, tier
// limits, buffer/idle/replay/queue/DLQ bounds, webhook and circuit-breaker
// policy) via viper, with pflag-bound overrides and fsnotify-driven live
// reload for the subset of options safe to change at runtime (tier limits,
// circuit-breaker policy).
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TLSConfig holds the cert/key pair for TLS termination. Zero value means
// plaintext.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

func (t TLSConfig) Enabled() bool { return t.Cert != "" && t.Key != "" }

// TierLimits maps tier name to connection cap.
type TierLimits struct {
	Free       int `mapstructure:"free"`
	Pro        int `mapstructure:"pro"`
	Enterprise int `mapstructure:"enterprise"`
}

// WebhookConfig holds the outbound delivery settings. TimeoutMs sets the
// outbound HTTP client timeout. The retry fields are loaded but not applied
// to the Webhook Dispatcher: a registration without a retry policy of its
// own uses webhook.DefaultRetryPolicy.
type WebhookConfig struct {
	TimeoutMs     int     `mapstructure:"timeoutMs"`
	MaxAttempts   int     `mapstructure:"maxAttempts"`
	BaseBackoffMs int     `mapstructure:"baseBackoffMs"`
	MaxBackoffMs  int     `mapstructure:"maxBackoffMs"`
	JitterPct     float64 `mapstructure:"jitterPct"`
}

// CircuitBreakerConfig controls the per-registration breaker.
type CircuitBreakerConfig struct {
	WindowMs      int64   `mapstructure:"windowMs"`
	MinSamples    int     `mapstructure:"minSamples"`
	ErrorRatePct  float64 `mapstructure:"errorRatePct"`
	CooldownMs    int64   `mapstructure:"cooldownMs"`
	MaxCooldownMs int64   `mapstructure:"maxCooldownMs"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Port                    int                  `mapstructure:"port"`
	TLS                     TLSConfig            `mapstructure:"tls"`
	MaxConnectionsPerTenant int                  `mapstructure:"maxConnectionsPerTenant"`
	TierLimits              TierLimits           `mapstructure:"tierLimits"`
	MessageBufferBytes      int64                `mapstructure:"messageBufferBytes"`
	BufferTTLMs             int                  `mapstructure:"bufferTtlMs"`
	IdleTimeoutMs           int                  `mapstructure:"idleTimeoutMs"`
	HealthCheckIntervalMs   int                  `mapstructure:"healthCheckIntervalMs"`
	ReplayRingSize          int                  `mapstructure:"replayRingSize"`
	SubscriptionQueueDepth  int                  `mapstructure:"subscriptionQueueDepth"`
	DLQCapacity             int                  `mapstructure:"dlqCapacity"`
	Webhook                 WebhookConfig        `mapstructure:"webhook"`
	CircuitBreaker          CircuitBreakerConfig `mapstructure:"circuitBreaker"`
}

// BufferTTL, IdleTimeout, and HealthCheckInterval convert their millisecond
// fields to time.Duration for callers that want it directly.
func (c *Config) BufferTTL() time.Duration {
	return time.Duration(c.BufferTTLMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("maxConnectionsPerTenant", 100)
	v.SetDefault("tierLimits.free", 10)
	v.SetDefault("tierLimits.pro", 100)
	v.SetDefault("tierLimits.enterprise", 1000)
	v.SetDefault("messageBufferBytes", 10<<20)
	v.SetDefault("bufferTtlMs", 300_000)
	v.SetDefault("idleTimeoutMs", 300_000)
	v.SetDefault("healthCheckIntervalMs", 30_000)
	v.SetDefault("replayRingSize", 10_000)
	v.SetDefault("subscriptionQueueDepth", 1024)
	v.SetDefault("dlqCapacity", 4096)
	v.SetDefault("webhook.timeoutMs", 10_000)
	v.SetDefault("webhook.maxAttempts", 5)
	v.SetDefault("webhook.baseBackoffMs", 1000)
	v.SetDefault("webhook.maxBackoffMs", 30_000)
	v.SetDefault("webhook.jitterPct", 0.2)
	v.SetDefault("circuitBreaker.windowMs", 30_000)
	v.SetDefault("circuitBreaker.minSamples", 10)
	v.SetDefault("circuitBreaker.errorRatePct", 50)
	v.SetDefault("circuitBreaker.cooldownMs", 60_000)
	v.SetDefault("circuitBreaker.maxCooldownMs", 600_000)
}

// Load reads configuration from file (optional), environment variables
// (RELAY_ prefix), and the provided pflag.FlagSet, in that ascending-
// priority order. The returned viper handle can be passed to WatchReload.
func Load(flags *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, nil, fmt.Errorf("config: bind flags: %w", err)
		}
		if file, _ := flags.GetString("config_file"); file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return nil, nil, fmt.Errorf("config: read %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, v, nil
}

// WatchReload installs an fsnotify-driven live-reload hook for the subset
// of options safe to change without a restart: tier limits and
// circuit-breaker policy. onReload is invoked with the freshly
// unmarshaled Config after each change; mutating fields outside that subset
// (port, TLS) is the caller's responsibility to ignore. No-op when the
// viper instance has no config file to watch.
func WatchReload(v *viper.Viper, onReload func(*Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onReload(&cfg)
	})
	v.WatchConfig()
}
