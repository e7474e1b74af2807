// Package config defines the gateway configuration and its YAML loader.
// The config is parsed once at startup, validated, and passed by value into
// component constructors; request traffic never mutates it.
package config

import (
	"fmt"
	"time"
)

// GatewayConfig is the root configuration for the admission gateway.
type GatewayConfig struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	Redis RedisConfig `yaml:"redis"`

	RateLimits RateLimitConfig `yaml:"rate_limits"`

	// FailOpenOnStoreError controls admission behavior when the shared
	// store is unreachable: admit with a warning (true, default) or deny.
	FailOpenOnStoreError *bool `yaml:"fail_open_on_store_error"`

	Prediction PredictionConfig `yaml:"prediction"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Events     EventsConfig     `yaml:"events"`
}

// RedisConfig selects the shared atomic store. An empty Addr means the
// in-process store is used instead (single-node deployments and tests).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig holds the per-tier quota policies plus optional
// per-subject overrides.
type RateLimitConfig struct {
	Tiers     map[string]TierPolicy `yaml:"tiers"`
	Overrides map[string]TierPolicy `yaml:"overrides"`
}

// TierPolicy is one tier's quota policy. MaxRequests -1 means unlimited.
// Windows are whole seconds, matching the store's coarsest deployment unit.
type TierPolicy struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
	Burst         int `yaml:"burst"`
}

// Window returns the policy window as a duration.
func (p TierPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// PredictionConfig configures the prediction path: remote endpoint, cache
// TTL, and the local fallback model.
type PredictionConfig struct {
	// PredictorID names the predictor for cache keys and provenance.
	PredictorID string `yaml:"predictor_id"`

	// Endpoint is the remote inference URL. Empty disables the remote
	// predictor entirely; every request is served by the local fallback.
	Endpoint string `yaml:"endpoint"`

	RemoteTimeoutSeconds int `yaml:"remote_timeout_seconds"`
	RetryAttempts        int `yaml:"retry_attempts"`
	RetryBackoffSeconds  int `yaml:"retry_backoff_seconds"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// Features fixes the order in which the feature map is projected into
	// the model input vector. Missing features are sent as zero.
	Features []string `yaml:"features"`

	Local LocalModelConfig `yaml:"local"`
}

// RemoteTimeout returns the remote predictor deadline.
func (p PredictionConfig) RemoteTimeout() time.Duration {
	return time.Duration(p.RemoteTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base backoff between remote retries.
func (p PredictionConfig) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffSeconds) * time.Second
}

// CacheTTL returns the prediction cache TTL.
func (p PredictionConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

// LocalModelConfig parameterizes the in-process fallback scorer.
type LocalModelConfig struct {
	Weights        map[string]float64 `yaml:"weights"`
	Bias           float64            `yaml:"bias"`
	AbuseThreshold float64            `yaml:"abuse_threshold"`
	BaseLimit      int                `yaml:"base_limit"`
}

// BreakerConfig configures the remote predictor circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Cooldown returns the breaker cooldown duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// EventsConfig sizes the decision event sink.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// FailOpen reports the effective fail-open policy (default true: denying all
// traffic on a transient store blip is worse than brief over-admission).
func (c *GatewayConfig) FailOpen() bool {
	if c.FailOpenOnStoreError == nil {
		return true
	}
	return *c.FailOpenOnStoreError
}

func (c *GatewayConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MetricsListen == "" {
		c.MetricsListen = ":9190"
	}
	if c.Prediction.PredictorID == "" {
		c.Prediction.PredictorID = "risk-v1"
	}
	if c.Prediction.RemoteTimeoutSeconds <= 0 {
		c.Prediction.RemoteTimeoutSeconds = 5
	}
	if c.Prediction.RetryAttempts <= 0 {
		c.Prediction.RetryAttempts = 3
	}
	if c.Prediction.RetryBackoffSeconds <= 0 {
		c.Prediction.RetryBackoffSeconds = 2
	}
	if c.Prediction.CacheTTLSeconds <= 0 {
		c.Prediction.CacheTTLSeconds = 300
	}
	if c.Prediction.Local.AbuseThreshold <= 0 {
		c.Prediction.Local.AbuseThreshold = 0.65
	}
	if c.Prediction.Local.BaseLimit <= 0 {
		c.Prediction.Local.BaseLimit = 60
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownSeconds <= 0 {
		c.Breaker.CooldownSeconds = 30
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1024
	}
}

func validate(c *GatewayConfig) error {
	if len(c.RateLimits.Tiers) == 0 {
		return fmt.Errorf("rate_limits.tiers must define at least one tier")
	}
	for name, p := range c.RateLimits.Tiers {
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}
	for subject, p := range c.RateLimits.Overrides {
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("override %q: %w", subject, err)
		}
	}
	return nil
}

func validatePolicy(p TierPolicy) error {
	if p.MaxRequests == -1 {
		return nil // unlimited: window/burst irrelevant
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive or -1 for unlimited, got %d", p.MaxRequests)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", p.WindowSeconds)
	}
	if p.Burst < 0 {
		return fmt.Errorf("burst must be non-negative, got %d", p.Burst)
	}
	return nil
}
