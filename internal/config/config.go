package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Kolam configuration
type Config struct {
	// Runtime holds the session capability settings
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// Pool holds the session pool settings
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Relay holds per-request settings
	Relay RelayConfig `json:"relay" mapstructure:"relay"`

	// Maintenance holds background job settings
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RuntimeConfig holds session capability provider configuration
type RuntimeConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model        string  `json:"model" mapstructure:"model"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
}

// PoolConfig holds session pool configuration
type PoolConfig struct {
	TargetSize            int `json:"target_size" mapstructure:"target_size"`
	MaxSize               int `json:"max_size" mapstructure:"max_size"` // 0 = unbounded
	IdleThresholdMinutes  int `json:"idle_threshold_minutes" mapstructure:"idle_threshold_minutes"`
	PrewarmStaggerSeconds int `json:"prewarm_stagger_seconds" mapstructure:"prewarm_stagger_seconds"`
}

// IdleThreshold returns the idle eviction threshold as a duration.
func (p PoolConfig) IdleThreshold() time.Duration {
	return time.Duration(p.IdleThresholdMinutes) * time.Minute
}

// PrewarmStagger returns the pre-warm stagger delay as a duration.
func (p PoolConfig) PrewarmStagger() time.Duration {
	return time.Duration(p.PrewarmStaggerSeconds) * time.Second
}

// RelayConfig holds per-request relay configuration
type RelayConfig struct {
	RequestTimeoutSeconds int `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
}

// RequestTimeout returns the per-request hard timeout as a duration.
func (r RelayConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// MaintenanceConfig holds background job configuration
type MaintenanceConfig struct {
	SweepIntervalMinutes int    `json:"sweep_interval_minutes" mapstructure:"sweep_interval_minutes"`
	RetentionSchedule    string `json:"retention_schedule" mapstructure:"retention_schedule"` // cron expression
	TranscriptMaxAgeDays int    `json:"transcript_max_age_days" mapstructure:"transcript_max_age_days"`
}

// SweepInterval returns the pool sweep period as a duration.
func (m MaintenanceConfig) SweepInterval() time.Duration {
	return time.Duration(m.SweepIntervalMinutes) * time.Minute
}

// TranscriptMaxAge returns the transcript retention age as a duration.
func (m MaintenanceConfig) TranscriptMaxAge() time.Duration {
	return time.Duration(m.TranscriptMaxAgeDays) * 24 * time.Hour
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host                  string `json:"host" mapstructure:"host"`
	Port                  int    `json:"port" mapstructure:"port"`
	SharedSecret          string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitPerMinute    int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Pool: PoolConfig{
			TargetSize:            3,
			MaxSize:               0,
			IdleThresholdMinutes:  25,
			PrewarmStaggerSeconds: 2,
		},
		Relay: RelayConfig{
			RequestTimeoutSeconds: 300,
		},
		Maintenance: MaintenanceConfig{
			SweepIntervalMinutes: 5,
			RetentionSchedule:    "0 3 * * *",
			TranscriptMaxAgeDays: 30,
		},
		Gateway: GatewayConfig{
			Host:                  "0.0.0.0",
			Port:                  8080,
			SharedSecret:          "",
			RateLimitPerMinute:    60,
			MaxConcurrentRequests: 16,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.Runtime.Provider); err != nil {
		return err
	}
	if c.Runtime.APIKey == "" {
		return fmt.Errorf("no credentials configured: runtime.api_key is required (run `kolam configure`)")
	}
	if err := v.ValidateAPIKey(c.Runtime.APIKey, c.Runtime.Provider); err != nil {
		return err
	}
	if err := v.ValidateModel(c.Runtime.Model); err != nil {
		return err
	}

	if errs := v.ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}

	return nil
}
