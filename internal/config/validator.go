package config

import (
	"fmt"
	"strings"

	"github.com/harun/kolam/pkg/maintenance"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a capability provider name
func (v *Validator) ValidateProvider(provider string) error {
	if provider == "" {
		return fmt.Errorf("runtime provider cannot be empty")
	}

	validProviders := []string{"anthropic", "openai"}
	for _, valid := range validProviders {
		if provider == valid {
			return nil
		}
	}

	return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a cron retention schedule
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return fmt.Errorf("retention schedule cannot be empty")
	}
	sched := maintenance.Schedule{Expr: expr}
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("invalid retention schedule: %w", err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Runtime
	if cfg.Runtime.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Runtime.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Runtime.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Runtime.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Runtime.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("runtime.max_retries must be >= 0"))
	}

	// Pool
	if cfg.Pool.TargetSize < 0 {
		errors = append(errors, fmt.Errorf("pool.target_size must be >= 0"))
	}
	if cfg.Pool.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("pool.max_size must be >= 0"))
	}
	if cfg.Pool.MaxSize > 0 && cfg.Pool.MaxSize < cfg.Pool.TargetSize {
		errors = append(errors, fmt.Errorf("pool.max_size (%d) must not be below pool.target_size (%d)", cfg.Pool.MaxSize, cfg.Pool.TargetSize))
	}
	if cfg.Pool.IdleThresholdMinutes <= 0 {
		errors = append(errors, fmt.Errorf("pool.idle_threshold_minutes must be positive"))
	}
	if cfg.Pool.PrewarmStaggerSeconds < 0 {
		errors = append(errors, fmt.Errorf("pool.prewarm_stagger_seconds must be >= 0"))
	}

	// Relay
	if cfg.Relay.RequestTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("relay.request_timeout_seconds must be positive"))
	}

	// Maintenance
	if cfg.Maintenance.SweepIntervalMinutes <= 0 {
		errors = append(errors, fmt.Errorf("maintenance.sweep_interval_minutes must be positive"))
	}
	if err := v.ValidateSchedule(cfg.Maintenance.RetentionSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Maintenance.TranscriptMaxAgeDays < 0 {
		errors = append(errors, fmt.Errorf("maintenance.transcript_max_age_days must be >= 0"))
	}

	// Gateway
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if cfg.Gateway.RateLimitPerMinute < 0 {
		errors = append(errors, fmt.Errorf("gateway.rate_limit_per_minute must be >= 0"))
	}
	if cfg.Gateway.MaxConcurrentRequests < 0 {
		errors = append(errors, fmt.Errorf("gateway.max_concurrent_requests must be >= 0"))
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
