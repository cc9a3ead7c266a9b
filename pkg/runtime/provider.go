package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Config selects and parameterizes one agent-runtime backend.
type Config struct {
	Provider     string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	MaxRetries   int
}

// New returns the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for provider %q", cfg.Provider)
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// eventBuffer sizes each turn's event channel so a briefly slow consumer
// does not stall the producer.
const eventBuffer = 64

// emit delivers evt unless ctx ends first.
func emit(ctx context.Context, events chan<- Event, evt Event) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// withRetry runs op with exponential backoff: 1s, 2s, 4s.
func withRetry(ctx context.Context, maxRetries int, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return err
		}

		// Last attempt - don't wait
		if attempt == maxRetries-1 {
			break
		}

		delayMs := 1000 * (1 << attempt)
		log.Info().
			Int("attempt", attempt+1).
			Int("delayMs", delayMs).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
