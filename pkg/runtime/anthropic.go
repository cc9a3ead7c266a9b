package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// AnthropicProvider opens conversation handles against the Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropicProvider creates a provider using the Anthropic API.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Open verifies the configured model is reachable and returns a fresh
// conversation handle.
func (p *AnthropicProvider) Open(ctx context.Context) (Handle, error) {
	err := withRetry(ctx, p.cfg.MaxRetries, func() error {
		_, err := p.client.Models.Get(ctx, p.cfg.Model, anthropic.ModelGetParams{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic capability check failed: %w", err)
	}

	return &anthropicHandle{client: p.client, cfg: p.cfg}, nil
}

// anthropicHandle holds one conversation's history and identity. The
// producer goroutine of an abandoned turn may still be winding down when
// the next turn starts, so identity and history stay behind the mutex.
type anthropicHandle struct {
	client anthropic.Client
	cfg    Config

	mu      sync.Mutex
	id      string
	history []anthropic.MessageParam
	closed  bool
}

func (h *anthropicHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// rememberID pins the handle's identity to the first identifier the
// runtime issues; later turns report the same one.
func (h *anthropicHandle) rememberID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id == "" && id != "" {
		h.id = id
	}
}

func (h *anthropicHandle) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	user := anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))
	messages := append(append([]anthropic.MessageParam{}, h.history...), user)
	h.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(h.cfg.Model),
		MaxTokens: int64(h.cfg.MaxTokens),
		Messages:  messages,
	}
	if h.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: h.cfg.SystemPrompt}}
	}
	if h.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(h.cfg.Temperature)
	}

	stream := h.client.Messages.NewStreaming(ctx, params)
	events := make(chan Event, eventBuffer)

	go func() {
		defer close(events)
		defer stream.Close()

		var turn anthropic.Message
		for stream.Next() {
			sse := stream.Current()
			if err := turn.Accumulate(sse); err != nil {
				log.Debug().Err(err).Str("eventType", string(sse.Type)).Msg("Event did not accumulate")
			}

			out := Event{Type: string(sse.Type), Raw: json.RawMessage(sse.RawJSON())}
			switch variant := sse.AsAny().(type) {
			case anthropic.MessageStartEvent:
				h.rememberID(variant.Message.ID)
				out.SessionID = h.ID()
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
					out.Text = delta.Text
				}
			case anthropic.MessageStopEvent:
				out.Terminal = true
			}

			if !emit(ctx, events, out) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, events, Event{Type: "error", Err: fmt.Errorf("anthropic stream failed: %w", err)})
			return
		}

		// Commit the exchange only after a clean turn so an aborted
		// stream never leaves half a turn in the history.
		h.mu.Lock()
		if !h.closed {
			h.history = append(h.history, user, turn.ToParam())
		}
		h.mu.Unlock()
	}()

	return events, nil
}

func (h *anthropicHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.history = nil
	return nil
}
