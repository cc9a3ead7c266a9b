package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider opens conversation handles against the OpenAI API.
type OpenAIProvider struct {
	client openai.Client
	cfg    Config
}

// NewOpenAIProvider creates a provider using the OpenAI API.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Open verifies the configured model is reachable and returns a fresh
// conversation handle.
func (p *OpenAIProvider) Open(ctx context.Context) (Handle, error) {
	err := withRetry(ctx, p.cfg.MaxRetries, func() error {
		_, err := p.client.Models.Get(ctx, p.cfg.Model)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai capability check failed: %w", err)
	}

	return &openaiHandle{client: p.client, cfg: p.cfg}, nil
}

type openaiHandle struct {
	client openai.Client
	cfg    Config

	mu      sync.Mutex
	id      string
	history []openai.ChatCompletionMessageParamUnion
	closed  bool
}

func (h *openaiHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *openaiHandle) rememberID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id == "" && id != "" {
		h.id = id
	}
}

func (h *openaiHandle) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	user := openai.UserMessage(prompt)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(h.history)+2)
	if h.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(h.cfg.SystemPrompt))
	}
	messages = append(messages, h.history...)
	messages = append(messages, user)
	h.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(h.cfg.Model),
		Messages: messages,
	}
	if h.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(h.cfg.MaxTokens))
	}
	if h.cfg.Temperature > 0 {
		params.Temperature = openai.Float(h.cfg.Temperature)
	}

	stream := h.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan Event, eventBuffer)

	go func() {
		defer close(events)
		defer stream.Close()

		var acc openai.ChatCompletionAccumulator
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			out := Event{Type: "chat.completion.chunk", Raw: json.RawMessage(chunk.RawJSON())}
			if chunk.ID != "" {
				h.rememberID(chunk.ID)
				out.SessionID = h.ID()
			}
			if len(chunk.Choices) > 0 {
				out.Text = chunk.Choices[0].Delta.Content
			}

			if !emit(ctx, events, out) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, events, Event{Type: "error", Err: fmt.Errorf("openai stream failed: %w", err)})
			return
		}

		// Chat completions end by the stream draining; close the turn
		// with an explicit terminal event.
		if !emit(ctx, events, Event{Type: "response.done", Terminal: true, Raw: json.RawMessage(`{"type":"response.done"}`)}) {
			return
		}

		h.mu.Lock()
		if !h.closed && len(acc.Choices) > 0 {
			h.history = append(h.history, user, acc.Choices[0].Message.ToParam())
		}
		h.mu.Unlock()
	}()

	return events, nil
}

func (h *openaiHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.history = nil
	return nil
}
