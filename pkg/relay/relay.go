package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/kolam/internal/observability"
	"github.com/harun/kolam/internal/tracing"
	"github.com/harun/kolam/pkg/pool"
	"github.com/harun/kolam/pkg/runtime"
)

var (
	// ErrTimeout reports that a request exceeded the relay's deadline.
	// The entry goes back to the pool; the handle is not closed.
	ErrTimeout = errors.New("relay request timed out")

	// ErrEmptyPrompt reports a request with no prompt text.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
)

// Phase names a request's position in its lifecycle.
type Phase string

const (
	PhaseAcquiring  Phase = "acquiring"
	PhaseSending    Phase = "sending"
	PhaseDraining   Phase = "draining"
	PhaseFinalizing Phase = "finalizing"
	PhaseReleased   Phase = "released"
)

// Request is one prompt/response cycle's input. SessionKey is optional;
// when set, the relay prefers the session it names.
type Request struct {
	Prompt     string `json:"prompt"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Result summarizes a finished request for single-shot callers.
type Result struct {
	SessionKey string `json:"sessionKey"`
	Response   string `json:"response"`
}

// Relay drives pooled sessions through prompt/response cycles.
type Relay struct {
	pool    *pool.Manager
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a relay over the given pool. timeout bounds each request's
// wall-clock duration; non-positive values fall back to five minutes.
func New(p *pool.Manager, timeout time.Duration, logger zerolog.Logger) *Relay {
	observability.EnsureRegistered()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Relay{pool: p, timeout: timeout, logger: logger}
}

// Run executes one request against a pooled session, emitting wire
// messages to sink in event order. Whatever the exit path, the entry is
// released exactly once and at most one error message reaches the sink.
func (r *Relay) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "relay", "relay.request",
		attribute.String("session_key", req.SessionKey))
	defer span.End()

	t := &turn{
		relay:  r,
		req:    req,
		sink:   sink,
		phase:  PhaseAcquiring,
		logger: tracing.LoggerFromContext(ctx, r.logger),
	}

	result, err := t.run(ctx)

	status := "success"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	observability.RecordRelayRequest(status, time.Since(start))
	return result, err
}

// turn is one request's mutable state as it walks the phases.
type turn struct {
	relay  *Relay
	req    Request
	sink   Sink
	logger zerolog.Logger

	phase    Phase
	entry    *pool.Entry
	key      string
	rekeyed  bool
	text     strings.Builder
	errored  bool
	sinkDead bool
}

func (t *turn) run(ctx context.Context) (Result, error) {
	entry, err := t.relay.pool.Acquire(ctx, t.req.SessionKey)
	if err != nil {
		t.fail(err)
		t.phase = PhaseReleased
		return Result{}, err
	}
	t.entry = entry
	t.key = entry.Key()

	// The single release exit. Every path below funnels through here.
	defer func() {
		t.phase = PhaseReleased
		t.relay.pool.Release(entry)
	}()

	t.phase = PhaseSending
	events, err := entry.Handle().Send(ctx, t.req.Prompt)
	if err != nil {
		err = fmt.Errorf("failed to dispatch prompt: %w", err)
		t.fail(err)
		return Result{SessionKey: t.key}, err
	}

	t.phase = PhaseDraining
	if err := t.drain(ctx, events); err != nil {
		t.fail(err)
		return Result{SessionKey: t.key}, err
	}

	t.phase = PhaseFinalizing
	if err := t.emit(Complete(t.text.String(), t.key)); err != nil {
		return Result{SessionKey: t.key}, err
	}

	return Result{SessionKey: t.key, Response: t.text.String()}, nil
}

func (t *turn) drain(ctx context.Context, events <-chan runtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			// Forced abandon. The producer is left to drain into its
			// buffer; the handle stays open for the next request.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return errors.New("event stream ended without a terminal event")
			}
			done, err := t.consume(evt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// consume translates one upstream event into wire messages. It returns
// true once the terminal event has been forwarded.
func (t *turn) consume(evt runtime.Event) (bool, error) {
	if evt.Err != nil {
		return false, fmt.Errorf("session capability failed: %w", evt.Err)
	}

	// Malformed units are dropped; the drain keeps going.
	if evt.Type == "" || (len(evt.Raw) > 0 && !gjson.ValidBytes(evt.Raw)) {
		t.logger.Warn().Str("eventType", evt.Type).Msg("Skipping malformed event")
		return false, nil
	}

	if evt.SessionID != "" && !t.rekeyed {
		t.rekeyed = true
		t.key = t.relay.pool.Rekey(t.entry, evt.SessionID)
		if t.key != t.req.SessionKey {
			if err := t.emit(SessionCreated(t.key)); err != nil {
				return false, err
			}
		}
	}

	if err := t.emit(Passthrough(evt.Type, evt.Raw)); err != nil {
		return false, err
	}

	if evt.Text != "" {
		t.text.WriteString(evt.Text)
		if err := t.emit(TextChunk(evt.Text)); err != nil {
			return false, err
		}
	}

	return evt.Terminal, nil
}

func (t *turn) emit(msg Message) error {
	if err := t.sink.Emit(msg); err != nil {
		t.sinkDead = true
		return fmt.Errorf("failed to emit %s message: %w", msg.Type, err)
	}
	observability.RecordWireMessage(msg.Type)
	return nil
}

// fail sends the request's single error message. Nothing goes out when
// one was already sent or the sink itself is broken.
func (t *turn) fail(cause error) {
	t.logger.Error().Err(cause).Str("phase", string(t.phase)).Msg("Relay request failed")
	if t.errored || t.sinkDead {
		return
	}
	t.errored = true
	if err := t.sink.Emit(ErrorMessage(cause.Error())); err != nil {
		t.sinkDead = true
		t.logger.Warn().Err(err).Msg("Failed to emit error message")
		return
	}
	observability.RecordWireMessage(TypeError)
}
