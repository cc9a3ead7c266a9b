package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrHandleClosed is returned when a turn is dispatched on a closed handle.
var ErrHandleClosed = errors.New("handle is closed")

// Event is one typed unit of a session's upstream stream.
type Event struct {
	// Type is the upstream event type, e.g. "message_start" or
	// "content_block_delta".
	Type string

	// SessionID carries the runtime's session identifier when the event
	// announces it.
	SessionID string

	// Text is the incremental assistant text inside this event, if any.
	Text string

	// Terminal marks the final event of a turn.
	Terminal bool

	// Err is set when the capability failed mid-stream. No further
	// events follow.
	Err error

	// Raw is the upstream payload as received.
	Raw json.RawMessage
}

// Handle is one live conversation held open against the agent runtime.
// A handle is used by at most one request at a time.
type Handle interface {
	// ID returns the authoritative session identifier, or "" before the
	// first turn assigns one.
	ID() string

	// Send dispatches a prompt and returns the event sequence for that
	// turn. The channel exists before dispatch completes, so no early
	// event can be missed. The producer stops when ctx is cancelled;
	// the handle itself stays usable for a later turn.
	Send(ctx context.Context, prompt string) (<-chan Event, error)

	// Close tears the conversation down. The handle is unusable after.
	Close() error
}

// Provider opens handles against one agent-runtime backend.
type Provider interface {
	Name() string
	Open(ctx context.Context) (Handle, error)
}

// IsRetryableError reports whether an error is transient enough to retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") || strings.Contains(msg, "connection refused") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}

	return false
}
