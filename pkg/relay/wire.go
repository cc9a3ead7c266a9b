package relay

import (
	"encoding/json"
)

const (
	TypeSessionCreated = "session_created"
	TypeMessage        = "message"
	TypeTextChunk      = "text_chunk"
	TypeComplete       = "complete"
	TypeError          = "error"
)

// Message is one ordered unit of a relayed response. Only the fields of
// the given Type are populated.
type Message struct {
	Type       string          `json:"type"`
	SessionKey string          `json:"sessionKey,omitempty"`
	EventType  string          `json:"messageType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Content    string          `json:"content,omitempty"`
	Response   string          `json:"response,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// SessionCreated announces the authoritative key the caller must use to
// address this session from now on.
func SessionCreated(key string) Message {
	return Message{Type: TypeSessionCreated, SessionKey: key}
}

// Passthrough forwards one upstream event verbatim.
func Passthrough(eventType string, data json.RawMessage) Message {
	return Message{Type: TypeMessage, EventType: eventType, Data: data}
}

// TextChunk carries one increment of assistant text.
func TextChunk(content string) Message {
	return Message{Type: TypeTextChunk, Content: content}
}

// Complete closes a successful request with the accumulated response.
func Complete(response, key string) Message {
	return Message{Type: TypeComplete, Response: response, SessionKey: key}
}

// ErrorMessage closes a failed request.
func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// Sink consumes a request's wire messages in emission order. Emit must
// not be called concurrently; the relay serializes all calls.
type Sink interface {
	Emit(msg Message) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Message) error

// Emit calls f(msg).
func (f SinkFunc) Emit(msg Message) error { return f(msg) }

// Buffer is a Sink that collects every message in memory. It backs the
// single-shot HTTP surface where the caller wants the final result only.
type Buffer struct {
	msgs []Message
}

// Emit appends msg to the buffer.
func (b *Buffer) Emit(msg Message) error {
	b.msgs = append(b.msgs, msg)
	return nil
}

// Messages returns the collected messages in emission order.
func (b *Buffer) Messages() []Message { return b.msgs }
