package gateway

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster fans server events out to authenticated clients.
// Every event carries a process-wide sequence number so clients can
// detect gaps and order events from concurrent requests.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{
		Event: event,
		Data:  data,
	})
}

// BroadcastTyped sends a prepared event to all authenticated clients,
// stamping sequence and timestamp when the caller left them unset.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	data, ok := b.encode(&msg)
	if !ok {
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.Send(data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

// BroadcastToClient sends an event to a single authenticated client.
// It returns an error when the client is gone or the write fails, so
// per-request streams notice a dead consumer.
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) error {
	client, exists := b.clients.Get(clientID)
	if !exists {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	if !client.Authenticated {
		return fmt.Errorf("client %s is not authenticated", clientID)
	}

	data, ok := b.encode(&msg)
	if !ok {
		return fmt.Errorf("failed to encode event %s", msg.Event)
	}

	if err := client.Send(data); err != nil {
		return fmt.Errorf("failed to send event to client %s: %w", clientID, err)
	}
	return nil
}

// encode stamps and marshals the event, logging instead of failing the
// broadcast on a marshal error.
func (b *EventBroadcaster) encode(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return nil, false
	}
	return data, true
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
