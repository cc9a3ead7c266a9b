package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/harun/kolam/pkg/relay"
)

// sseSink writes each wire message as one server-sent event named by
// the message type, flushing after every event so chunks reach the
// client as they happen.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

// hello announces the stream before any wire message flows.
func (s *sseSink) hello() error {
	return s.write("connected", []byte(`{}`))
}

// Emit writes one wire message as an SSE event.
func (s *sseSink) Emit(msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return s.write(msg.Type, data)
}

func (s *sseSink) write(event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
