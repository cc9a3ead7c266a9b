package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/harun/kolam/pkg/relay"
)

// Recorder tees a request's wire messages into the transcript log while
// forwarding them to the wrapped sink. A fresh session has no usable key
// until the stream announces one, so lines are buffered until it settles.
// Recording is best effort: a transcript write failure never interrupts
// the live stream.
type Recorder struct {
	ctx         context.Context
	next        relay.Sink
	transcripts *TranscriptLog
	requestID   string
	key         string
	seq         int
	pending     [][]byte
}

// NewRecorder wraps next with transcript recording for one request. ctx is
// the request's context; sessionKey may be empty when the caller does not
// have one yet.
func NewRecorder(ctx context.Context, next relay.Sink, transcripts *TranscriptLog, requestID, sessionKey string) *Recorder {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Recorder{
		ctx:         ctx,
		next:        next,
		transcripts: transcripts,
		requestID:   requestID,
		key:         sessionKey,
	}
}

// Emit forwards msg to the wrapped sink, then records the delivered copy.
func (r *Recorder) Emit(msg relay.Message) error {
	if err := r.next.Emit(msg); err != nil {
		return err
	}
	r.record(msg)
	return nil
}

// Key returns the session key the recorder settled on, if any.
func (r *Recorder) Key() string {
	return r.key
}

func (r *Recorder) record(msg relay.Message) {
	line, err := r.enrich(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("Failed to encode transcript line")
		return
	}

	switch msg.Type {
	case relay.TypeSessionCreated, relay.TypeComplete:
		if msg.SessionKey != "" {
			r.key = msg.SessionKey
		}
	}

	if r.key == "" {
		r.pending = append(r.pending, line)
		return
	}

	r.flushPending()
	r.append(line)
}

// enrich stamps a wire message with its transcript ordering fields.
func (r *Recorder) enrich(msg relay.Message) ([]byte, error) {
	r.seq++

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	data, err = sjson.SetBytes(data, "seq", r.seq)
	if err != nil {
		return nil, err
	}
	data, err = sjson.SetBytes(data, "ts", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	if r.requestID != "" {
		data, err = sjson.SetBytes(data, "requestId", r.requestID)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (r *Recorder) flushPending() {
	if len(r.pending) == 0 {
		return
	}
	for _, line := range r.pending {
		r.append(line)
	}
	r.pending = nil
}

func (r *Recorder) append(line []byte) {
	if err := r.transcripts.Append(r.ctx, r.key, line); err != nil {
		log.Warn().Err(err).Str("session_key", r.key).Msg("Failed to record transcript line")
	}
}

// Flush writes out anything still buffered. Requests that failed before a
// key settled have nowhere durable to go; their lines are dropped.
func (r *Recorder) Flush() {
	if r.key == "" {
		if len(r.pending) > 0 {
			log.Debug().Int("lines", len(r.pending)).Str("request_id", r.requestID).Msg("Dropping transcript lines for keyless request")
			r.pending = nil
		}
		return
	}
	r.flushPending()
}
