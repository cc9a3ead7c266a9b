package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/kolam/internal/tracing"
	"github.com/harun/kolam/pkg/relay"
	"github.com/harun/kolam/pkg/session"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("pool.status", s.handlePoolStatus)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("system.status", s.handleSystemStatus)
}

// handleChatSend handles chat.send: one prompt/response cycle against a
// pooled session. WebSocket callers see every wire message live as a
// chat.message event addressed to them alone; the final result comes
// back as the RPC response either way.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.chatSchema.validate(params); err != nil {
		return nil, err
	}

	prompt, _ := params["prompt"].(string)
	sessionKey, _ := params["sessionKey"].(string)

	requestID := tracing.NewRequestID()
	ctx = tracing.WithRequestID(ctx, requestID)
	if sessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, sessionKey)
	}

	// HTTP callers have no channel to stream over; they get the final
	// result only, with the buffer standing in as the live sink.
	var sink relay.Sink = &relay.Buffer{}
	if clientID := tracing.GetClientID(ctx); clientID != "" {
		traceID := tracing.GetTraceID(ctx)
		sink = relay.SinkFunc(func(msg relay.Message) error {
			return s.broadcaster.BroadcastToClient(clientID, EventMessage{
				Event:   "chat.message",
				Session: msg.SessionKey,
				Data:    msg,
				TraceID: traceID,
			})
		})
	}

	recorder := session.NewRecorder(ctx, sink, s.transcripts, requestID, sessionKey)
	result, err := s.relay.Run(ctx, relay.Request{Prompt: prompt, SessionKey: sessionKey}, recorder)
	recorder.Flush()
	if result.SessionKey != "" {
		s.recordSession(ctx, result.SessionKey, sessionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	return map[string]interface{}{
		"sessionKey": result.SessionKey,
		"response":   result.Response,
		"requestId":  requestID,
	}, nil
}

// handlePoolStatus handles pool.status
func (s *Server) handlePoolStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.pool.Stats(), nil
}

// handleSessionsList handles sessions.list
func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit := 0
	if value, ok := params["limit"].(float64); ok {
		limit = int(value)
	}

	records, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return map[string]interface{}{
		"sessions": records,
	}, nil
}

// handleSessionsGet handles sessions.get
func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, ok := params["sessionKey"].(string)
	if !ok || sessionKey == "" {
		return nil, &RPCError{
			Code:    InvalidParams,
			Message: "sessionKey parameter is required and must be a string",
		}
	}

	rec, err := s.store.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	messages, err := s.transcripts.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	return map[string]interface{}{
		"session":  rec,
		"messages": messages,
	}, nil
}

// handleSystemStatus handles system.status
func (s *Server) handleSystemStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	indexed, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	return map[string]interface{}{
		"status":        "ok",
		"provider":      s.provider,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"pool":          s.pool.Stats(),
		"sessions":      indexed,
		"clients":       s.clients.Count(),
		"methods":       s.router.GetMethods(),
	}, nil
}

// recordSession refreshes the session index after a completed request.
// A result key the caller did not supply marks a fresh conversation, so
// the index gets a new row carrying the requested key as lineage rather
// than renaming whatever row that key may still have.
func (s *Server) recordSession(ctx context.Context, key, requestedKey string) {
	now := time.Now().UTC()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	rec, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		rekeyedFrom := ""
		if requestedKey != "" && requestedKey != key {
			rekeyedFrom = requestedKey
		}
		if err := s.store.Upsert(ctx, session.Record{
			Key:            key,
			Provider:       s.provider,
			CreatedAt:      now,
			LastUsedAt:     now,
			RekeyedFrom:    rekeyedFrom,
			Turns:          1,
			TranscriptPath: s.transcripts.Path(key),
		}); err != nil {
			logger.Warn().Err(err).Str("session_key", key).Msg("Failed to index session")
		}
	case err != nil:
		logger.Warn().Err(err).Str("session_key", key).Msg("Failed to read session index")
	default:
		if err := s.store.Touch(ctx, key, now, rec.Turns+1); err != nil {
			logger.Warn().Err(err).Str("session_key", key).Msg("Failed to touch session index")
		}
	}
}
