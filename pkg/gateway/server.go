package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/kolam/internal/observability"
	"github.com/harun/kolam/internal/tracing"
	"github.com/harun/kolam/pkg/pool"
	"github.com/harun/kolam/pkg/relay"
	"github.com/harun/kolam/pkg/session"
)

// secretHeader authenticates single-shot HTTP requests.
const secretHeader = "X-Kolam-Secret"

// shutdownGrace bounds how long Stop waits for in-flight requests.
const shutdownGrace = 30 * time.Second

// Server terminates the network surface: the WebSocket duplex channel,
// the single-shot HTTP endpoints, and the JSON-RPC method set reachable
// through both.
type Server struct {
	host         string
	port         int
	sharedSecret string
	provider     string
	tickInterval time.Duration

	rateLimitPerMinute    int
	maxConcurrentRequests int

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	chatSchema  *paramSchema

	relay       *relay.Relay
	pool        *pool.Manager
	store       *session.Store
	transcripts *session.TranscriptLog

	logger    zerolog.Logger
	startedAt time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host                  string
	Port                  int
	SharedSecret          string
	Provider              string
	RateLimitPerMinute    int
	MaxConcurrentRequests int
	TickInterval          time.Duration
	Relay                 *relay.Relay
	Pool                  *pool.Manager
	Store                 *session.Store
	Transcripts           *session.TranscriptLog
	Logger                zerolog.Logger
}

// NewServer creates a new gateway server. Port 0 binds an ephemeral port.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("transcript log is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}

	chatSchema, err := compileParamSchema(chatSendSchemaJSON)
	if err != nil {
		return nil, err
	}

	clients := NewClientRegistry()

	s := &Server{
		host:                  cfg.Host,
		port:                  cfg.Port,
		sharedSecret:          cfg.SharedSecret,
		provider:              cfg.Provider,
		tickInterval:          cfg.TickInterval,
		rateLimitPerMinute:    cfg.RateLimitPerMinute,
		maxConcurrentRequests: cfg.MaxConcurrentRequests,
		clients:               clients,
		router:                NewRPCRouter(),
		authHandler:           NewAuthHandler(cfg.SharedSecret),
		broadcaster:           NewEventBroadcaster(clients, cfg.Logger),
		chatSchema:            chatSchema,
		relay:                 cfg.Relay,
		pool:                  cfg.Pool,
		store:                 cfg.Store,
		transcripts:           cfg.Transcripts,
		logger:                cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Clients authenticate via challenge-response, not origin.
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	observability.EnsureRegistered()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("failed to bind gateway listener: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux}
	s.startedAt = time.Now()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains the server: no new connections, a bounded wait for
// in-flight requests, then every client connection is closed.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Shutdown grace period reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{
					"status": "alive",
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:            clientID,
		Conn:          conn,
		Authenticated: false,
		ConnectedAt:   time.Now(),
		LastActivity:  time.Now(),
		IPAddress:     r.RemoteAddr,
		RateLimiter:   NewClientRateLimiter(s.rateLimitPerMinute, s.maxConcurrentRequests),
		State:         StateConnecting,
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.SendJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads messages from a client until the connection drops
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	// Auth responses are the one message an unauthenticated client may send.
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := tracing.NewContext(context.Background(), &tracing.TraceContext{
			TraceID:  tracing.NewTraceID(),
			ClientID: client.ID,
		})
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Info().
			Str("clientId", client.ID).
			Str("request_id", req.ID).
			Str("method", req.Method).
			Msg("Gateway received request")

		response := s.router.RouteRequest(ctx, req)
		if err := client.SendJSON(response); err != nil {
			logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	status := "failure"
	if result.Success {
		status = "success"
	}
	observability.RecordSecurityAudit(context.Background(), "gateway.auth", client.ID, status, map[string]interface{}{
		"ip": client.IPAddress,
	})

	if err := client.SendJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.AuthAttempts >= maxAuthAttempts {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.SendJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// requireSecret guards the single-shot HTTP surface.
func (s *Server) requireSecret(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get(secretHeader)
	if subtle.ConstantTimeCompare([]byte(header), []byte(s.sharedSecret)) == 1 {
		return true
	}

	observability.RecordSecurityAudit(r.Context(), "gateway.secret", r.RemoteAddr, "denied", map[string]interface{}{
		"path": r.URL.Path,
	})
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

// requestContext builds the per-request context, honoring an inbound
// trace ID when the caller sent one.
func (s *Server) requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(r.Context(), traceID)
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireSecret(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error:   toRPCError(err),
		})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleChat is the single-shot JSON surface: one prompt in, the final
// response out, transcript recorded like any other request.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireSecret(w, r) {
		return
	}

	var req relay.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r)
	requestID := tracing.NewRequestID()
	ctx = tracing.WithRequestID(ctx, requestID)

	recorder := session.NewRecorder(ctx, &relay.Buffer{}, s.transcripts, requestID, req.SessionKey)
	result, err := s.relay.Run(ctx, req, recorder)
	recorder.Flush()
	if result.SessionKey != "" {
		s.recordSession(ctx, result.SessionKey, req.SessionKey)
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(chatStatus(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	_ = json.NewEncoder(w).Encode(result)
}

// chatStatus maps relay failures onto HTTP status codes.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleStream is the SSE surface: one request's wire messages delivered
// as they happen, one event per message.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireSecret(w, r) {
		return
	}

	var req relay.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Reject before the stream opens; afterwards errors travel as events.
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, relay.ErrEmptyPrompt.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r)
	requestID := tracing.NewRequestID()
	ctx = tracing.WithRequestID(ctx, requestID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w, flusher)
	if err := sink.hello(); err != nil {
		logger.Warn().Err(err).Msg("Client went away before the stream started")
		return
	}

	recorder := session.NewRecorder(ctx, sink, s.transcripts, requestID, req.SessionKey)
	result, err := s.relay.Run(ctx, req, recorder)
	recorder.Flush()
	if result.SessionKey != "" {
		s.recordSession(ctx, result.SessionKey, req.SessionKey)
	}
	if err != nil {
		// The failure already reached the client as an error event.
		logger.Warn().Err(err).Msg("Streamed request failed")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
