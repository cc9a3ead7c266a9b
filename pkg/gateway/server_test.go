package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kolam/pkg/pool"
	"github.com/harun/kolam/pkg/relay"
	"github.com/harun/kolam/pkg/runtime"
	"github.com/harun/kolam/pkg/session"
)

const testSecret = "test-secret"

type stubHandle struct {
	mu sync.Mutex
	id string
}

func (h *stubHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *stubHandle) Send(ctx context.Context, prompt string) (<-chan runtime.Event, error) {
	h.mu.Lock()
	id := h.id
	h.mu.Unlock()

	events := make(chan runtime.Event, 4)
	events <- runtime.Event{
		Type:      "message_start",
		SessionID: id,
		Raw:       json.RawMessage(`{"type":"message_start"}`),
	}
	events <- runtime.Event{
		Type: "content_block_delta",
		Text: "pong: " + prompt,
		Raw:  json.RawMessage(`{"type":"content_block_delta"}`),
	}
	events <- runtime.Event{
		Type:     "message_stop",
		Terminal: true,
		Raw:      json.RawMessage(`{"type":"message_stop"}`),
	}
	close(events)
	return events, nil
}

func (h *stubHandle) Close() error { return nil }

type stubProvider struct {
	mu     sync.Mutex
	opened int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Open(ctx context.Context) (runtime.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	return &stubHandle{id: fmt.Sprintf("sess-%d", p.opened)}, nil
}

// newTestServer wires a full server around a stub runtime on an
// ephemeral port and tears it all down with the test.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	mgr, err := pool.NewManager(pool.Config{
		Provider: &stubProvider{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transcripts, err := session.NewTranscriptLog(filepath.Join(t.TempDir(), "transcripts"))
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         0,
		SharedSecret: testSecret,
		Relay:        relay.New(mgr, 5*time.Second, zerolog.Nop()),
		Pool:         mgr,
		Store:        store,
		Transcripts:  transcripts,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func postJSON(t *testing.T, url, secret string, body interface{}) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// readSSEEvents parses a server-sent event body into its event names in
// arrival order.
func readSSEEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	require.NoError(t, scanner.Err())
	return names
}

func TestStreamEndpointEventOrder(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, "http://"+srv.Addr()+"/v1/stream", testSecret, relay.Request{Prompt: "ping"})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := readSSEEvents(t, resp)
	require.NotEmpty(t, names)

	assert.Equal(t, "connected", names[0])
	assert.Equal(t, relay.TypeComplete, names[len(names)-1])

	created := indexOf(names, relay.TypeSessionCreated)
	chunk := indexOf(names, relay.TypeTextChunk)
	require.GreaterOrEqual(t, created, 0)
	require.GreaterOrEqual(t, chunk, 0)
	assert.Less(t, created, chunk)
}

func indexOf(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}
	return -1
}

func TestHTTPEndpointsRejectMissingSecret(t *testing.T) {
	srv := newTestServer(t)
	base := "http://" + srv.Addr()

	rpcReq := RPCRequest{ID: "1", JSONRPC: "2.0", Method: "pool.status"}

	resp := postJSON(t, base+"/rpc", "", rpcReq)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, base+"/rpc", "wrong-secret", rpcReq)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, base+"/v1/chat", "", relay.Request{Prompt: "ping"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, base+"/v1/stream", "", relay.Request{Prompt: "ping"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// dialAuthenticated connects a WebSocket client and completes the
// challenge-response handshake.
func dialAuthenticated(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)
	require.NotEmpty(t, challenge.Challenge)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(challenge.Challenge))
	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, "auth.success", result.Event)
	require.True(t, result.Success)

	return conn
}

func TestWebSocketChatSendStreamsToCaller(t *testing.T) {
	srv := newTestServer(t)
	conn := dialAuthenticated(t, srv)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:      "req-1",
		JSONRPC: "2.0",
		Method:  "chat.send",
		Params:  map[string]interface{}{"prompt": "ping"},
	}))

	// Wire messages arrive as chat.message events addressed to this
	// client; the RPC response closes the exchange.
	var streamed []relay.Message
	var response RPCResponse
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)

		var event EventMessage
		if err := json.Unmarshal(frame, &event); err == nil && event.Event == "chat.message" {
			data, err := json.Marshal(event.Data)
			require.NoError(t, err)
			var msg relay.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			streamed = append(streamed, msg)
			continue
		}

		require.NoError(t, json.Unmarshal(frame, &response))
		if response.ID == "req-1" {
			break
		}
	}

	require.NotEmpty(t, streamed)
	assert.Equal(t, relay.TypeSessionCreated, streamed[0].Type)
	assert.Equal(t, relay.TypeComplete, streamed[len(streamed)-1].Type)

	require.Nil(t, response.Error)
	result, ok := response.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pong: ping", result["response"])
	assert.Equal(t, "sess-1", result["sessionKey"])
}

func TestWebSocketRejectsUnauthenticatedRequests(t *testing.T) {
	srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	// Skip the handshake and go straight to a method call.
	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:      "req-1",
		JSONRPC: "2.0",
		Method:  "pool.status",
	}))

	var response RPCResponse
	require.NoError(t, conn.ReadJSON(&response))
	require.NotNil(t, response.Error)
	assert.Equal(t, AuthenticationRequired, response.Error.Code)
}
