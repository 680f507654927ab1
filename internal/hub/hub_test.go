package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

// fakeRegistry verifies a single (agent_id, token) pair and records
// heartbeats.
type fakeRegistry struct {
	mu         sync.Mutex
	agentID    string
	token      string
	heartbeats []*protocol.Heartbeat
}

func (r *fakeRegistry) VerifyToken(ctx context.Context, agentID, token string) (bool, error) {
	return agentID == r.agentID && token == r.token, nil
}

func (r *fakeRegistry) RecordHeartbeat(ctx context.Context, hb *protocol.Heartbeat) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb.AgentID != r.agentID {
		return false, nil
	}
	r.heartbeats = append(r.heartbeats, hb)
	return true, nil
}

func (r *fakeRegistry) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heartbeats)
}

func newTestHub(t *testing.T) (*Hub, *fakeRegistry, string) {
	t.Helper()

	registry := &fakeRegistry{agentID: "a1", token: "T"}
	h := NewHub(registry, NewManager())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeAgent))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, registry, wsURL
}

func dial(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func validHeartbeat() protocol.Heartbeat {
	return protocol.Heartbeat{
		Action:   protocol.ActionHeartbeat,
		AgentID:  "a1",
		Hostname: "h",
		Proxy:    protocol.ProxyState{Type: protocol.ProxyTypeSocks5, Port: 1080, Running: true},
		Status:   "online",
	}
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestServeAgent_MissingAuthorization(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "")
	expectPolicyClose(t, conn)
}

func TestServeAgent_InvalidToken(t *testing.T) {
	_, _, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "wrong")
	require.NoError(t, conn.WriteJSON(validHeartbeat()))
	expectPolicyClose(t, conn)
}

func TestServeAgent_FirstMessageNotHeartbeat(t *testing.T) {
	h, _, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "T")
	require.NoError(t, conn.WriteJSON(protocol.CommandResponse{
		Action: protocol.ActionCommandResponse, Command: "enable_proxy", Success: true,
	}))
	expectPolicyClose(t, conn)
	assert.False(t, h.Manager().IsConnected("a1"))
}

func TestServeAgent_HandshakeAndHeartbeats(t *testing.T) {
	h, registry, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "T")
	require.NoError(t, conn.WriteJSON(validHeartbeat()))

	var ack protocol.Connected
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, protocol.ActionConnected, ack.Action)
	assert.Equal(t, "Connected successfully", ack.Message)

	require.Eventually(t, func() bool {
		return h.Manager().IsConnected("a1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, registry.heartbeatCount())

	// Subsequent heartbeats are idempotent updates.
	require.NoError(t, conn.WriteJSON(validHeartbeat()))
	require.Eventually(t, func() bool {
		return registry.heartbeatCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeAgent_CommandPushAndResponse(t *testing.T) {
	h, _, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "T")
	require.NoError(t, conn.WriteJSON(validHeartbeat()))

	var ack protocol.Connected
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	require.Eventually(t, func() bool {
		return h.Manager().IsConnected("a1")
	}, 2*time.Second, 10*time.Millisecond)

	err := h.Manager().SendCommand("a1", protocol.Command{Action: protocol.ActionRestartProxy})
	require.NoError(t, err)

	var cmd protocol.Command
	require.NoError(t, conn.ReadJSON(&cmd))
	assert.Equal(t, protocol.ActionRestartProxy, cmd.Action)

	// The response is observed only; the session must stay healthy.
	require.NoError(t, conn.WriteJSON(protocol.CommandResponse{
		Action: protocol.ActionCommandResponse, Command: cmd.Action, Success: true,
	}))
	require.NoError(t, conn.WriteJSON(validHeartbeat()))
	assert.True(t, h.Manager().IsConnected("a1"))
}

func TestServeAgent_UnknownActionIgnored(t *testing.T) {
	h, registry, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "T")
	require.NoError(t, conn.WriteJSON(validHeartbeat()))

	var ack protocol.Connected
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "telemetry"}))
	require.NoError(t, conn.WriteJSON(validHeartbeat()))

	require.Eventually(t, func() bool {
		return registry.heartbeatCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.Manager().IsConnected("a1"))
}

func TestServeAgent_DisconnectCleansTable(t *testing.T) {
	h, _, wsURL := newTestHub(t)

	conn := dial(t, wsURL, "T")
	require.NoError(t, conn.WriteJSON(validHeartbeat()))

	var ack protocol.Connected
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	require.Eventually(t, func() bool {
		return h.Manager().IsConnected("a1")
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return !h.Manager().IsConnected("a1")
	}, 2*time.Second, 10*time.Millisecond)
}
