package agent

import (
	"context"
	"net"
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

type fakeProxy struct {
	mu      sync.Mutex
	running bool
	port    int
	calls   []string
}

func (p *fakeProxy) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProxy) Start(ctx context.Context) error {
	p.record("start")
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Stop(ctx context.Context) error {
	p.record("stop")
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) Restart(ctx context.Context) error {
	p.record("restart")
	return nil
}

func (p *fakeProxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProxy) Type() string { return protocol.ProxyTypeHTTP }

func (p *fakeProxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

func (p *fakeProxy) SetPort(port int) {
	p.record("set_port")
	p.mu.Lock()
	p.port = port
	p.mu.Unlock()
}

func (p *fakeProxy) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// offlineNetInfo never resolves anything, keeping tests hermetic.
func offlineNetInfo() *NetInfo {
	n := NewNetInfo()
	n.client = &http.Client{Timeout: 100 * time.Millisecond}
	n.ipServices = nil
	return n
}

func TestRun_ReconnectBudget(t *testing.T) {
	// Reserve a port with nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient(Options{
		HubURL:            "ws://" + addr + "/ws",
		AgentID:           "a1",
		AuthToken:         "T",
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnect:      3,
	}, &fakeProxy{}, offlineNetInfo())

	start := time.Now()
	err = c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 failed connection attempts")
	// Three attempts with two sleeps in between.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Options{HubURL: "ws://127.0.0.1:1/ws", AgentID: "a1"}, &fakeProxy{}, offlineNetInfo())
	assert.NoError(t, c.Run(ctx))
}

type hubScript struct {
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	authHeader string
	received   []map[string]any
	conn       *websocket.Conn
	connected  chan struct{}
}

func newHubScript() *hubScript {
	return &hubScript{connected: make(chan struct{})}
}

func (h *hubScript) handler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.authHeader = r.Header.Get("Authorization")
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	// Handshake: first frame must be a heartbeat, then ack.
	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	h.mu.Lock()
	h.received = append(h.received, first)
	h.mu.Unlock()

	conn.WriteJSON(protocol.NewConnected())
	close(h.connected)

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.mu.Lock()
		h.received = append(h.received, msg)
		h.mu.Unlock()
	}
}

func (h *hubScript) messages() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.received...)
}

func TestRun_HandshakeAndCommand(t *testing.T) {
	script := newHubScript()
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	defer srv.Close()

	proxy := &fakeProxy{running: true, port: 8888}
	c := NewClient(Options{
		HubURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		AgentID:           "a1",
		AuthToken:         "T",
		HeartbeatInterval: time.Hour,
		ReconnectInterval: 10 * time.Millisecond,
	}, proxy, offlineNetInfo())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-script.connected:
	case <-time.After(3 * time.Second):
		t.Fatal("agent never completed the handshake")
	}

	script.mu.Lock()
	auth := script.authHeader
	conn := script.conn
	script.mu.Unlock()
	assert.Equal(t, "Bearer T", auth)

	msgs := script.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "heartbeat", msgs[0]["action"])
	assert.Equal(t, "a1", msgs[0]["agent_id"])
	assert.Equal(t, "online", msgs[0]["status"])

	// Push a command; expect a response and a state-refresh heartbeat.
	require.NoError(t, conn.WriteJSON(protocol.Command{Action: protocol.ActionDisableProxy}))

	require.Eventually(t, func() bool {
		for _, m := range script.messages() {
			if m["action"] == "command_response" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	var resp map[string]any
	for _, m := range script.messages() {
		if m["action"] == "command_response" {
			resp = m
		}
	}
	assert.Equal(t, "disable_proxy", resp["command"])
	assert.Equal(t, true, resp["success"])
	assert.Contains(t, proxy.callLog(), "stop")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestApplyConfig(t *testing.T) {
	proxy := &fakeProxy{running: true, port: 8888}
	c := NewClient(Options{AgentID: "a1"}, proxy, offlineNetInfo())

	require.NoError(t, c.applyConfig(context.Background(), map[string]any{"proxy_port": float64(9000)}))
	assert.Equal(t, 9000, proxy.Port())
	assert.Contains(t, proxy.callLog(), "restart")

	assert.Error(t, c.applyConfig(context.Background(), map[string]any{}))
}
