package tests

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/api/http/dto"
	"github.com/proxyfleet/proxyfleet/internal/hub"
	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

// TestAgentSession drives the full loop through the public surface: REST
// registration, WebSocket heartbeats, dispatch, command push and failure
// feedback.
func TestAgentSession(t *testing.T, router *gin.Engine, manager *hub.Manager) {
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	rr := doJSON(router, "POST", apiBase+"/agents", dto.CreateAgentRequest{
		AgentID: "sess-1", ProxyType: "http", ProxyPort: 8080,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created dto.CreatedAgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + apiBase + "/agent/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+created.AuthToken)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(protocol.Heartbeat{
		Action:   protocol.ActionHeartbeat,
		AgentID:  "sess-1",
		Hostname: "livingroom",
		PublicIP: "203.0.113.50",
		Proxy:    protocol.ProxyState{Type: "http", Port: 8080, Running: true},
		Status:   "online",
	}))

	var ack protocol.Connected
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, protocol.ActionConnected, ack.Action)

	require.Eventually(t, func() bool {
		return manager.IsConnected("sess-1")
	}, 3*time.Second, 20*time.Millisecond)

	t.Run("agent shows connected and online", func(t *testing.T) {
		require.Eventually(t, func() bool {
			rr := doJSON(router, "GET", apiBase+"/agents/sess-1", nil)
			if rr.Code != http.StatusOK {
				return false
			}
			var agent dto.AgentResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &agent); err != nil {
				return false
			}
			return agent.Connected && agent.Status == "online"
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("dispatch serves the live agent", func(t *testing.T) {
		rr := doJSON(router, "GET", apiBase+"/proxy/get", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var sel map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
		assert.Equal(t, "sess-1", sel["agent_id"])
		assert.Equal(t, "http://203.0.113.50:8080", sel["proxy"])
	})

	t.Run("failure feedback never demotes status", func(t *testing.T) {
		rr := doJSON(router, "POST", apiBase+"/proxy/mark_failed?agent_id=sess-1&error_msg=timeout", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = doJSON(router, "GET", apiBase+"/agents/sess-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var agent dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &agent))
		assert.Equal(t, "online", agent.Status)
		assert.GreaterOrEqual(t, agent.FailedRequests, int64(1))
	})

	t.Run("command reaches the agent", func(t *testing.T) {
		rr := doJSON(router, "POST", apiBase+"/agents/sess-1/command", dto.CommandRequest{Command: "restart_proxy"})
		require.Equal(t, http.StatusOK, rr.Code)

		var cmd protocol.Command
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		require.NoError(t, conn.ReadJSON(&cmd))
		assert.Equal(t, protocol.ActionRestartProxy, cmd.Action)

		require.NoError(t, conn.WriteJSON(protocol.CommandResponse{
			Action: protocol.ActionCommandResponse, Command: cmd.Action, Success: true,
		}))
	})

	t.Run("disconnect clears the session table", func(t *testing.T) {
		conn.Close()

		require.Eventually(t, func() bool {
			return !manager.IsConnected("sess-1")
		}, 3*time.Second, 20*time.Millisecond)
	})
}
