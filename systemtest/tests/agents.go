package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/api/http/dto"
)

const apiBase = "/api/v1/proxy-pool"

func TestAgentCRUD(t *testing.T, router *gin.Engine) {
	var created dto.CreatedAgentResponse

	t.Run("register agent", func(t *testing.T) {
		body := dto.CreateAgentRequest{AgentID: "crud-1", AgentName: "living room", ProxyType: "socks5", ProxyPort: 1080}
		rr := doJSON(router, "POST", apiBase+"/agents", body)
		require.Equal(t, http.StatusCreated, rr.Code)

		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
		assert.Equal(t, "crud-1", created.AgentID)
		assert.Equal(t, "offline", created.Status)
		assert.Len(t, created.AuthToken, 43)
	})

	t.Run("duplicate agent_id", func(t *testing.T) {
		body := dto.CreateAgentRequest{AgentID: "crud-1"}
		rr := doJSON(router, "POST", apiBase+"/agents", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("get agent", func(t *testing.T) {
		rr := doJSON(router, "GET", apiBase+"/agents/crud-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "socks5", resp.ProxyType)
		assert.False(t, resp.Connected)
		// The token must not appear outside registration.
		assert.NotContains(t, rr.Body.String(), created.AuthToken)
	})

	t.Run("list agents", func(t *testing.T) {
		rr := doJSON(router, "GET", apiBase+"/agents?page=1&page_size=10", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListAgentsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.Total, int64(1))
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, 10, resp.PageSize)
	})

	t.Run("update agent", func(t *testing.T) {
		status := "disabled"
		port := 9090
		rr := doJSON(router, "PUT", apiBase+"/agents/crud-1", dto.UpdateAgentRequest{Status: &status, ProxyPort: &port})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "disabled", resp.Status)
		assert.Equal(t, 9090, resp.ProxyPort)
	})

	t.Run("command to disconnected agent", func(t *testing.T) {
		rr := doJSON(router, "POST", apiBase+"/agents/crud-1/command", dto.CommandRequest{Command: "restart_proxy"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("command to unknown agent", func(t *testing.T) {
		rr := doJSON(router, "POST", apiBase+"/agents/ghost/command", dto.CommandRequest{Command: "restart_proxy"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rr := doJSON(router, "GET", apiBase+"/stats", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.StatsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.TotalAgents, int64(1))
	})

	t.Run("generate token", func(t *testing.T) {
		rr := doJSON(router, "GET", apiBase+"/token/generate", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.TokenResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Token, 43)
	})

	t.Run("delete agent", func(t *testing.T) {
		rr := doJSON(router, "DELETE", apiBase+"/agents/crud-1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = doJSON(router, "GET", apiBase+"/agents/crud-1", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = doJSON(router, "DELETE", apiBase+"/agents/crud-1", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
