package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

func TestRegistryFlow(t *testing.T, svc *registry.Service) {
	ctx := context.Background()

	mustCreate := func(agentID string) *registry.Agent {
		token, err := registry.GenerateToken()
		require.NoError(t, err)
		agent, err := svc.CreateAgent(ctx, registry.CreateSpec{
			AgentID:   agentID,
			AuthToken: token,
			ProxyType: "http",
			ProxyPort: 8888,
		})
		require.NoError(t, err)
		return agent
	}

	a1 := mustCreate("flow-1")
	a2 := mustCreate("flow-2")
	mustCreate("flow-3")

	heartbeat := func(agentID, ip string) {
		updated, err := svc.RecordHeartbeat(ctx, &protocol.Heartbeat{
			Action:   protocol.ActionHeartbeat,
			AgentID:  agentID,
			PublicIP: ip,
			City:     "Porto",
			ISP:      "NOS",
			Proxy:    protocol.ProxyState{Type: "http", Port: 8888, Running: true},
			Status:   registry.StatusOnline,
		})
		require.NoError(t, err)
		require.True(t, updated)
	}

	t.Run("token verification", func(t *testing.T) {
		ok, err := svc.VerifyToken(ctx, a1.AgentID, a1.AuthToken)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = svc.VerifyToken(ctx, a1.AgentID, a2.AuthToken)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = svc.VerifyToken(ctx, "nobody", a1.AuthToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("heartbeat upsert", func(t *testing.T) {
		heartbeat("flow-1", "203.0.113.1")

		agent, err := svc.GetAgent(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, registry.StatusOnline, agent.Status)
		assert.Equal(t, "203.0.113.1", agent.PublicIP)
		assert.Equal(t, "Porto", agent.City)
		require.NotNil(t, agent.LastHeartbeat)

		updated, err := svc.RecordHeartbeat(ctx, &protocol.Heartbeat{
			Action: protocol.ActionHeartbeat, AgentID: "nobody",
		})
		require.NoError(t, err)
		assert.False(t, updated)
	})

	t.Run("candidate ordering", func(t *testing.T) {
		heartbeat("flow-1", "203.0.113.1")
		heartbeat("flow-2", "203.0.113.2")

		// flow-3 never heartbeated and must stay out of the pool.
		candidates, err := svc.ListCandidates(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, candidates, 2)

		// Failures outrank totals in the ordering.
		require.NoError(t, svc.IncrementFailure(ctx, "flow-1", "connect timeout"))
		require.NoError(t, svc.IncrementSuccess(ctx, "flow-2"))

		candidates, err = svc.ListCandidates(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		assert.Equal(t, "flow-2", candidates[0].AgentID)
		assert.Equal(t, "flow-1", candidates[1].AgentID)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := svc.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.TotalAgents, int64(3))
		assert.GreaterOrEqual(t, stats.OnlineAgents, int64(2))
		assert.GreaterOrEqual(t, stats.TotalRequests, int64(1))
		assert.GreaterOrEqual(t, stats.FailedRequests, int64(1))
	})

	t.Run("offline sweep", func(t *testing.T) {
		// A zero-width window makes every heartbeat stale.
		affected, err := svc.SweepStale(ctx, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, affected, int64(2))

		agent, err := svc.GetAgent(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, registry.StatusOffline, agent.Status)

		candidates, err := svc.ListCandidates(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})
}
