package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/api/http/dto"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

// StatsSource reports the fleet-wide aggregate counters.
type StatsSource interface {
	Stats(ctx context.Context) (registry.Stats, error)
}

// SessionCounter reports the number of live agent sessions.
type SessionCounter interface {
	Count() int
}

type StatsHandler struct {
	source StatsSource
	conns  SessionCounter
}

func NewStatsHandler(source StatsSource, conns SessionCounter) *StatsHandler {
	return &StatsHandler{source: source, conns: conns}
}

// Stats returns fleet-wide counters plus the live session count.
// GET /stats
func (h *StatsHandler) Stats(c *gin.Context) {
	stats, err := h.source.Stats(c.Request.Context())
	if err != nil {
		slog.Error("Failed to collect stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect stats"})
		return
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		TotalAgents:     stats.TotalAgents,
		OnlineAgents:    stats.OnlineAgents,
		OfflineAgents:   stats.OfflineAgents,
		DisabledAgents:  stats.DisabledAgents,
		ConnectedAgents: h.conns.Count(),
		TotalRequests:   stats.TotalRequests,
		FailedRequests:  stats.FailedRequests,
		SuccessRate:     stats.SuccessRate,
	})
}
