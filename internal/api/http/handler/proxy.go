package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/dispatch"
)

// ProxyDispatcher hands out proxy endpoints and ingests failure feedback.
type ProxyDispatcher interface {
	GetProxy(ctx context.Context) (*dispatch.Selection, error)
	MarkFailed(ctx context.Context, agentID, errMsg string) error
}

type ProxyHandler struct {
	dispatcher ProxyDispatcher
}

func NewProxyHandler(dispatcher ProxyDispatcher) *ProxyHandler {
	return &ProxyHandler{dispatcher: dispatcher}
}

// GetProxy returns one dispatched proxy endpoint. An empty eligible set is
// a capacity condition and maps to 503.
// GET /proxy/get
func (h *ProxyHandler) GetProxy(c *gin.Context) {
	sel, err := h.dispatcher.GetProxy(c.Request.Context())
	if err != nil {
		if errors.Is(err, dispatch.ErrNoAvailableProxy) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no available proxy"})
			return
		}
		slog.Error("Failed to dispatch proxy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch proxy"})
		return
	}

	c.JSON(http.StatusOK, sel)
}

// MarkFailed records a business client's failure report for an agent.
// POST /proxy/mark_failed?agent_id=&error_msg=
func (h *ProxyHandler) MarkFailed(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	if err := h.dispatcher.MarkFailed(c.Request.Context(), agentID, c.Query("error_msg")); err != nil {
		slog.Error("Failed to mark proxy failed", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark proxy failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "failure recorded"})
}
