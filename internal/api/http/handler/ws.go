package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/hub"
)

type WSHandler struct {
	hub *hub.Hub
}

func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

// Serve upgrades the request and hands the connection to the hub.
// GET /agent/ws
func (h *WSHandler) Serve(c *gin.Context) {
	h.hub.ServeAgent(c.Writer, c.Request)
}
