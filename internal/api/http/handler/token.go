package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/api/http/dto"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

type TokenHandler struct{}

func NewTokenHandler() *TokenHandler {
	return &TokenHandler{}
}

// Generate mints a standalone auth token for out-of-band provisioning.
// GET /token/generate
func (h *TokenHandler) Generate(c *gin.Context) {
	token, err := registry.GenerateToken()
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, dto.TokenResponse{Token: token})
}
