package http

import (
	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/api/http/handler"
	"github.com/proxyfleet/proxyfleet/internal/api/http/middleware"
	"github.com/proxyfleet/proxyfleet/internal/dispatch"
	"github.com/proxyfleet/proxyfleet/internal/healthcheck"
	"github.com/proxyfleet/proxyfleet/internal/hub"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

type Services struct {
	Registry   *registry.Service
	Hub        *hub.Hub
	Dispatcher *dispatch.Dispatcher
	Checker    *healthcheck.Checker
}

// SetupRoute wires the REST and WebSocket surfaces onto engine. Agent
// sessions authenticate with their own bearer tokens; the admin surface is
// guarded by the API key when one is configured.
func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	pool := engine.Group("/api/v1/proxy-pool")

	wsHandler := handler.NewWSHandler(srvs.Hub)
	pool.GET("/agent/ws", wsHandler.Serve)

	proxyHandler := handler.NewProxyHandler(srvs.Dispatcher)
	pool.GET("/proxy/get", proxyHandler.GetProxy)
	pool.POST("/proxy/mark_failed", proxyHandler.MarkFailed)

	statsHandler := handler.NewStatsHandler(srvs.Dispatcher, srvs.Hub.Manager())
	pool.GET("/stats", statsHandler.Stats)

	admin := pool.Group("")
	if cfg.AdminAPIKey != "" {
		admin.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	}

	agentsHandler := handler.NewAgentsHandler(srvs.Registry, srvs.Hub.Manager(), srvs.Checker)
	admin.POST("/agents", agentsHandler.CreateAgent)
	admin.GET("/agents", agentsHandler.ListAgents)
	admin.GET("/agents/:agent_id", agentsHandler.GetAgent)
	admin.PUT("/agents/:agent_id", agentsHandler.UpdateAgent)
	admin.DELETE("/agents/:agent_id", agentsHandler.DeleteAgent)
	admin.POST("/agents/:agent_id/command", agentsHandler.SendCommand)
	admin.POST("/agents/:agent_id/check", agentsHandler.CheckAgent)

	tokenHandler := handler.NewTokenHandler()
	admin.GET("/token/generate", tokenHandler.Generate)
}
