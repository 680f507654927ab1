package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxyfleet/proxyfleet/internal/api/http/dto"
	"github.com/proxyfleet/proxyfleet/internal/hub"
	"github.com/proxyfleet/proxyfleet/internal/protocol"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultProxyPort = 8888
)

// AgentStore is the registry surface the agent endpoints need.
type AgentStore interface {
	CreateAgent(ctx context.Context, spec registry.CreateSpec) (*registry.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*registry.Agent, error)
	UpdateAgent(ctx context.Context, agentID string, spec registry.UpdateSpec) (*registry.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) (bool, error)
	ListAgents(ctx context.Context, status string, limit, offset int) ([]registry.Agent, int64, error)
}

// Commander is the live-session surface: connection presence, command push
// and forced disconnect.
type Commander interface {
	IsConnected(agentID string) bool
	SendCommand(agentID string, cmd protocol.Command) error
	CloseAgent(agentID string) bool
}

// Prober runs one on-demand health probe.
type Prober interface {
	CheckAgent(ctx context.Context, agent registry.Agent, checkType string) (bool, *int, string)
}

type AgentsHandler struct {
	store  AgentStore
	conns  Commander
	prober Prober
}

func NewAgentsHandler(store AgentStore, conns Commander, prober Prober) *AgentsHandler {
	return &AgentsHandler{store: store, conns: conns, prober: prober}
}

// CreateAgent registers a new agent and mints its auth token.
// POST /agents
func (h *AgentsHandler) CreateAgent(c *gin.Context) {
	var req dto.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.ProxyType == "" {
		req.ProxyType = protocol.ProxyTypeHTTP
	}
	if !registry.ValidProxyType(req.ProxyType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy_type"})
		return
	}
	if req.ProxyPort == 0 {
		req.ProxyPort = defaultProxyPort
	}

	token, err := registry.GenerateToken()
	if err != nil {
		slog.Error("Failed to generate auth token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	agent, err := h.store.CreateAgent(c.Request.Context(), registry.CreateSpec{
		AgentID:       req.AgentID,
		AgentName:     req.AgentName,
		AuthToken:     token,
		ProxyType:     req.ProxyType,
		ProxyPort:     req.ProxyPort,
		ProxyUsername: req.ProxyUsername,
		ProxyPassword: req.ProxyPassword,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateAgentID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id already registered"})
			return
		}
		slog.Error("Failed to create agent", "error", err, "agent_id", req.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		return
	}

	slog.Info("Agent registered", "agent_id", agent.AgentID)
	c.JSON(http.StatusCreated, dto.CreatedAgentResponse{
		AgentResponse: dto.NewAgentResponse(agent, false),
		AuthToken:     agent.AuthToken,
	})
}

// ListAgents returns a page of agents, optionally filtered by status.
// GET /agents?status=&page=&page_size=
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !registry.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	agents, total, err := h.store.ListAgents(c.Request.Context(), status, pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	responses := make([]dto.AgentResponse, len(agents))
	for i := range agents {
		responses[i] = dto.NewAgentResponse(&agents[i], h.conns.IsConnected(agents[i].AgentID))
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{
		Agents:   responses,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetAgent returns one agent.
// GET /agents/:agent_id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	c.JSON(http.StatusOK, dto.NewAgentResponse(agent, h.conns.IsConnected(agentID)))
}

// UpdateAgent applies a partial update.
// PUT /agents/:agent_id
func (h *AgentsHandler) UpdateAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	var req dto.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.ProxyType != nil && !registry.ValidProxyType(*req.ProxyType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy_type"})
		return
	}
	if req.Status != nil && !registry.ValidStatus(*req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	agent, err := h.store.UpdateAgent(c.Request.Context(), agentID, registry.UpdateSpec{
		AgentName:     req.AgentName,
		ProxyType:     req.ProxyType,
		ProxyPort:     req.ProxyPort,
		ProxyUsername: req.ProxyUsername,
		ProxyPassword: req.ProxyPassword,
		Status:        req.Status,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to update agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update agent"})
		return
	}

	c.JSON(http.StatusOK, dto.NewAgentResponse(agent, h.conns.IsConnected(agentID)))
}

// DeleteAgent removes an agent and drops its live session if any.
// DELETE /agents/:agent_id
func (h *AgentsHandler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	deleted, err := h.store.DeleteAgent(c.Request.Context(), agentID)
	if err != nil {
		slog.Error("Failed to delete agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	if h.conns.CloseAgent(agentID) {
		slog.Info("Agent forcefully disconnected", "agent_id", agentID)
	}

	slog.Info("Agent deleted", "agent_id", agentID)
	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

// SendCommand pushes one control command over the agent's live session.
// POST /agents/:agent_id/command
func (h *AgentsHandler) SendCommand(c *gin.Context) {
	agentID := c.Param("agent_id")

	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !protocol.IsCommandAction(req.Command) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command"})
		return
	}

	if _, err := h.store.GetAgent(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}

	if err := h.conns.SendCommand(agentID, protocol.Command{Action: req.Command, Config: req.Config}); err != nil {
		if errors.Is(err, hub.ErrAgentNotConnected) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent is not connected"})
			return
		}
		slog.Error("Failed to send command", "error", err, "agent_id", agentID, "command", req.Command)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send command"})
		return
	}

	slog.Info("Command sent", "agent_id", agentID, "command", req.Command)
	c.JSON(http.StatusOK, gin.H{"message": "command sent"})
}

// CheckAgent runs one synchronous health probe against the agent's proxy.
// POST /agents/:agent_id/check
func (h *AgentsHandler) CheckAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get agent"})
		return
	}
	if agent.PublicIP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent has no known public IP"})
		return
	}

	available, latency, errMsg := h.prober.CheckAgent(c.Request.Context(), *agent, registry.CheckTypeActive)

	resp := gin.H{"agent_id": agentID, "available": available}
	if latency != nil {
		resp["latency"] = *latency
	}
	if errMsg != "" {
		resp["error_msg"] = errMsg
	}
	c.JSON(http.StatusOK, resp)
}
