package dto

import (
	"time"

	"github.com/proxyfleet/proxyfleet/internal/registry"
)

type CreateAgentRequest struct {
	AgentID       string `json:"agent_id" binding:"required"`
	AgentName     string `json:"agent_name"`
	ProxyType     string `json:"proxy_type"`
	ProxyPort     int    `json:"proxy_port"`
	ProxyUsername string `json:"proxy_username"`
	ProxyPassword string `json:"proxy_password"`
}

type UpdateAgentRequest struct {
	AgentName     *string `json:"agent_name"`
	ProxyType     *string `json:"proxy_type"`
	ProxyPort     *int    `json:"proxy_port"`
	ProxyUsername *string `json:"proxy_username"`
	ProxyPassword *string `json:"proxy_password"`
	Status        *string `json:"status"`
}

type AgentResponse struct {
	AgentID        string     `json:"agent_id"`
	AgentName      string     `json:"agent_name"`
	PublicIP       string     `json:"public_ip,omitempty"`
	City           string     `json:"city,omitempty"`
	ISP            string     `json:"isp,omitempty"`
	ProxyType      string     `json:"proxy_type"`
	ProxyPort      int        `json:"proxy_port"`
	Status         string     `json:"status"`
	Connected      bool       `json:"connected"`
	Latency        *int       `json:"latency,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	TotalRequests  int64      `json:"total_requests"`
	FailedRequests int64      `json:"failed_requests"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreatedAgentResponse carries the one-time auth token. It is returned only
// at registration; no other endpoint exposes the token.
type CreatedAgentResponse struct {
	AgentResponse
	AuthToken string `json:"auth_token"`
}

type ListAgentsResponse struct {
	Agents   []AgentResponse `json:"agents"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type CommandRequest struct {
	Command string         `json:"command" binding:"required"`
	Config  map[string]any `json:"config"`
}

type StatsResponse struct {
	TotalAgents     int64   `json:"total_agents"`
	OnlineAgents    int64   `json:"online_agents"`
	OfflineAgents   int64   `json:"offline_agents"`
	DisabledAgents  int64   `json:"disabled_agents"`
	ConnectedAgents int     `json:"connected_agents"`
	TotalRequests   int64   `json:"total_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// NewAgentResponse maps a stored agent onto the wire shape. Credentials and
// the auth token never leave through this path.
func NewAgentResponse(a *registry.Agent, connected bool) AgentResponse {
	return AgentResponse{
		AgentID:        a.AgentID,
		AgentName:      a.AgentName,
		PublicIP:       a.PublicIP,
		City:           a.City,
		ISP:            a.ISP,
		ProxyType:      a.ProxyType,
		ProxyPort:      a.ProxyPort,
		Status:         a.Status,
		Connected:      connected,
		Latency:        a.Latency,
		LastHeartbeat:  a.LastHeartbeat,
		TotalRequests:  a.TotalRequests,
		FailedRequests: a.FailedRequests,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}
