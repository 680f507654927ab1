package registry

import (
	"fmt"
	"net/url"
	"time"
)

// Agent status values. An agent is created offline, promoted to online only
// by an authenticated heartbeat, and demoted to offline only by the passive
// sweep. Disabled is an operator override.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDisabled = "disabled"
)

// Health log check types.
const (
	CheckTypeActive = "active"
	CheckTypeAuto   = "auto"
)

// Agent is one fleet member as stored in the agents table.
type Agent struct {
	ID             int64
	AgentID        string
	AgentName      string
	AuthToken      string
	PublicIP       string
	City           string
	ISP            string
	ProxyType      string
	ProxyPort      int
	ProxyUsername  string
	ProxyPassword  string
	Status         string
	Latency        *int
	LastHeartbeat  *time.Time
	TotalRequests  int64
	FailedRequests int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProxyURL builds the endpoint handed to business clients and used by the
// health probe.
func (a *Agent) ProxyURL() string {
	host := fmt.Sprintf("%s:%d", a.PublicIP, a.ProxyPort)
	if a.ProxyUsername != "" && a.ProxyPassword != "" {
		return fmt.Sprintf("http://%s:%s@%s",
			url.QueryEscape(a.ProxyUsername), url.QueryEscape(a.ProxyPassword), host)
	}
	return "http://" + host
}

// CreateSpec carries the fields accepted when registering an agent. Status is
// not part of the spec: new agents always start offline.
type CreateSpec struct {
	AgentID       string
	AgentName     string
	AuthToken     string
	PublicIP      string
	City          string
	ISP           string
	ProxyType     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
}

// UpdateSpec carries a partial update; nil fields are left unchanged.
type UpdateSpec struct {
	AgentName     *string
	ProxyType     *string
	ProxyPort     *int
	ProxyUsername *string
	ProxyPassword *string
	Status        *string
}

// Stats aggregates fleet-wide counters.
type Stats struct {
	TotalAgents    int64
	OnlineAgents   int64
	OfflineAgents  int64
	DisabledAgents int64
	TotalRequests  int64
	FailedRequests int64
	SuccessRate    float64
}

// ValidProxyType reports whether t is one of http, socks5 or both.
func ValidProxyType(t string) bool {
	switch t {
	case "http", "socks5", "both":
		return true
	}
	return false
}

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDisabled:
		return true
	}
	return false
}
