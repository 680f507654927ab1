// Package protocol defines the JSON wire schema shared by the hub and the
// agent daemon. Inbound frames are parsed once, at the connection boundary,
// into a closed set of message types keyed by the "action" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	ActionHeartbeat       = "heartbeat"
	ActionCommandResponse = "command_response"
	ActionConnected       = "connected"

	ActionEnableProxy  = "enable_proxy"
	ActionDisableProxy = "disable_proxy"
	ActionRestartProxy = "restart_proxy"
	ActionUpdateConfig = "update_config"
)

// ProxyType values carried in heartbeats and agent records.
const (
	ProxyTypeHTTP   = "http"
	ProxyTypeSocks5 = "socks5"
	ProxyTypeBoth   = "both"
)

// Inbound is a message received from an agent. The concrete type is one of
// *Heartbeat, *CommandResponse or *Unknown.
type Inbound interface {
	inbound()
}

// ProxyState describes the local proxy daemon inside a heartbeat.
type ProxyState struct {
	Type       string `json:"type"`
	Port       int    `json:"port"`
	Running    bool   `json:"running"`
	Socks5Port int    `json:"socks5_port,omitempty"`
}

// Heartbeat is the periodic liveness-and-metadata frame. It is also the
// mandatory first frame of every connection.
type Heartbeat struct {
	Action   string     `json:"action"`
	AgentID  string     `json:"agent_id"`
	Hostname string     `json:"hostname"`
	PublicIP string     `json:"public_ip,omitempty"`
	City     string     `json:"city,omitempty"`
	ISP      string     `json:"isp,omitempty"`
	Proxy    ProxyState `json:"proxy"`
	Status   string     `json:"status"`
	Latency  *int       `json:"latency,omitempty"`
}

// CommandResponse reports the outcome of a previously pushed command.
// The hub logs it; no correlation state is kept.
type CommandResponse struct {
	Action  string `json:"action"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// Unknown carries any action the hub does not recognize. Unknown actions are
// logged and ignored, never fatal to the session.
type Unknown struct {
	Action string `json:"action"`
}

func (*Heartbeat) inbound()       {}
func (*CommandResponse) inbound() {}
func (*Unknown) inbound()         {}

// Connected is the hub's acknowledgement after a successful handshake.
type Connected struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

func NewConnected() Connected {
	return Connected{Action: ActionConnected, Message: "Connected successfully"}
}

// Command is a hub-to-agent instruction. Config is only populated for
// update_config.
type Command struct {
	Action string         `json:"action"`
	Config map[string]any `json:"config,omitempty"`
}

// IsCommandAction reports whether action is one of the recognized
// hub-to-agent commands.
func IsCommandAction(action string) bool {
	switch action {
	case ActionEnableProxy, ActionDisableProxy, ActionRestartProxy, ActionUpdateConfig:
		return true
	}
	return false
}

// ParseInbound decodes a raw frame into one of the closed inbound types.
// Unknown fields are ignored; an unknown action yields *Unknown rather than
// an error.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch envelope.Action {
	case ActionHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil, fmt.Errorf("malformed heartbeat: %w", err)
		}
		if hb.AgentID == "" {
			return nil, fmt.Errorf("heartbeat missing agent_id")
		}
		return &hb, nil
	case ActionCommandResponse:
		var cr CommandResponse
		if err := json.Unmarshal(data, &cr); err != nil {
			return nil, fmt.Errorf("malformed command_response: %w", err)
		}
		return &cr, nil
	default:
		return &Unknown{Action: envelope.Action}, nil
	}
}
