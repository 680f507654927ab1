package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound_Heartbeat(t *testing.T) {
	raw := `{
		"action": "heartbeat",
		"agent_id": "a1",
		"hostname": "h",
		"public_ip": "203.0.113.7",
		"city": "Berlin",
		"isp": "Example Telecom",
		"proxy": {"type": "socks5", "port": 1080, "running": true},
		"status": "online",
		"latency": 42
	}`

	msg, err := ParseInbound([]byte(raw))
	require.NoError(t, err)

	hb, ok := msg.(*Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "a1", hb.AgentID)
	assert.Equal(t, "h", hb.Hostname)
	assert.Equal(t, "203.0.113.7", hb.PublicIP)
	assert.Equal(t, ProxyTypeSocks5, hb.Proxy.Type)
	assert.Equal(t, 1080, hb.Proxy.Port)
	assert.True(t, hb.Proxy.Running)
	assert.Equal(t, "online", hb.Status)
	require.NotNil(t, hb.Latency)
	assert.Equal(t, 42, *hb.Latency)
}

func TestParseInbound_HeartbeatOptionalFields(t *testing.T) {
	raw := `{"action":"heartbeat","agent_id":"a1","hostname":"h","proxy":{"type":"http","port":8080,"running":false},"status":"offline"}`

	msg, err := ParseInbound([]byte(raw))
	require.NoError(t, err)

	hb := msg.(*Heartbeat)
	assert.Empty(t, hb.PublicIP)
	assert.Empty(t, hb.City)
	assert.Nil(t, hb.Latency)
}

func TestParseInbound_HeartbeatMissingAgentID(t *testing.T) {
	raw := `{"action":"heartbeat","hostname":"h","proxy":{"type":"http","port":8080,"running":true},"status":"online"}`

	_, err := ParseInbound([]byte(raw))
	assert.Error(t, err)
}

func TestParseInbound_CommandResponse(t *testing.T) {
	raw := `{"action":"command_response","command":"restart_proxy","success":true}`

	msg, err := ParseInbound([]byte(raw))
	require.NoError(t, err)

	cr, ok := msg.(*CommandResponse)
	require.True(t, ok)
	assert.Equal(t, ActionRestartProxy, cr.Command)
	assert.True(t, cr.Success)
}

func TestParseInbound_UnknownAction(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"action":"telemetry","data":{"x":1}}`))
	require.NoError(t, err)

	unknown, ok := msg.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "telemetry", unknown.Action)
}

func TestParseInbound_UnknownFieldsIgnored(t *testing.T) {
	raw := `{"action":"heartbeat","agent_id":"a1","hostname":"h","proxy":{"type":"http","port":1,"running":true},"status":"online","extra_field":"ignored"}`

	msg, err := ParseInbound([]byte(raw))
	require.NoError(t, err)
	assert.IsType(t, &Heartbeat{}, msg)
}

func TestParseInbound_Malformed(t *testing.T) {
	_, err := ParseInbound([]byte(`{not json`))
	assert.Error(t, err)
}

func TestConnectedShape(t *testing.T) {
	data, err := json.Marshal(NewConnected())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"connected","message":"Connected successfully"}`, string(data))
}

func TestCommandOmitsEmptyConfig(t *testing.T) {
	data, err := json.Marshal(Command{Action: ActionEnableProxy})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"enable_proxy"}`, string(data))

	data, err = json.Marshal(Command{Action: ActionUpdateConfig, Config: map[string]any{"proxy_port": 1081}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"update_config","config":{"proxy_port":1081}}`, string(data))
}

func TestIsCommandAction(t *testing.T) {
	assert.True(t, IsCommandAction(ActionEnableProxy))
	assert.True(t, IsCommandAction(ActionUpdateConfig))
	assert.False(t, IsCommandAction(ActionHeartbeat))
	assert.False(t, IsCommandAction("reboot"))
}
