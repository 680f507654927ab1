package agent

import (
	"os"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

// buildHeartbeat assembles the periodic status report. The agent reports
// online only while its proxy is actually running; for dual-protocol nodes
// the SOCKS5 listener sits on the port above the HTTP one.
func buildHeartbeat(agentID string, proxy ProxyManager, netInfo *NetInfo) protocol.Heartbeat {
	hostname, _ := os.Hostname()
	ip, city, isp := netInfo.Snapshot()

	status := registry.StatusOffline
	if proxy.Running() {
		status = registry.StatusOnline
	}

	state := protocol.ProxyState{
		Type:    proxy.Type(),
		Port:    proxy.Port(),
		Running: proxy.Running(),
	}
	if state.Type == protocol.ProxyTypeBoth {
		state.Socks5Port = state.Port + 1
	}

	return protocol.Heartbeat{
		Action:   protocol.ActionHeartbeat,
		AgentID:  agentID,
		Hostname: hostname,
		PublicIP: ip,
		City:     city,
		ISP:      isp,
		Proxy:    state,
		Status:   status,
	}
}
