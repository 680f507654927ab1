package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/proxyfleet/proxyfleet/internal/agent"
	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

var AppVersion string

const agentIDFile = ".agent_id"

func main() {
	InitConfig()

	slog.Info("Proxyfleet Agent", "version", AppVersion)

	agentID := config.Hub.AgentID
	if agentID == "" {
		var err error
		agentID, err = loadOrCreateAgentID(agentIDFile)
		if err != nil {
			slog.Error("Failed to resolve agent ID", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Agent identity", "agent_id", agentID)

	proxyType := config.Proxy.Type
	if proxyType == "" {
		proxyType = protocol.ProxyTypeHTTP
	}
	proxy := agent.NewExecManager(proxyType, config.Proxy.Port, config.Proxy.StartCmd, config.Proxy.StopCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Proxy.AutoStart {
		if err := proxy.Start(ctx); err != nil {
			slog.Error("Failed to start proxy", "error", err)
			os.Exit(1)
		}
	}

	client := agent.NewClient(agent.Options{
		HubURL:            config.Hub.URL,
		AgentID:           agentID,
		AgentName:         config.Hub.AgentName,
		AuthToken:         config.Hub.AuthToken,
		HeartbeatInterval: config.Hub.HeartbeatInterval,
		ReconnectInterval: config.Hub.ReconnectInterval,
		MaxReconnect:      config.Hub.MaxReconnect,
	}, proxy, agent.NewNetInfo())

	err := client.Run(ctx)

	if stopErr := proxy.Stop(context.Background()); stopErr != nil {
		slog.Error("Failed to stop proxy", "error", stopErr)
	}

	if err != nil {
		slog.Error("Agent exited", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// loadOrCreateAgentID keeps a stable identity across restarts by persisting
// a generated UUID next to the binary.
func loadOrCreateAgentID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
