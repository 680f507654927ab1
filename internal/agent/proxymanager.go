// Package agent implements the home-node daemon: local proxy lifecycle,
// public network discovery and the persistent hub session.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ProxyManager controls the local proxy process on behalf of hub commands.
type ProxyManager interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Running() bool
	Type() string
	Port() int
	SetPort(port int)
}

// ExecManager drives an external proxy (3proxy, gost, a systemd unit) via
// configured shell commands. Empty commands mean the proxy is managed
// outside the agent and is assumed up once started.
type ExecManager struct {
	mu        sync.Mutex
	proxyType string
	port      int
	startCmd  string
	stopCmd   string
	running   bool
}

func NewExecManager(proxyType string, port int, startCmd, stopCmd string) *ExecManager {
	return &ExecManager{
		proxyType: proxyType,
		port:      port,
		startCmd:  startCmd,
		stopCmd:   stopCmd,
	}
}

func (m *ExecManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if err := m.run(ctx, m.startCmd); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	m.running = true
	slog.Info("Proxy started", "type", m.proxyType, "port", m.port)
	return nil
}

func (m *ExecManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	if err := m.run(ctx, m.stopCmd); err != nil {
		return fmt.Errorf("stop proxy: %w", err)
	}

	m.running = false
	slog.Info("Proxy stopped", "type", m.proxyType)
	return nil
}

func (m *ExecManager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Start(ctx)
}

func (m *ExecManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *ExecManager) Type() string { return m.proxyType }

func (m *ExecManager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

func (m *ExecManager) SetPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.port = port
}

// run executes command through the shell with PROXY_PORT and PROXY_TYPE in
// the environment. Caller holds the lock.
func (m *ExecManager) run(ctx context.Context, command string) error {
	if command == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PROXY_PORT=%d", m.port),
		fmt.Sprintf("PROXY_TYPE=%s", m.proxyType),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}
