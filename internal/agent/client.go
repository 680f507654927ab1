package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
	handshakeTimeout         = 10 * time.Second
)

type Options struct {
	HubURL    string
	AgentID   string
	AgentName string
	AuthToken string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration

	// MaxReconnect bounds consecutive failed connection attempts.
	// Zero means retry forever.
	MaxReconnect int
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
}

// Client maintains the persistent hub session: connect, authenticate via
// the first heartbeat, then report on a timer and execute pushed commands.
type Client struct {
	opts    Options
	proxy   ProxyManager
	netInfo *NetInfo

	writeMu sync.Mutex
}

func NewClient(opts Options, proxy ProxyManager, netInfo *NetInfo) *Client {
	opts.applyDefaults()
	return &Client{opts: opts, proxy: proxy, netInfo: netInfo}
}

// Run drives the reconnect loop until ctx is cancelled. A successful session
// resets the failure budget; exhausting MaxReconnect returns an error so a
// supervisor can restart the process.
func (c *Client) Run(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			failures++
			slog.Warn("Hub connection failed", "attempt", failures, "error", err)

			if c.opts.MaxReconnect > 0 && failures >= c.opts.MaxReconnect {
				return fmt.Errorf("giving up after %d failed connection attempts: %w", failures, err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.ReconnectInterval):
			}
			continue
		}

		failures = 0
		slog.Info("Connected to hub", "url", c.opts.HubURL)

		c.session(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		slog.Info("Hub session ended, reconnecting", "delay", c.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.opts.HubURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// session runs one connected episode: immediate authenticating heartbeat,
// then the heartbeat timer and the command read loop until either side
// drops the connection.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop when the context is cancelled.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	c.netInfo.Refresh(sessCtx)

	if err := c.sendHeartbeat(conn); err != nil {
		slog.Error("Failed to send initial heartbeat", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessCtx, conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("Hub read failed", "error", err)
			break
		}
		c.handleMessage(sessCtx, conn, data)
	}

	cancel()
	wg.Wait()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.netInfo.Refresh(ctx)
			if err := c.sendHeartbeat(conn); err != nil {
				slog.Warn("Heartbeat send failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) sendHeartbeat(conn *websocket.Conn) error {
	return c.send(conn, buildHeartbeat(c.opts.AgentID, c.proxy, c.netInfo))
}

func (c *Client) send(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	var msg protocol.Command
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Discarding malformed hub message", "error", err)
		return
	}

	switch {
	case msg.Action == protocol.ActionConnected:
		slog.Info("Hub acknowledged registration")
	case protocol.IsCommandAction(msg.Action):
		c.handleCommand(ctx, conn, msg)
	default:
		slog.Warn("Ignoring unknown hub action", "action", msg.Action)
	}
}

func (c *Client) handleCommand(ctx context.Context, conn *websocket.Conn, cmd protocol.Command) {
	slog.Info("Executing command", "command", cmd.Action)

	var err error
	switch cmd.Action {
	case protocol.ActionEnableProxy:
		err = c.proxy.Start(ctx)
	case protocol.ActionDisableProxy:
		err = c.proxy.Stop(ctx)
	case protocol.ActionRestartProxy:
		err = c.proxy.Restart(ctx)
	case protocol.ActionUpdateConfig:
		err = c.applyConfig(ctx, cmd.Config)
	}
	if err != nil {
		slog.Error("Command failed", "command", cmd.Action, "error", err)
	}

	resp := protocol.CommandResponse{
		Action:  protocol.ActionCommandResponse,
		Command: cmd.Action,
		Success: err == nil,
	}
	if sendErr := c.send(conn, resp); sendErr != nil {
		slog.Warn("Failed to send command response", "error", sendErr)
	}

	// A fresh heartbeat lets the hub observe the new proxy state without
	// waiting out the timer.
	if err == nil {
		_ = c.sendHeartbeat(conn)
	}
}

func (c *Client) applyConfig(ctx context.Context, config map[string]any) error {
	port, ok := config["proxy_port"].(float64)
	if !ok {
		return fmt.Errorf("update_config: missing proxy_port")
	}

	c.proxy.SetPort(int(port))
	if c.proxy.Running() {
		return c.proxy.Restart(ctx)
	}
	return nil
}
