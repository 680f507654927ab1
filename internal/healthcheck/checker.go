// Package healthcheck keeps agent status honest: an active probe loop that
// exercises each agent's proxy end to end, and a passive sweep that demotes
// agents whose heartbeats have gone stale.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/proxyfleet/proxyfleet/internal/registry"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultLivenessWindow = 5 * time.Minute
	DefaultProbeTimeout   = 10 * time.Second
	DefaultTestURL        = "https://www.gstatic.com/generate_204"
)

// Store is the slice of the registry the checker needs.
type Store interface {
	ListProbeTargets(ctx context.Context) ([]registry.Agent, error)
	LogHealthCheck(ctx context.Context, agentID string, available bool, latency *int, errMsg, checkType string) error
	SweepStale(ctx context.Context, window time.Duration) (int64, error)
}

type Config struct {
	Interval       time.Duration
	LivenessWindow time.Duration
	ProbeTimeout   time.Duration
	TestURL        string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.TestURL == "" {
		c.TestURL = DefaultTestURL
	}
}

type Checker struct {
	store Store
	cfg   Config
}

func NewChecker(store Store, cfg Config) *Checker {
	cfg.applyDefaults()
	return &Checker{store: store, cfg: cfg}
}

func (c *Checker) LivenessWindow() time.Duration { return c.cfg.LivenessWindow }

// Run drives the probe and sweep loops until ctx is cancelled. Each runs on
// its own ticker at the shared cadence; a failed tick is logged and the loop
// proceeds to the next one.
func (c *Checker) Run(ctx context.Context) {
	slog.Info("Health checker started",
		"interval", c.cfg.Interval, "liveness_window", c.cfg.LivenessWindow)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.loop(ctx, "active_probe", c.CheckAllAgents)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.loop(ctx, "offline_sweep", c.CheckOfflineAgents)
	}()

	wg.Wait()
	slog.Info("Health checker stopped")
}

func (c *Checker) loop(ctx context.Context, name string, tick func(context.Context)) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Health loop stopping", "loop", name)
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// CheckAllAgents probes every agent with a known public IP, one goroutine
// per agent. Probes are isolated: one slow or failing agent cannot block or
// fail the batch. This loop only logs; it never mutates status.
func (c *Checker) CheckAllAgents(ctx context.Context) {
	agents, err := c.store.ListProbeTargets(ctx)
	if err != nil {
		slog.Error("Failed to list probe targets", "error", err)
		return
	}
	if len(agents) == 0 {
		slog.Debug("No agents to probe")
		return
	}

	slog.Info("Probing agents", "count", len(agents))

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent registry.Agent) {
			defer wg.Done()
			c.CheckAgent(ctx, agent, registry.CheckTypeAuto)
		}(agent)
	}
	wg.Wait()

	slog.Debug("Probe pass completed", "count", len(agents))
}

// CheckAgent runs one probe against agent, appends a health log entry and
// returns the outcome. Also used for operator-triggered single checks with
// check type active.
func (c *Checker) CheckAgent(ctx context.Context, agent registry.Agent, checkType string) (bool, *int, string) {
	available, latency, errMsg := c.probe(ctx, &agent)

	if err := c.store.LogHealthCheck(ctx, agent.AgentID, available, latency, errMsg, checkType); err != nil {
		slog.Error("Failed to log health check", "agent_id", agent.AgentID, "error", err)
	}

	if available {
		slog.Debug("Agent probe succeeded", "agent_id", agent.AgentID, "latency_ms", *latency)
	} else {
		slog.Warn("Agent probe failed", "agent_id", agent.AgentID, "error_msg", errMsg)
	}
	return available, latency, errMsg
}

// probe issues one bounded GET of the test URL through the agent's proxy.
func (c *Checker) probe(ctx context.Context, agent *registry.Agent) (bool, *int, string) {
	proxyURL, err := url.Parse(agent.ProxyURL())
	if err != nil {
		return false, nil, fmt.Sprintf("invalid proxy url: %v", err)
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   c.cfg.ProbeTimeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TestURL, nil)
	if err != nil {
		return false, nil, err.Error()
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return false, nil, err.Error()
	}
	defer resp.Body.Close()

	elapsed := int(time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, &elapsed, ""
	}
	return false, &elapsed, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// CheckOfflineAgents is the passive sweep: one bulk update flipping every
// online agent with a stale (or missing) heartbeat to offline. This is the
// only path that demotes status.
func (c *Checker) CheckOfflineAgents(ctx context.Context) {
	affected, err := c.store.SweepStale(ctx, c.cfg.LivenessWindow)
	if err != nil {
		slog.Error("Offline sweep failed", "error", err)
		return
	}
	if affected > 0 {
		slog.Info("Marked agents offline due to heartbeat timeout", "count", affected)
	}
}
