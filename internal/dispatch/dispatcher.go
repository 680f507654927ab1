// Package dispatch hands out proxy endpoints to business clients and ingests
// their failure feedback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/proxyfleet/proxyfleet/internal/registry"
)

// ErrNoAvailableProxy signals an empty eligible set: a capacity condition,
// not a server error.
var ErrNoAvailableProxy = errors.New("no available proxy")

// Store is the slice of the registry the dispatcher needs.
type Store interface {
	ListCandidates(ctx context.Context, window time.Duration) ([]registry.Agent, error)
	IncrementSuccess(ctx context.Context, agentID string) error
	IncrementFailure(ctx context.Context, agentID, errMsg string) error
	Stats(ctx context.Context) (registry.Stats, error)
}

// Selection is one dispatched proxy endpoint.
type Selection struct {
	Proxy     string `json:"proxy"`
	AgentID   string `json:"agent_id"`
	ProxyType string `json:"proxy_type"`
}

type Dispatcher struct {
	store  Store
	window time.Duration

	// pick is swappable for deterministic tests.
	pick func(n int) int
}

func NewDispatcher(store Store, livenessWindow time.Duration) *Dispatcher {
	return &Dispatcher{
		store:  store,
		window: livenessWindow,
		pick:   rand.IntN,
	}
}

// GetProxy selects one eligible agent. Candidates arrive ordered by ascending
// failed_requests then total_requests; the draw is uniform over that set, so
// the policy stays stateless while statistically favoring colder, healthier
// agents. total_requests is incremented at dispatch time, not at confirmed
// success.
func (d *Dispatcher) GetProxy(ctx context.Context) (*Selection, error) {
	candidates, err := d.store.ListCandidates(ctx, d.window)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		slog.Warn("No available agents for dispatch")
		return nil, ErrNoAvailableProxy
	}

	agent := candidates[d.pick(len(candidates))]

	if err := d.store.IncrementSuccess(ctx, agent.AgentID); err != nil {
		return nil, fmt.Errorf("record dispatch: %w", err)
	}

	slog.Debug("Proxy dispatched", "agent_id", agent.AgentID, "proxy_type", agent.ProxyType)

	return &Selection{
		Proxy:     agent.ProxyURL(),
		AgentID:   agent.AgentID,
		ProxyType: agent.ProxyType,
	}, nil
}

// MarkFailed ingests a business client's failure report. It biases future
// selection and statistics only; it never changes the agent's status.
func (d *Dispatcher) MarkFailed(ctx context.Context, agentID, errMsg string) error {
	if err := d.store.IncrementFailure(ctx, agentID, errMsg); err != nil {
		return fmt.Errorf("mark proxy failed: %w", err)
	}
	slog.Info("Proxy marked failed", "agent_id", agentID, "error_msg", errMsg)
	return nil
}

// Stats returns the fleet-wide aggregate counters.
func (d *Dispatcher) Stats(ctx context.Context) (registry.Stats, error) {
	return d.store.Stats(ctx)
}
