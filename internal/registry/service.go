// Package registry is the durable agent store: CRUD, token issuance and
// verification, heartbeat upserts, usage counters and the append-only health
// and usage logs.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

var (
	ErrDuplicateAgentID = errors.New("agent_id already exists")
	ErrAgentNotFound    = errors.New("agent not found")
)

const agentColumns = `id, agent_id, agent_name, auth_token, public_ip, city, isp,
	proxy_type, proxy_port, proxy_username, proxy_password, status, latency,
	last_heartbeat, total_requests, failed_requests, created_at, updated_at`

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// CreateAgent registers a new agent. The stored status is always offline
// regardless of caller input.
func (s *Service) CreateAgent(ctx context.Context, spec CreateSpec) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents
			(agent_id, agent_name, auth_token, public_ip, city, isp,
			 proxy_type, proxy_port, proxy_username, proxy_password, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)
		RETURNING `+agentColumns,
		spec.AgentID, spec.AgentName, spec.AuthToken, spec.PublicIP, spec.City,
		spec.ISP, spec.ProxyType, spec.ProxyPort, spec.ProxyUsername,
		spec.ProxyPassword, StatusOffline)

	agent, err := scanAgent(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateAgentID
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns the agent with the given agent_id, or ErrAgentNotFound.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

// UpdateAgent applies a partial update; unspecified fields are unchanged.
func (s *Service) UpdateAgent(ctx context.Context, agentID string, spec UpdateSpec) (*Agent, error) {
	var sets []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if spec.AgentName != nil {
		add("agent_name", *spec.AgentName)
	}
	if spec.ProxyType != nil {
		add("proxy_type", *spec.ProxyType)
	}
	if spec.ProxyPort != nil {
		add("proxy_port", *spec.ProxyPort)
	}
	if spec.ProxyUsername != nil {
		add("proxy_username", *spec.ProxyUsername)
	}
	if spec.ProxyPassword != nil {
		add("proxy_password", *spec.ProxyPassword)
	}
	if spec.Status != nil {
		add("status", *spec.Status)
	}

	if len(sets) == 0 {
		return s.GetAgent(ctx, agentID)
	}

	add("updated_at", time.Now())
	args = append(args, agentID)

	query := fmt.Sprintf("UPDATE agents SET %s WHERE agent_id = $%d",
		strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAgentNotFound
	}

	return s.GetAgent(ctx, agentID)
}

// DeleteAgent removes the agent row. The caller is responsible for also
// force-closing any live connection for this agent_id.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAgents returns a page of agents ordered by most recent heartbeat first
// (nulls last, ties broken by descending id), plus the total matching the
// status filter when one is given.
func (s *Service) ListAgents(ctx context.Context, status string, limit, offset int) ([]Agent, int64, error) {
	var total int64
	var rows pgx.Rows
	var err error

	if status != "" {
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM agents WHERE status = $1`, status).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count agents: %w", err)
		}
		rows, err = s.pool.Query(ctx, `SELECT `+agentColumns+`
			FROM agents WHERE status = $1
			ORDER BY last_heartbeat DESC NULLS LAST, id DESC
			LIMIT $2 OFFSET $3`, status, limit, offset)
	} else {
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM agents`).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count agents: %w", err)
		}
		rows, err = s.pool.Query(ctx, `SELECT `+agentColumns+`
			FROM agents
			ORDER BY last_heartbeat DESC NULLS LAST, id DESC
			LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents, err := collectAgents(rows)
	if err != nil {
		return nil, 0, err
	}
	return agents, total, nil
}

// RecordHeartbeat upserts the self-reported fields of an authenticated
// heartbeat and refreshes last_heartbeat. Returns false for an unknown
// agent_id.
func (s *Service) RecordHeartbeat(ctx context.Context, hb *protocol.Heartbeat) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET public_ip = NULLIF($1, ''),
		    city = NULLIF($2, ''),
		    isp = NULLIF($3, ''),
		    status = $4,
		    latency = $5,
		    last_heartbeat = now(),
		    updated_at = now()
		WHERE agent_id = $6`,
		hb.PublicIP, hb.City, hb.ISP, hb.Status, hb.Latency, hb.AgentID)
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListCandidates returns agents eligible for dispatch: online with a
// heartbeat inside the liveness window, ordered coldest-and-healthiest first.
func (s *Service) ListCandidates(ctx context.Context, window time.Duration) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+`
		FROM agents
		WHERE status = $1 AND last_heartbeat >= $2
		ORDER BY failed_requests ASC, total_requests ASC`,
		StatusOnline, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// ListProbeTargets returns every agent with a known public IP, regardless of
// status. The active probe checks them all.
func (s *Service) ListProbeTargets(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+`
		FROM agents WHERE public_ip IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list probe targets: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// SweepStale flips every online agent whose heartbeat is older than the
// liveness window (or missing) to offline. This is the only offline
// transition in the system.
func (s *Service) SweepStale(ctx context.Context, window time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET status = $1, updated_at = now()
		WHERE status = $2
		  AND (last_heartbeat IS NULL OR last_heartbeat < $3)`,
		StatusOffline, StatusOnline, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("sweep stale agents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementSuccess bumps total_requests only. Called at dispatch time,
// before the business client has used the proxy.
func (s *Service) IncrementSuccess(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET total_requests = total_requests + 1
		WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("increment total_requests: %w", err)
	}
	return nil
}

// IncrementFailure bumps failed_requests and appends a usage log entry.
func (s *Service) IncrementFailure(ctx context.Context, agentID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET failed_requests = failed_requests + 1
		WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("increment failed_requests: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO usage_log (agent_id, is_success, error_msg)
		VALUES ($1, false, NULLIF($2, ''))`, agentID, errMsg)
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

// LogHealthCheck appends one health log entry. Entries are never mutated.
func (s *Service) LogHealthCheck(ctx context.Context, agentID string, available bool, latency *int, errMsg, checkType string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO health_log (agent_id, is_available, latency, error_message, check_type)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		agentID, available, latency, errMsg, checkType)
	if err != nil {
		return fmt.Errorf("append health log: %w", err)
	}
	return nil
}

// Stats aggregates per-status counts and fleet-wide request counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'online'),
		       COUNT(*) FILTER (WHERE status = 'offline'),
		       COUNT(*) FILTER (WHERE status = 'disabled'),
		       COALESCE(SUM(total_requests), 0),
		       COALESCE(SUM(failed_requests), 0)
		FROM agents`).Scan(
		&st.TotalAgents, &st.OnlineAgents, &st.OfflineAgents,
		&st.DisabledAgents, &st.TotalRequests, &st.FailedRequests)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}

	st.SuccessRate = SuccessRate(st.TotalRequests, st.FailedRequests)
	return st, nil
}

// VerifyToken checks the bearer token presented at connect time. Unknown
// agent IDs fail closed.
func (s *Service) VerifyToken(ctx context.Context, agentID, token string) (bool, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return false, nil
		}
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(agent.AuthToken), []byte(token)) == 1, nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var publicIP, city, isp, username, password pgtype.Text
	var latency pgtype.Int4
	var lastHeartbeat pgtype.Timestamptz

	err := row.Scan(&a.ID, &a.AgentID, &a.AgentName, &a.AuthToken, &publicIP,
		&city, &isp, &a.ProxyType, &a.ProxyPort, &username, &password,
		&a.Status, &latency, &lastHeartbeat, &a.TotalRequests,
		&a.FailedRequests, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.PublicIP = publicIP.String
	a.City = city.String
	a.ISP = isp.String
	a.ProxyUsername = username.String
	a.ProxyPassword = password.String
	if latency.Valid {
		v := int(latency.Int32)
		a.Latency = &v
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		a.LastHeartbeat = &t
	}
	return &a, nil
}

func collectAgents(rows pgx.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// SuccessRate computes (total-failed)/total*100, guarded against zero.
func SuccessRate(total, failed int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(total-failed) / float64(total) * 100
}
