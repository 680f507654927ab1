package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	netInfoTTL = 5 * time.Minute

	// Bound per lookup, retries included. Refresh runs on the heartbeat
	// path, so a hung service must never stall the session.
	netInfoLookupTimeout = 5 * time.Second
)

var defaultIPServices = []string{
	"https://api.ipify.org?format=json",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://ipinfo.io/ip",
}

const defaultGeoURL = "http://ip-api.com/json/"

// NetInfo discovers and caches the node's public IP and geo attribution.
// Lookups go through multiple public services; the first responder wins.
type NetInfo struct {
	client        *http.Client
	ipServices    []string
	geoURL        string
	ttl           time.Duration
	lookupTimeout time.Duration

	mu        sync.Mutex
	publicIP  string
	city      string
	isp       string
	fetchedAt time.Time
}

func NewNetInfo() *NetInfo {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil // suppress default logging

	return &NetInfo{
		client:        retryClient.StandardClient(),
		ipServices:    defaultIPServices,
		geoURL:        defaultGeoURL,
		ttl:           netInfoTTL,
		lookupTimeout: netInfoLookupTimeout,
	}
}

// Snapshot returns the cached public IP, city and ISP.
func (n *NetInfo) Snapshot() (string, string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publicIP, n.city, n.isp
}

// Refresh re-resolves the public IP and geo data when the cache is older
// than the TTL. Cached values are only overwritten by discovered ones, so a
// flaky lookup never blanks out known-good data.
func (n *NetInfo) Refresh(ctx context.Context) {
	n.mu.Lock()
	if time.Since(n.fetchedAt) < n.ttl && n.publicIP != "" {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	ip, err := n.lookupIP(ctx)
	if err != nil || ip == "" {
		return
	}

	city, isp := n.lookupGeo(ctx, ip)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.publicIP = ip
	if city != "" {
		n.city = city
	}
	if isp != "" {
		n.isp = isp
	}
	n.fetchedAt = time.Now()
}

func (n *NetInfo) lookupIP(ctx context.Context) (string, error) {
	var lastErr error
	for _, service := range n.ipServices {
		body, err := n.get(ctx, service)
		if err != nil {
			lastErr = err
			continue
		}

		ip := strings.TrimSpace(string(body))
		if strings.HasPrefix(ip, "{") {
			var payload struct {
				IP string `json:"ip"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				lastErr = err
				continue
			}
			ip = payload.IP
		}

		if ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("all IP services failed: %w", lastErr)
}

func (n *NetInfo) lookupGeo(ctx context.Context, ip string) (string, string) {
	body, err := n.get(ctx, n.geoURL+ip)
	if err != nil {
		return "", ""
	}

	var payload struct {
		Status string `json:"status"`
		City   string `json:"city"`
		ISP    string `json:"isp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Status != "success" {
		return "", ""
	}
	return payload.City, payload.ISP
}

func (n *NetInfo) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 4096))
}
