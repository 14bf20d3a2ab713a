package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Stats mirrors the relay's /api/stats response.
type Stats struct {
	Listeners     int           `json:"listeners"`
	SourceLive    bool          `json:"source_live"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Process       *ProcessStats `json:"process,omitempty"`
}

type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// StatsMsg carries the result of one /api/stats fetch.
type StatsMsg struct {
	Stats *Stats
	Err   error
}

// StatsClient polls the relay's diagnostics endpoint.
type StatsClient struct {
	baseURL string
	client  *http.Client
}

// NewStatsClient targets a base URL such as "http://127.0.0.1:3002".
func NewStatsClient(baseURL string) *StatsClient {
	return &StatsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *StatsClient) Get(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/stats: %s", resp.Status)
	}
	var s Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &s, nil
}

// Fetch returns a command that reports a StatsMsg.
func (c *StatsClient) Fetch(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		s, err := c.Get(ctx)
		return StatsMsg{Stats: s, Err: err}
	}
}

// HTTPBase converts ws://host:port/path to http://host:port.
func HTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:3002"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
