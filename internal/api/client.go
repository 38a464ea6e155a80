package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zezudoo/wa-download-guard/internal/audit"
	"github.com/zezudoo/wa-download-guard/internal/cache"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/policy"
)

// Client talks to a running daemon
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon listening on addr
// ("127.0.0.1:8787" or a full URL)
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// State is the daemon's view of the shared settings
type State struct {
	Enabled   bool           `json:"enabled"`
	Policy    *policy.Policy `json:"policy"`
	FetchedAt int64          `json:"fetched_at"`
	ConfigURL string         `json:"config_url"`
}

// State fetches the current state
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &state)
	return state, err
}

// UpdateSettings changes the enabled flag and/or the config URL
func (c *Client) UpdateSettings(ctx context.Context, enabled *bool, configURL *string) (State, error) {
	var state State
	err := c.do(ctx, http.MethodPut, "/v1/settings", settingsRequest{Enabled: enabled, ConfigURL: configURL}, &state)
	return state, err
}

// Refresh asks the daemon for a blocking policy refresh
func (c *Client) Refresh(ctx context.Context) (cache.RefreshResult, error) {
	var result cache.RefreshResult
	err := c.do(ctx, http.MethodPost, "/v1/messages", messaging.Message{Type: messaging.TypeRefreshPolicy}, &result)
	return result, err
}

// Blocked lists recent blocked downloads
func (c *Client) Blocked(ctx context.Context, limit int) ([]audit.Event, error) {
	path := "/v1/blocked"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var events []audit.Event
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

// Healthy reports whether the daemon answers its health check
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
