package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaymon/internal/kpi"
	"relaymon/internal/model"
)

// Client is a thin HTTP client for a remote relaymon API, used by the
// CLI's --server mode.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Login authenticates and stores the session token on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp LoginResponse
	err := c.postJSON(ctx, "/api/login", LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// Snapshot fetches the latest persisted snapshot.
func (c *Client) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := c.getJSON(ctx, "/api/snapshot", &snap); err != nil {
		return model.Snapshot{}, err
	}
	snap.Normalize()
	return snap, nil
}

// KPI fetches the dashboard aggregates.
func (c *Client) KPI(ctx context.Context) (kpi.Summary, error) {
	var sum kpi.Summary
	if err := c.getJSON(ctx, "/api/kpi", &sum); err != nil {
		return kpi.Summary{}, err
	}
	return sum, nil
}

// Refresh triggers a structural refresh cycle on the relay.
func (c *Client) Refresh(ctx context.Context) error {
	return c.postJSON(ctx, "/api/refresh", nil, nil)
}

// Peers lists the configured clients.
func (c *Client) Peers(ctx context.Context, out any) error {
	return c.getJSON(ctx, "/api/peers", out)
}

// AddPeer creates a client on the relay.
func (c *Client) AddPeer(ctx context.Context, name, ip string) error {
	return c.postJSON(ctx, "/api/peers", PeerCreateRequest{Name: name, IP: ip}, nil)
}

// RemovePeer deletes a client on the relay.
func (c *Client) RemovePeer(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/peers/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, apiErr.Error)
		}
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
