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

	"trailstop/internal/engine"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client calls a running control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr, with or without a scheme.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Positions lists positions with availability.
func (c *Client) Positions(ctx context.Context) ([]engine.PositionView, error) {
	var out []engine.PositionView
	_, err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// Groups lists group snapshots.
func (c *Client) Groups(ctx context.Context) ([]engine.GroupSnapshot, error) {
	var out []engine.GroupSnapshot
	_, err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out)
	return out, err
}

// Group returns one snapshot.
func (c *Client) Group(ctx context.Context, id string) (engine.GroupSnapshot, error) {
	var out engine.GroupSnapshot
	_, err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Create creates a group.
func (c *Client) Create(ctx context.Context, req engine.CreateRequest) (GroupResponse, error) {
	var out GroupResponse
	_, err := c.do(ctx, http.MethodPost, "/api/groups", req, &out)
	return out, err
}

// Configure patches a group's trail with the given fields.
func (c *Client) Configure(ctx context.Context, id string, fields map[string]any) (GroupResponse, error) {
	var out GroupResponse
	_, err := c.do(ctx, http.MethodPatch, "/api/groups/"+url.PathEscape(id), fields, &out)
	return out, err
}

// Activate starts trailing a group.
func (c *Client) Activate(ctx context.Context, id string) (GroupResponse, error) {
	var out GroupResponse
	_, err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(id)+"/activate", nil, &out)
	return out, err
}

// Deactivate stops trailing a group and cancels its orders.
func (c *Client) Deactivate(ctx context.Context, id string) (GroupResponse, error) {
	var out GroupResponse
	_, err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(id)+"/deactivate", nil, &out)
	return out, err
}

// Delete removes a group, cancelling its orders first when cancelOrder is set.
func (c *Client) Delete(ctx context.Context, id string, cancelOrder bool) error {
	path := fmt.Sprintf("/api/groups/%s?cancel_order=%t", url.PathEscape(id), cancelOrder)
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// CancelAll cancels every group's orders.
func (c *Client) CancelAll(ctx context.Context) (engine.CancelReport, error) {
	var out engine.CancelReport
	_, err := c.do(ctx, http.MethodPost, "/api/cancel-all", nil, &out)
	return out, err
}

// Reconnect asks the connection manager to reconnect now.
func (c *Client) Reconnect(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	_, err := c.do(ctx, http.MethodPost, "/api/reconnect", nil, &out)
	return out, err
}

// Watch waits for the next snapshot of group (any group when empty). It
// reports false when the wait timed out.
func (c *Client) Watch(ctx context.Context, group string, timeout time.Duration) (engine.GroupSnapshot, bool, error) {
	q := url.Values{}
	if group != "" {
		q.Set("group", group)
	}
	q.Set("timeout", timeout.String())

	var out engine.GroupSnapshot
	status, err := c.do(ctx, http.MethodGet, "/api/watch?"+q.Encode(), nil, &out)
	if err != nil {
		return out, false, err
	}
	return out, status == http.StatusOK, nil
}
