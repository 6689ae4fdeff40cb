package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client talks to the backend's node API.
type Client struct {
	baseURL string
	token   string
	nodeID  string
	http    *http.Client
}

// NewClient builds a backend client. token may be empty when the
// backend does not require auth.
func NewClient(baseURL, token, nodeID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		nodeID:  nodeID,
		http:    &http.Client{Timeout: timeout},
	}
}

// Register announces the node and its initial capability snapshot.
func (c *Client) Register(ctx context.Context, snap Snapshot) error {
	return c.send(ctx, http.MethodPost, "/api/v1/nodes/register", snap)
}

// PushHealth replaces the backend's capability view of this node.
func (c *Client) PushHealth(ctx context.Context, snap Snapshot) error {
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/api/v1/nodes/%s/health", c.nodeID), snap)
}

// Deregister removes the node from the backend on graceful shutdown.
func (c *Client) Deregister(ctx context.Context) error {
	return c.send(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/nodes/%s", c.nodeID), nil)
}

func (c *Client) send(ctx context.Context, method, path string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding payload")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("%s %s: backend returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
