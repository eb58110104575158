// Package client provides a Go client for the Keeper server API. It is
// designed for internal use (localhost, no authentication) and backs the
// CLI commands and integration tests.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client provides HTTP methods for the Keeper REST API. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:8377".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionInfo describes one session as reported by the server.
type SessionInfo struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	WorkingDir        string          `json:"working_dir"`
	State             string          `json:"state"`
	PendingOutputs    int             `json:"pending_outputs"`
	PendingPermission json.RawMessage `json:"pending_permission,omitempty"`
	LastActivity      time.Time       `json:"last_activity"`
}

// CreateSessionRequest asks the server to start a new session.
type CreateSessionRequest struct {
	Name       string `json:"name,omitempty"`
	WorkingDir string `json:"working_dir"`
}

// ListSessions returns all sessions.
func (c *Client) ListSessions() ([]SessionInfo, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list sessions", resp)
	}

	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("list sessions: decode: %w", err)
	}
	return sessions, nil
}

// CreateSession starts a new session.
func (c *Client) CreateSession(req CreateSessionRequest) (*SessionInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("create session: marshal: %w", err)
	}

	resp, err := c.httpClient.Post(c.baseURL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError("create session", resp)
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("create session: decode: %w", err)
	}
	return &info, nil
}

// GetSession returns one session by id.
func (c *Client) GetSession(id string) (*SessionInfo, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/sessions/" + id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError("get session", resp)
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("get session: decode: %w", err)
	}
	return &info, nil
}

// StopSession asks a session's agent to terminate gracefully.
func (c *Client) StopSession(id string) error {
	resp, err := c.httpClient.Post(c.baseURL+"/api/sessions/"+id+"/stop", "application/json", nil)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError("stop session", resp)
	}
	return nil
}

// DeleteSession terminates a session and removes its snapshot.
func (c *Client) DeleteSession(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/sessions/"+id, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError("delete session", resp)
	}
	return nil
}

// Health reports whether the server answers its health endpoint.
func (c *Client) Health() error {
	resp, err := c.httpClient.Get(c.baseURL + "/api/health")
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError("health", resp)
	}
	return nil
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
}
