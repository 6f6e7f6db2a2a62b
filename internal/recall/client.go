// Package recall implements an HTTP client for the hosted memory service
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is an HTTP client for the memory service API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a new memory service client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a non-2xx response from the memory service
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("memory service error: status %d: %s", e.Status, e.Message)
}

// IsConflict reports whether err indicates the resource already exists.
// The service returns 409 for duplicates; some deployments respond 400
// with a textual "already exists" message, so the substring is kept as
// a fallback.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusConflict {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

// AddUser idempotently creates a user record. A conflict error means
// the user already exists; callers treat that as success.
func (c *Client) AddUser(ctx context.Context, userID string) error {
	body := map[string]string{
		"user_id":    userID,
		"email":      strings.ToLower(userID) + "@example.com",
		"first_name": userID,
	}
	return c.do(ctx, "POST", "/users", body, nil)
}

// AddSession creates a session owned by a user
func (c *Client) AddSession(ctx context.Context, userID, sessionID string) error {
	body := map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	}
	return c.do(ctx, "POST", "/sessions", body, nil)
}

// RemoteMessage is a message as stored by the memory service
type RemoteMessage struct {
	Role     string `json:"role"`
	RoleType string `json:"role_type"`
	Content  string `json:"content"`
}

// AddMessages appends messages to a session's memory
func (c *Client) AddMessages(ctx context.Context, sessionID string, messages []RemoteMessage) error {
	body := map[string]interface{}{"messages": messages}
	path := "/sessions/" + url.PathEscape(sessionID) + "/memory"
	return c.do(ctx, "POST", path, body, nil)
}

// Memory is the stored history for a session plus the service's own
// summarized context string.
type Memory struct {
	Messages []RemoteMessage `json:"messages"`
	Context  string          `json:"context"`
}

// GetMemory retrieves the full stored history for a session
func (c *Client) GetMemory(ctx context.Context, sessionID string) (*Memory, error) {
	var out Memory
	path := "/sessions/" + url.PathEscape(sessionID) + "/memory"
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddGroup idempotently creates a knowledge group
func (c *Client) AddGroup(ctx context.Context, groupID string) error {
	body := map[string]string{"group_id": groupID}
	return c.do(ctx, "POST", "/groups", body, nil)
}

// AddGraphData adds raw data as a node under a group's graph
func (c *Client) AddGraphData(ctx context.Context, groupID, dataType, data string) error {
	body := map[string]string{
		"group_id": groupID,
		"type":     dataType,
		"data":     data,
	}
	return c.do(ctx, "POST", "/graph", body, nil)
}

// Edge is a relational fact returned by graph search
type Edge struct {
	Fact string `json:"fact"`
}

type graphSearchResponse struct {
	Edges []Edge `json:"edges"`
}

// SearchGraph searches a group's graph for facts matching the query.
// scope selects which graph elements to search ("edges" for relational
// facts).
func (c *Client) SearchGraph(ctx context.Context, groupID, query, scope string) ([]Edge, error) {
	body := map[string]string{
		"group_id": groupID,
		"query":    query,
		"scope":    scope,
	}
	var out graphSearchResponse
	if err := c.do(ctx, "POST", "/graph/search", body, &out); err != nil {
		return nil, err
	}
	return out.Edges, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
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
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: extractMessage(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// extractMessage pulls the message field from a JSON error body,
// falling back to the raw body.
func extractMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return string(body)
}
