package backend

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

	"github.com/comigor/carechat-go/internal/config"
	"github.com/comigor/carechat-go/internal/logger"
)

// APIPrefix is the versioned path every backend route lives under.
const APIPrefix = "/api/v1"

// Client calls the backend's request/response endpoints. Every call is
// bounded by the configured request timeout.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new backend client
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SendMessage runs a whole turn without streaming.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistory returns the ordered history of a session.
func (c *Client) GetHistory(ctx context.Context, sessionID string) (*HistoryResponse, error) {
	var out HistoryResponse
	path := "/chat/" + url.PathEscape(sessionID) + "/history"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerHandoff asks the backend to hand the session to a professional.
func (c *Client) TriggerHandoff(ctx context.Context, sessionID string) (*HandoffResponse, error) {
	var out HandoffResponse
	path := "/chat/" + url.PathEscape(sessionID) + "/handoff"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the backend is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+APIPrefix+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	logger.L.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ErrorFromResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
