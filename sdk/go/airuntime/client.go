// Package airuntime is a small Go client for the banking AI runtime HTTP API.
package airuntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A turn may run several backend calls, so it is longer than a single request.
const DefaultHTTPTimeout = 60 * time.Second

// ErrNoToken is returned when a call needs a bearer token and none is set.
var ErrNoToken = errors.New("airuntime: access token is not set")

// Client wraps the HTTP interactions with the runtime API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// AskRequest is one user message. IdempotencyKey becomes the turn id, so a
// retried request with the same key reuses the same payment idempotency keys.
type AskRequest struct {
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"-"`
}

// AskResponse is the final answer of a turn.
type AskResponse struct {
	Answer    string `json:"answer"`
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
}

// Turn is one audited turn as listed by /turns. CreatedAt is unix seconds.
type Turn struct {
	TurnID       string `json:"turn_id"`
	SessionID    string `json:"session_id"`
	Subject      string `json:"subject"`
	Account      string `json:"account"`
	Prompt       string `json:"prompt"`
	Answer       string `json:"answer"`
	Outcome      string `json:"outcome"`
	ErrorCode    string `json:"error_code,omitempty"`
	ToolCalls    int    `json:"tool_calls"`
	ToolFailures int    `json:"tool_failures"`
	DurationMs   int64  `json:"duration_ms"`
	CreatedAt    int64  `json:"created_at"`
}

// APIError is a non-2xx response. The server never returns internal details,
// so Message is one of a few fixed strings.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	TurnID     string `json:"turn_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.TurnID != "" {
		return fmt.Sprintf("airuntime api error (%d): %s (turn %s)", e.StatusCode, e.Message, e.TurnID)
	}
	return fmt.Sprintf("airuntime api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the runtime API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with authenticated calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Ask runs one turn and returns the final answer.
func (c *Client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return AskResponse{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/ask", nil, bytes.NewReader(body), true)
	if err != nil {
		return AskResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var resp AskResponse
	if err := c.do(httpReq, &resp); err != nil {
		return AskResponse{}, err
	}
	return resp, nil
}

// Turns lists the caller's most recent turns, newest first. limit <= 0 uses
// the server default.
func (c *Client) Turns(ctx context.Context, limit int) ([]Turn, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/turns", query, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Turns []Turn `json:"turns"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

// Healthz reports whether the runtime answers its liveness probe.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
