package market

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

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// AgentHeader carries the caller's agent identifier. The server uses it as the
// rate limiting identity for every operation except polling.
const AgentHeader = "X-Agent-ID"

// SecretHeader carries the buyer secret when polling an execution.
const SecretHeader = "X-Buyer-Secret"

// Client wraps the HTTP interactions with an agent market node. The same
// client talks to the registry, the task market and the seller endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu      sync.RWMutex
	agentID string
}

// APIError represents a non-2xx response carrying the uniform error body.
type APIError struct {
	StatusCode int           `json:"-"`
	Code       string        `json:"error_code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("market api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("market api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// NewClient instantiates a client for the market API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AgentID returns the identifier sent in X-Agent-ID.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// SetAgentID sets the identifier sent in X-Agent-ID on subsequent calls.
func (c *Client) SetAgentID(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	_, err := c.send(ctx, http.MethodPost, endpoint, nil, payload, nil, out)
	return unwrap(err)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	_, err := c.send(ctx, http.MethodGet, endpoint, query, nil, nil, out)
	return unwrap(err)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, header http.Header, out any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := c.AgentID(); id != "" {
		req.Header.Set(AgentHeader, id)
	}
	return req, nil
}

// do executes req. The response is returned with its body consumed so callers
// can inspect headers; on a non-2xx status the error is an *APIError.
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return resp, &rawError{APIError: apiErr, body: data}
	}
	if out == nil || len(data) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// rawError keeps the undecoded body next to the APIError so the payment
// handshake can read the 402 accepts list.
type rawError struct {
	*APIError
	body []byte
}

func (e *rawError) Unwrap() error { return e.APIError }
