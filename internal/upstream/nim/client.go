package nim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"nim-relay/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "nim-relay/0.1"

	requestTimeout         = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// APIError is a structured upstream failure carrying the upstream HTTP status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nvidia api error (status %d): %s", e.Status, e.Message)
}

// Client issues chat completion requests against an NVIDIA-hosted
// OpenAI-compatible endpoint.
type Client struct {
	apiKey  string
	chatURL string
	client  *http.Client
}

// New constructs a client for the given base URL and credential. An empty
// credential is allowed here; the transcoder rejects requests before calling.
func New(baseURL, apiKey string) (*Client, error) {
	trimmed := strings.TrimRight(baseURL, "/")
	if trimmed == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		apiKey:  apiKey,
		chatURL: trimmed + "/chat/completions",
		client:  newHTTPClient(requestTimeout),
	}, nil
}

// CreateChatCompletion posts the upstream request and returns the raw
// response. The caller owns the body; streaming callers relay it verbatim.
// Non-2xx statuses are converted to an *APIError with the message extracted
// from the upstream error body when it is structured.
func (c *Client) CreateChatCompletion(ctx context.Context, req models.UpstreamChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct upstream request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("nvidia chat request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return httpResp, nil
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("failed to read upstream error body: %v", err),
		}
	}

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error.Message}
	}

	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
