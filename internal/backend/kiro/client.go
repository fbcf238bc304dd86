package kiro

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
	"syscall"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
)

const (
	defaultBaseURL   = "https://codewhisperer.us-east-1.amazonaws.com"
	generatePath     = "/generateAssistantResponse"
	defaultUserAgent = "proxycast-gateway"
	maxErrorBody     = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithUserAgent sets the User-Agent header sent to the backend.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client calls the generateAssistantResponse endpoint. The HTTP client is
// supplied per call because each credential may route through its own proxy.
type Client struct {
	baseURL   string
	userAgent string
}

// NewClient creates a new backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req and returns the open event-stream body on success. The caller
// must close the body. Failures are returned as *domain.TransportError unless
// ctx ended first, in which case the context error is returned.
func (c *Client) Call(ctx context.Context, httpClient *http.Client, token string, req *Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyNetError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.TransportError{
			Kind:       domain.TransportStatus,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return resp.Body, nil
}

// classifyNetError separates failures to establish a connection from
// connections dropped mid-exchange.
func classifyNetError(err error) *domain.TransportError {
	kind := domain.TransportConnectFailed
	var opErr *net.OpError
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.EPIPE):
		kind = domain.TransportReset
	case errors.As(err, &opErr) && opErr.Op != "dial":
		kind = domain.TransportReset
	}
	return &domain.TransportError{Kind: kind, Cause: err}
}

// IsStreamReset reports whether a body read error indicates the connection
// was dropped.
func IsStreamReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}
