// Package gateway sends chat requests to an agent backend after checking the
// caller against the agent's allow-list.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/model"
)

// Endpoint supplies the backend address and allow-list of one agent.
// *endpoint.Cache satisfies it.
type Endpoint interface {
	BaseURL(ctx context.Context) (string, error)
	AllowedCallers(ctx context.Context) []string
}

// AuthorizationError is returned when the caller is not on a non-empty
// allow-list. No request reaches the backend in that case.
type AuthorizationError struct {
	Address string
}

func (e *AuthorizationError) Error() string {
	return "address not authorized"
}

// RequestError is a non-success response from the backend.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return e.Message
}

// IsAuthorizationError reports whether err is an AuthorizationError.
func IsAuthorizationError(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// Client calls agent backends.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option mutates Client configuration.
type Option func(*Client)

// WithHTTPClient allows custom HTTP transport configuration.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Messages  []model.Message `json:"messages"`
	Address   string          `json:"address"`
	Signature string          `json:"signature"`
}

// Generate posts the conversation to {baseURL}/generate and returns the
// backend's message list. It makes exactly one attempt.
func (c *Client) Generate(ctx context.Context, ep Endpoint, messages []model.Message, caller, signature string) ([]model.Message, error) {
	if !endpoint.Permits(ep.AllowedCallers(ctx), caller) {
		metrics.IncrementGatewayRequest("unauthorized")
		c.logger.Warn("caller not on allow-list", "address", caller)
		return nil, &AuthorizationError{Address: caller}
	}

	baseURL, err := ep.BaseURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve base url: %w", err)
	}

	if messages == nil {
		messages = []model.Message{}
	}
	body, err := json.Marshal(generateRequest{Messages: messages, Address: caller, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncrementGatewayRequest("upstream_error")
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncrementGatewayRequest("upstream_error")
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.IncrementGatewayRequest("upstream_error")
		reqErr := &RequestError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
		c.logger.Warn("agent backend rejected request", "baseUrl", baseURL, "status", resp.StatusCode, "error", reqErr.Message)
		return nil, reqErr
	}

	var out []model.Message
	if err := json.Unmarshal(respBody, &out); err != nil {
		metrics.IncrementGatewayRequest("upstream_error")
		return nil, fmt.Errorf("decode response: %w", err)
	}
	metrics.IncrementGatewayRequest("success")
	return out, nil
}

// errorMessage picks detail, then message, then error from a JSON error
// body, falling back to a status-coded message.
func errorMessage(status int, body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if msg := fieldText(fields[key]); msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func fieldText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
