// Package upload stores agent avatars with the content-storage backend and
// returns their public URL.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxImageSize is the largest avatar accepted.
const MaxImageSize = 5 << 20

// Image is an avatar to upload.
type Image struct {
	Filename string
	Data     []byte
}

// Client posts files to {baseURL}/upload.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
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

// New creates a Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError captures non-success responses from the upload service.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upload api error (%d): %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Upload sends img as the multipart field "file" and returns the ipfs_url
// of the response.
func (c *Client) Upload(ctx context.Context, img Image) (string, error) {
	if len(img.Data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if len(img.Data) > MaxImageSize {
		return "", fmt.Errorf("image is %d bytes, max %d", len(img.Data), MaxImageSize)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	name := img.Filename
	if name == "" {
		name = "avatar"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var out struct {
		IPFSURL string `json:"ipfs_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.IPFSURL == "" {
		return "", fmt.Errorf("upload response has no ipfs_url")
	}
	return out.IPFSURL, nil
}
