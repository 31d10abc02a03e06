// Package claudeapi builds and executes the claude.ai web API requests used
// for organization discovery and usage polling.
package claudeapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/models"
)

const (
	// DefaultBaseURL is the claude.ai web origin.
	DefaultBaseURL = "https://claude.ai"

	// SessionCookieName is the cookie carrying the session credential.
	SessionCookieName = "sessionKey"

	// LoginURL is the page the login surface opens.
	LoginURL = DefaultBaseURL + "/login"

	organizationsPath = "/api/organizations"
	maxBodyBytes      = 1 << 20
	bodyPreviewBytes  = 500
)

// browserUserAgent is sent so requests look like the web client.
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var (
	// ErrUnauthorized is matched by errors for HTTP 401 and 403 responses.
	ErrUnauthorized = errors.New("claudeapi: session rejected")

	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("claudeapi: malformed response body")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("claudeapi: unexpected status %d", e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 and 403.
func (e *StatusError) Unwrap() error {
	if IsAuthStatus(e.StatusCode) {
		return ErrUnauthorized
	}
	return nil
}

// IsAuthStatus reports whether code means the session credential was rejected.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Client talks to the claude.ai web API. It never uses a cookie jar: the
// session credential is attached per request so accounts cannot leak into
// each other.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Jar is cleared.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		clone := *hc
		clone.Jar = nil
		c.httpClient = &clone
	}
}

// NewClient creates a client for baseURL with the given request timeout.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the origin requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewRequest builds a GET request for path carrying the fixed client
// identification headers and the session credential.
func (c *Client) NewRequest(ctx context.Context, path, sessionKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Cookie", SessionCookieName+"="+sessionKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("anthropic-client-platform", "web_claude_ai")
	req.Header.Set("anthropic-client-version", "1.0.0")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "same-origin")
	req.Header.Set("origin", c.baseURL)
	req.Header.Set("referer", c.baseURL+"/settings/usage")
	return req, nil
}

// get performs the request and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, path, sessionKey string) ([]byte, error) {
	req, err := c.NewRequest(ctx, path, sessionKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := previewBody(body)
		if !IsAuthStatus(resp.StatusCode) {
			logger.Warn("unexpected HTTP status", "path", path, "status", resp.StatusCode, "body", preview)
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: preview}
	}

	return body, nil
}

// FetchOrganizations lists the organizations the session belongs to.
func (c *Client) FetchOrganizations(ctx context.Context, sessionKey string) ([]Organization, error) {
	body, err := c.get(ctx, organizationsPath, sessionKey)
	if err != nil {
		return nil, err
	}
	return ParseOrganizations(body)
}

// FetchUsage retrieves the usage snapshot of an organization.
func (c *Client) FetchUsage(ctx context.Context, organizationID, sessionKey string) (*models.UsageSnapshot, error) {
	if organizationID == "" {
		return nil, fmt.Errorf("organization id is empty")
	}

	path := organizationsPath + "/" + url.PathEscape(organizationID) + "/usage"
	body, err := c.get(ctx, path, sessionKey)
	if err != nil {
		return nil, err
	}
	return ParseUsage(body, time.Now())
}

// previewBody returns at most bodyPreviewBytes of body without splitting a
// UTF-8 sequence.
func previewBody(body []byte) string {
	if len(body) <= bodyPreviewBytes {
		return string(body)
	}
	n := bodyPreviewBytes
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return string(body[:n])
}
