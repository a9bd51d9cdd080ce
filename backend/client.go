// Package backend talks to the server-list and tunnel-configuration API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/selector"
)

// maxBodySize bounds responses read from the backend.
const maxBodySize = 4 << 20

// Config describes the backend endpoint.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Platform string
	Version  string
	// Attempts bounds GET retries. Zero means 3.
	Attempts uint
	// RetryDelay is the base backoff between attempts.
	RetryDelay time.Duration
}

// StatusReport is the body of a connection-status POST.
type StatusReport struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

// Client is a backend API client authenticated with a bearer token.
type Client struct {
	cfg    Config
	tokens common.TokenStore
	http   *http.Client
}

// New creates a client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens common.TokenStore) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.BackendTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// ListServers returns the servers the account may use.
func (c *Client) ListServers(ctx context.Context) ([]selector.Server, error) {
	body, err := c.get(ctx, "/servers")
	if err != nil {
		return nil, err
	}
	var servers []selector.Server
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("%w: decoding server list: %v", common.ErrBackendRequest, err)
	}
	return servers, nil
}

// FindServer returns the server with id from the server list.
func (c *Client) FindServer(ctx context.Context, id string) (*selector.Server, error) {
	servers, err := c.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if servers[i].ID == id {
			return &servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", common.ErrServerNotFound, id)
}

// FetchConfig downloads the tunnel configuration for a server.
func (c *Client) FetchConfig(ctx context.Context, serverID, connType string) (string, error) {
	path := "/server/" + url.PathEscape(serverID) + "/config?type=" + url.QueryEscape(connType)
	body, err := c.get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrConfigFetchFailed, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("%w: empty configuration for %s", common.ErrConfigFetchFailed, serverID)
	}
	return string(body), nil
}

// ReportStatus posts the connection status of a server. It is not retried.
func (c *Client) ReportStatus(ctx context.Context, serverID, status string) error {
	report := StatusReport{
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
		Platform:  c.cfg.Platform,
		Version:   c.cfg.Version,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/server/"+url.PathEscape(serverID)+"/connection-status", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			req, err := c.newRequest(ctx, http.MethodGet, path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			b, err := c.do(req)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			common.LogWarn("Backend GET %s attempt %d failed: %v", path, n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no backend URL configured", common.ErrBackendRequest)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendRequest, err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	if c.cfg.Version != "" {
		req.Header.Set("User-Agent", "vpn-core/"+c.cfg.Version)
	}
	if c.tokens != nil {
		if token, err := c.tokens.Token(); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			common.LogWarn("Could not read backend token: %v", err)
		}
	}
	return req, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	if e.code == http.StatusUnauthorized || e.code == http.StatusForbidden {
		return common.ErrUnauthorized
	}
	return common.ErrBackendRequest
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", common.ErrBackendRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// retryable reports whether a failed GET is worth repeating: transport
// errors and 5xx responses are, client errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}
