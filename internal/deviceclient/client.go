// Package deviceclient is the device side of the kidgate API. It holds the
// refresh secret, obtains bearer tokens, and renews them when the server
// reports token_expired.
package deviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: %d", e.Status)
	}
	return fmt.Sprintf("request failed: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is a server error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

type Client struct {
	serverURL     string
	deviceCode    string
	refreshSecret string
	http          *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken seeds the client with a token obtained elsewhere, such as the
// one returned by binding.
func WithToken(token string, expiresAt time.Time) Option {
	return func(c *Client) {
		c.token = token
		c.expiresAt = expiresAt
	}
}

func New(serverURL, deviceCode, refreshSecret string, opts ...Option) *Client {
	c := &Client{
		serverURL:     strings.TrimRight(serverURL, "/"),
		deviceCode:    deviceCode,
		refreshSecret: refreshSecret,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token and its expiry.
func (c *Client) Token() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.expiresAt
}

type refreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Refresh exchanges the refresh secret for a new bearer token.
func (c *Client) Refresh(ctx context.Context) error {
	body := map[string]string{
		"device_code":    c.deviceCode,
		"refresh_secret": c.refreshSecret,
	}
	var resp refreshResponse
	if err := c.send(ctx, http.MethodPost, "/api/device/refresh", body, "", &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.expiresAt = resp.ExpiresAt
	c.mu.Unlock()
	return nil
}

type Heartbeat struct {
	UIVersion       string          `json:"ui_version,omitempty"`
	FirmwareVersion string          `json:"firmware_version,omitempty"`
	BuildID         string          `json:"build_id,omitempty"`
	OSVersion       string          `json:"os_version,omitempty"`
	KernelVersion   string          `json:"kernel_version,omitempty"`
	Model           string          `json:"model,omitempty"`
	Location        json.RawMessage `json:"location,omitempty"`
}

func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/api/device/heartbeat", hb, nil)
}

type Config struct {
	Version       int64           `json:"version"`
	Manifest      json.RawMessage `json:"manifest"`
	Policies      json.RawMessage `json:"policies"`
	Apps          json.RawMessage `json:"apps"`
	FilterProfile json.RawMessage `json:"filter_profile"`
}

func (c *Client) Config(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.do(ctx, http.MethodGet, "/api/device/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NextJob claims the oldest queued job. It returns nil when there is none.
func (c *Client) NextJob(ctx context.Context) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/device/jobs/next", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

type Ack struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (c *Client) Ack(ctx context.Context, jobID string, ack Ack) error {
	return c.do(ctx, http.MethodPost, "/api/device/jobs/"+jobID+"/ack", ack, nil)
}

// do sends an authenticated request, refreshing the token first when none
// is held and once more when the server reports it expired.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, _ := c.Token()
	if token == "" {
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		token, _ = c.Token()
	}

	err := c.send(ctx, method, path, body, token, out)
	if !IsCode(err, "token_expired") {
		return err
	}
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	token, _ = c.Token()
	return c.send(ctx, method, path, body, token, out)
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, token string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(bodyBytes, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
