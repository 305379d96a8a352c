// Package brain is the client for the downstream reasoning API. It is
// stateless: each Forward is a single POST with no caching and no
// retry beyond httpkit's dial-level retry.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wacli/internal/config"
	"github.com/nugget/wacli/internal/httpkit"
)

// DefaultComplexity is the hint sent when none is configured.
const DefaultComplexity = "simple"

// Request is the body POSTed to /api/chat.
type Request struct {
	Message    string `json:"message"`
	Sender     string `json:"sender"`
	Complexity string `json:"complexity"`
}

// Response is the body returned by /api/chat.
type Response struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config configures a Client.
type Config struct {
	// URL is the API base, e.g. http://localhost:8000.
	URL        string
	Complexity string
	// Timeout bounds each Forward call. Zero means 120s.
	Timeout time.Duration
	// RetryCount enables dial-error retry in the HTTP client.
	RetryCount int
	Logger     *slog.Logger
	// HTTPClient overrides the httpkit client, for tests.
	HTTPClient *http.Client
}

// Client talks to the brain API.
type Client struct {
	baseURL    string
	complexity string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Complexity == "" {
		cfg.Complexity = DefaultComplexity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// The per-call context carries the deadline.
		hc = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRequestID(),
			httpkit.WithRetry(cfg.RetryCount, 500*time.Millisecond),
			httpkit.WithLogger(cfg.Logger),
		)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		complexity: cfg.Complexity,
		timeout:    cfg.Timeout,
		httpClient: hc,
		logger:     cfg.Logger,
	}
}

// Forward sends body on behalf of sender and returns the reply text.
// Errors are always *Error.
func (c *Client) Forward(ctx context.Context, body, sender string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(Request{
		Message:    body,
		Sender:     sender,
		Complexity: c.complexity,
	})
	if err != nil {
		return "", &Error{Kind: ErrMalformedResponse, Err: fmt.Errorf("marshal request: %w", err)}
	}
	c.logger.Log(ctx, config.LevelTrace, "brain request", "json", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: ErrUnreachable, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrUnreachable, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := httpkit.ReadErrorBody(resp.Body, 512)
		return "", &Error{Kind: ErrRejected, Status: resp.StatusCode, Body: strings.TrimSpace(excerpt)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	// A pointer distinguishes a missing field from an empty one.
	var out struct {
		Response *string        `json:"response"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: ErrMalformedResponse, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Response == nil {
		return "", &Error{Kind: ErrMalformedResponse, Status: resp.StatusCode, Err: fmt.Errorf("missing response field")}
	}
	if strings.TrimSpace(*out.Response) == "" {
		return "", &Error{Kind: ErrMalformedResponse, Status: resp.StatusCode, Err: fmt.Errorf("empty response")}
	}

	c.logger.Debug("brain replied",
		"sender", sender,
		"reply_len", len(*out.Response),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, config.LevelTrace, "brain response", "content", *out.Response, "metadata", out.Metadata)

	return *out.Response, nil
}

// Ping checks the API's /health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Err: fmt.Errorf("create request: %w", err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: ErrRejected, Status: resp.StatusCode}
	}
	return nil
}
