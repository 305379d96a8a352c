package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/wacli/internal/httpkit"
)

// DefaultServerURL is where wactl looks for the daemon.
const DefaultServerURL = "http://localhost:3000"

// StatusError is a non-2xx control plane response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control plane returned %d", e.Code)
	}
	return fmt.Sprintf("control plane returned %d: %s", e.Code, e.Message)
}

// Client calls the control plane over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Send posts msg to to and returns the message id.
func (c *Client) Send(ctx context.Context, to, msg string) (string, error) {
	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/send", SendRequest{To: to, Msg: msg}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// History fetches up to limit recent messages of to.
func (c *Client) History(ctx context.Context, to string, limit int) ([]HistoryEntry, error) {
	q := url.Values{}
	q.Set("to", to)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// Version fetches the daemon's build info.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var info map[string]string
	err := c.do(ctx, http.MethodGet, "/version", nil, &info)
	return info, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact %s: %w", c.baseURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
