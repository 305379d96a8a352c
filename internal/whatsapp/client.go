// Package whatsapp is the client for the whatsapp-web.js sidecar that
// owns the actual WhatsApp session.
//
// The sidecar speaks JSON-RPC 2.0 over a WebSocket. Requests (send,
// history, info, ping) are correlated with their responses through a
// pending map; notifications (method "event") are delivered on the
// Events channel. The client reconnects with exponential backoff when
// the socket drops.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wacli/internal/config"
)

// ErrNotConnected is returned by calls made while the WebSocket to the
// sidecar is down.
var ErrNotConnected = errors.New("whatsapp bridge not connected")

// Backoff bounds for reconnecting to the sidecar.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 64

// Client is a JSON-RPC client for the sidecar.
type Client struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	nextID atomic.Int64

	mu      sync.Mutex // protects conn, pending and socket writes
	conn    *websocket.Conn
	pending map[int64]chan rpcResponse

	events chan Event
}

// NewClient creates a client for the sidecar at url. Call Run to
// connect.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		pending:    make(map[int64]chan rpcResponse),
		events:     make(chan Event, eventBuffer),
	}
}

// Events returns the notification channel. It is closed when Run
// returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the WebSocket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects to the sidecar and keeps the connection alive until ctx
// is cancelled. It always returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	backoff := c.minBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("whatsapp bridge connect failed",
				"url", c.url,
				"backoff", backoff,
				"error", err,
			)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		backoff = c.minBackoff
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if ctx.Err() != nil {
			// Lost the race with the shutdown goroutine.
			c.closeConn()
			return nil
		}
		c.logger.Info("whatsapp bridge connected", "url", c.url)
		c.emit(Event{Type: EventBridgeUp})

		err = c.readLoop(conn)

		c.closeConn()
		c.failPending(ErrNotConnected)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("whatsapp bridge connection lost, reconnecting", "error", err)
		c.emit(Event{Type: EventDisconnected, Reason: ReasonBridgeLost})
		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

// readLoop routes frames from conn until it fails.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.logger.Log(context.Background(), config.LevelTrace, "bridge frame", "json", string(data))

		var raw rpcRaw
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.Debug("whatsapp bridge sent non-JSON frame", "error", err)
			continue
		}

		if raw.ID != nil {
			c.resolve(*raw.ID, raw)
			continue
		}

		if raw.Method != "event" {
			c.logger.Debug("whatsapp bridge unknown notification", "method", raw.Method)
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw.Params, &ev); err != nil {
			c.logger.Warn("whatsapp bridge malformed event",
				"error", err,
				"params", string(raw.Params),
			)
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) resolve(id int64, raw rpcRaw) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("whatsapp bridge response for unknown id", "id", id)
		return
	}
	resp := rpcResponse{Result: raw.Result}
	if raw.Error != nil {
		resp.Error = raw.Error
	}
	ch <- resp
}

// emit queues ev without blocking. A full channel drops the event.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		attrs := []any{"type", ev.Type}
		if ev.Message != nil {
			attrs = append(attrs, "message_id", ev.Message.ID)
		}
		c.logger.Warn("whatsapp event channel full, dropping event", attrs...)
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// failPending completes every outstanding call with err.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: err}
		delete(c.pending, id)
	}
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to whatsapp bridge: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Send sends text to chatID and returns the new message id.
func (c *Client) Send(ctx context.Context, chatID, text string) (string, error) {
	return c.send(ctx, chatID, "", text)
}

// Reply sends text to chatID quoting quotedID, if set.
func (c *Client) Reply(ctx context.Context, chatID, quotedID, text string) (string, error) {
	return c.send(ctx, chatID, quotedID, text)
}

func (c *Client) send(ctx context.Context, chatID, quotedID, text string) (string, error) {
	params := map[string]any{
		"chatId": chatID,
		"body":   text,
	}
	if quotedID != "" {
		params["quotedMessageId"] = quotedID
	}
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("unmarshal send result: %w", err)
	}
	return res.ID, nil
}

// History fetches up to limit recent messages of chatID, in the order
// the sidecar reports them.
func (c *Client) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	raw, err := c.call(ctx, "history", map[string]any{
		"chatId": chatID,
		"limit":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("whatsapp history: %w", err)
	}
	var res historyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal history result: %w", err)
	}
	if limit > 0 && len(res.Messages) > limit {
		res.Messages = res.Messages[len(res.Messages)-limit:]
	}
	return res.Messages, nil
}

// Info returns the linked session's identity. It fails until the
// session is ready.
func (c *Client) Info(ctx context.Context) (SessionInfo, error) {
	raw, err := c.call(ctx, "info", nil)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("whatsapp info: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("unmarshal info result: %w", err)
	}
	return info, nil
}

// Ping checks that the sidecar answers. Suitable as a connwatch probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
