package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/session"
	"github.com/nugget/wacli/internal/whatsapp"
)

// DefaultHistoryLimit is used when a history request names no limit.
const DefaultHistoryLimit = 10

// Control plane errors. Handlers map them to HTTP status codes.
var (
	ErrNotReady      = errors.New("whatsapp session not ready")
	ErrInvalidTarget = errors.New("destination is required")
	ErrEmptyMessage  = errors.New("message is required")
)

// Transport is the part of the WhatsApp client the control plane uses.
type Transport interface {
	Send(ctx context.Context, chatID, text string) (string, error)
	History(ctx context.Context, chatID string, limit int) ([]whatsapp.Message, error)
}

// Status is the public view of the session.
type Status struct {
	Ready bool `json:"ready"`
	HasQR bool `json:"hasQr"`
	// QR is the pending pairing code, or null.
	QR *string `json:"qr"`
}

// HistoryEntry is one message in a history response.
type HistoryEntry struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Plane serves operator requests against the session and the
// transport. It never goes through the message router.
type Plane struct {
	state     *session.State
	transport Transport
	events    *events.Bus
	logger    *slog.Logger
}

// NewPlane creates a Plane. bus may be nil.
func NewPlane(state *session.State, transport Transport, bus *events.Bus, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		state:     state,
		transport: transport,
		events:    bus,
		logger:    logger,
	}
}

// Status reports readiness and the pending pairing code.
func (p *Plane) Status() Status {
	snap := p.state.Snapshot()
	st := Status{Ready: snap.Ready, HasQR: snap.HasPairingCode}
	if snap.HasPairingCode {
		code := snap.PairingCode
		st.QR = &code
	}
	return st
}

// Send delivers msg to the chat named by to. A bare phone number is
// turned into a user chat id. Readiness is checked before the input.
func (p *Plane) Send(ctx context.Context, to, msg string) (string, error) {
	if !p.state.Ready() {
		return "", ErrNotReady
	}
	chatID := whatsapp.NormalizeChatID(to)
	if chatID == "" {
		return "", ErrInvalidTarget
	}
	if strings.TrimSpace(msg) == "" {
		return "", ErrEmptyMessage
	}

	id, err := p.transport.Send(ctx, chatID, msg)
	p.events.Emit(events.SourceControl, events.KindSend, map[string]any{
		"to": chatID,
		"ok": err == nil,
	})
	if err != nil {
		p.logger.Error("control plane send failed", "to", chatID, "error", err)
		return "", err
	}
	p.logger.Info("control plane send", "to", chatID, "id", id, "len", len(msg))
	return id, nil
}

// History returns up to limit recent messages of the chat named by to,
// in the order the transport reports them. limit <= 0 means
// DefaultHistoryLimit.
func (p *Plane) History(ctx context.Context, to string, limit int) ([]HistoryEntry, error) {
	if !p.state.Ready() {
		return nil, ErrNotReady
	}
	chatID := whatsapp.NormalizeChatID(to)
	if chatID == "" {
		return nil, ErrInvalidTarget
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs, err := p.transport.History(ctx, chatID, limit)
	if err != nil {
		p.logger.Error("control plane history failed", "to", chatID, "error", err)
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{From: m.From, Body: m.Body, Timestamp: m.Timestamp})
	}
	p.events.Emit(events.SourceControl, events.KindHistory, map[string]any{
		"to":    chatID,
		"limit": limit,
		"count": len(out),
	})
	return out, nil
}
