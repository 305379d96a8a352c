package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/router"
	"github.com/nugget/wacli/internal/session"
	"github.com/nugget/wacli/internal/whatsapp"
)

// infoTimeout bounds the session-identity lookup after a ready event.
const infoTimeout = 10 * time.Second

// sessionInfoer looks up the linked account. *whatsapp.Client
// satisfies it.
type sessionInfoer interface {
	Info(ctx context.Context) (whatsapp.SessionInfo, error)
}

// pairingRenderer draws and removes the pairing QR. *pairing.Renderer
// satisfies it.
type pairingRenderer interface {
	Render(code string) error
	Clear() error
}

// PumpConfig holds the dependencies for an EventPump.
type PumpConfig struct {
	Events  <-chan whatsapp.Event
	Session *session.State
	Info    sessionInfoer
	SelfIDs *router.SelfIDs
	// Pairing is optional.
	Pairing pairingRenderer
	// Messages receives routable messages. Nil when routing is
	// disabled; message events are then dropped.
	Messages chan<- router.InboundMessage
	Bus      *events.Bus
	Logger   *slog.Logger
}

// EventPump moves transport notifications to their consumers:
// lifecycle events drive the session state, message events go to the
// router. It is the session state's only writer.
type EventPump struct {
	events   <-chan whatsapp.Event
	state    *session.State
	info     sessionInfoer
	selfIDs  *router.SelfIDs
	pairing  pairingRenderer
	messages chan<- router.InboundMessage
	bus      *events.Bus
	logger   *slog.Logger
}

// NewEventPump creates an EventPump.
func NewEventPump(cfg PumpConfig) *EventPump {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPump{
		events:   cfg.Events,
		state:    cfg.Session,
		info:     cfg.Info,
		selfIDs:  cfg.SelfIDs,
		pairing:  cfg.Pairing,
		messages: cfg.Messages,
		bus:      cfg.Bus,
		logger:   logger,
	}
}

// Run consumes events until ctx is cancelled or the event channel
// closes. It closes the Messages channel on return.
func (p *EventPump) Run(ctx context.Context) error {
	if p.messages != nil {
		defer close(p.messages)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *EventPump) handle(ctx context.Context, ev whatsapp.Event) {
	switch ev.Type {
	case whatsapp.EventQR:
		p.pairingIssued(ev.QR)
	case whatsapp.EventReady:
		p.ready(ctx)
	case whatsapp.EventBridgeUp:
		p.bridgeUp(ctx)
	case whatsapp.EventDisconnected:
		p.disconnected(ev.Reason)
	case whatsapp.EventChangeState:
		p.logger.Info("whatsapp state changed", "state", ev.State)
		p.bus.Emit(events.SourceSession, events.KindStateChange, map[string]any{"state": ev.State})
	case whatsapp.EventMessage:
		p.route(ctx, ev.Message, router.PathIncoming)
	case whatsapp.EventMessageCreate:
		// Inbound messages also fire message_create; only the owner's
		// own creations are new here.
		if ev.Message != nil && ev.Message.FromMe {
			p.route(ctx, ev.Message, router.PathSelfCreated)
		}
	default:
		p.logger.Debug("unhandled whatsapp event", "type", ev.Type)
	}
}

func (p *EventPump) pairingIssued(code string) {
	if code == "" {
		p.logger.Warn("whatsapp sent an empty pairing code")
		return
	}
	t := p.state.MarkPairingIssued(code)
	if !t.Changed {
		return
	}
	p.logger.Info("pairing code issued, scan to link", "from", t.From)
	if p.pairing != nil {
		if err := p.pairing.Render(code); err != nil {
			p.logger.Error("failed to render pairing code", "error", err)
		}
	}
	p.bus.Emit(events.SourceSession, events.KindPairing, map[string]any{"phase_from": string(t.From)})
}

func (p *EventPump) ready(ctx context.Context) {
	info, err := p.lookup(ctx)
	if err != nil {
		p.logger.Warn("failed to discover own session id", "error", err)
		info = whatsapp.SessionInfo{}
	}
	p.markReady(info.WID)
}

// bridgeUp checks whether a freshly (re)connected sidecar already holds
// a linked session, in which case no ready event will follow.
func (p *EventPump) bridgeUp(ctx context.Context) {
	info, err := p.lookup(ctx)
	if err != nil || info.WID == "" {
		p.logger.Debug("whatsapp bridge up, session not linked yet", "error", err)
		return
	}
	p.markReady(info.WID)
}

// lookup asks the transport for the linked account.
func (p *EventPump) lookup(ctx context.Context) (whatsapp.SessionInfo, error) {
	if p.info == nil {
		return whatsapp.SessionInfo{}, nil
	}
	infoCtx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()
	return p.info.Info(infoCtx)
}

// markReady records the session's own id, when known, and enters the
// ready phase.
func (p *EventPump) markReady(selfID string) {
	if selfID != "" && p.selfIDs != nil {
		p.selfIDs.SetSession(selfID)
	}
	t := p.state.MarkReady()
	if !t.Changed {
		return
	}
	p.logger.Info("whatsapp session ready", "from", t.From, "self_id", selfID)
	if p.pairing != nil {
		if err := p.pairing.Clear(); err != nil {
			p.logger.Warn("failed to remove pairing image", "error", err)
		}
	}
	p.bus.Emit(events.SourceSession, events.KindReady, map[string]any{
		"phase_from": string(t.From),
		"self_id":    selfID,
	})
}

func (p *EventPump) disconnected(reason string) {
	t := p.state.MarkDisconnected(reason)
	if !t.Changed {
		return
	}
	p.logger.Warn("whatsapp session disconnected", "reason", reason, "from", t.From)
	p.bus.Emit(events.SourceSession, events.KindDisconnected, map[string]any{"reason": reason})
}

func (p *EventPump) route(ctx context.Context, m *whatsapp.Message, path router.Path) {
	if m == nil {
		p.logger.Debug("message event without a message")
		return
	}
	if p.messages == nil {
		p.logger.Debug("routing disabled, dropping message", "message_id", m.ID)
		return
	}

	msg := router.InboundMessage{
		ID:          m.ID,
		SenderID:    m.From,
		RecipientID: m.To,
		Body:        m.Text(),
		IsSelfSent:  m.FromMe,
		Timestamp:   m.Time(),
		Path:        path,
	}
	select {
	case p.messages <- msg:
	case <-ctx.Done():
	}
}
