package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/router"
	"github.com/nugget/wacli/internal/session"
	"github.com/nugget/wacli/internal/whatsapp"
)

const ownerWID = "15551234567@c.us"

type fakeInfo struct {
	info  whatsapp.SessionInfo
	err   error
	calls int
}

func (f *fakeInfo) Info(context.Context) (whatsapp.SessionInfo, error) {
	f.calls++
	return f.info, f.err
}

type fakeRenderer struct {
	rendered []string
	cleared  int
}

func (f *fakeRenderer) Render(code string) error {
	f.rendered = append(f.rendered, code)
	return nil
}

func (f *fakeRenderer) Clear() error {
	f.cleared++
	return nil
}

type pumpFixture struct {
	pump     *EventPump
	state    *session.State
	info     *fakeInfo
	renderer *fakeRenderer
	selfIDs  *router.SelfIDs
	messages chan router.InboundMessage
	bus      <-chan events.Event
}

func newPumpFixture(t *testing.T) *pumpFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	selfIDs, err := router.NewSelfIDs(nil, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.New()
	f := &pumpFixture{
		state:    session.New(),
		info:     &fakeInfo{info: whatsapp.SessionInfo{WID: ownerWID}},
		renderer: &fakeRenderer{},
		selfIDs:  selfIDs,
		messages: make(chan router.InboundMessage, 4),
		bus:      bus.Subscribe(16),
	}
	f.pump = NewEventPump(PumpConfig{
		Session:  f.state,
		Info:     f.info,
		SelfIDs:  selfIDs,
		Pairing:  f.renderer,
		Messages: f.messages,
		Bus:      bus,
		Logger:   logger,
	})
	return f
}

// kinds drains the bus subscription.
func (f *pumpFixture) kinds() []string {
	var out []string
	for {
		select {
		case e := <-f.bus:
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}

func TestPump_PairingCode(t *testing.T) {
	f := newPumpFixture(t)
	ctx := context.Background()

	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventQR, QR: "code-1"})
	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventQR, QR: "code-1"})
	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventQR, QR: "code-2"})

	snap := f.state.Snapshot()
	if snap.Ready || snap.PairingCode != "code-2" || snap.Phase != session.PhasePairing {
		t.Errorf("snapshot = %+v, want pairing with code-2", snap)
	}
	if len(f.renderer.rendered) != 2 {
		t.Errorf("rendered = %v, want each new code once", f.renderer.rendered)
	}
	if got := f.kinds(); len(got) != 2 || got[0] != events.KindPairing {
		t.Errorf("events = %v, want two pairing events", got)
	}
}

func TestPump_EmptyPairingCodeIgnored(t *testing.T) {
	f := newPumpFixture(t)
	f.pump.handle(context.Background(), whatsapp.Event{Type: whatsapp.EventQR})

	if f.state.Snapshot().HasPairingCode {
		t.Error("empty code should not be recorded")
	}
	if len(f.renderer.rendered) != 0 {
		t.Error("empty code should not be rendered")
	}
}

func TestPump_Ready(t *testing.T) {
	f := newPumpFixture(t)
	ctx := context.Background()

	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventQR, QR: "code-1"})
	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventReady})

	snap := f.state.Snapshot()
	if !snap.Ready || snap.HasPairingCode {
		t.Errorf("snapshot = %+v, want ready without code", snap)
	}
	if f.selfIDs.Session() != ownerWID {
		t.Errorf("session id = %q, want %q", f.selfIDs.Session(), ownerWID)
	}
	if f.renderer.cleared != 1 {
		t.Errorf("cleared = %d, want 1", f.renderer.cleared)
	}
	got := f.kinds()
	if len(got) != 2 || got[1] != events.KindReady {
		t.Errorf("events = %v, want pairing then ready", got)
	}
}

func TestPump_ReadyWithoutInfo(t *testing.T) {
	f := newPumpFixture(t)
	f.info.err = errors.New("not linked")

	f.pump.handle(context.Background(), whatsapp.Event{Type: whatsapp.EventReady})

	if !f.state.Ready() {
		t.Error("ready event should mark the session ready even if the id lookup fails")
	}
	if f.selfIDs.Session() != "" {
		t.Errorf("session id = %q, want empty", f.selfIDs.Session())
	}
}

func TestPump_BridgeUp(t *testing.T) {
	tests := []struct {
		name      string
		info      whatsapp.SessionInfo
		err       error
		wantReady bool
	}{
		{name: "linked", info: whatsapp.SessionInfo{WID: ownerWID}, wantReady: true},
		{name: "info fails", err: errors.New("not ready"), wantReady: false},
		{name: "no wid", wantReady: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPumpFixture(t)
			f.info.info = tt.info
			f.info.err = tt.err

			f.pump.handle(context.Background(), whatsapp.Event{Type: whatsapp.EventBridgeUp})

			if f.state.Ready() != tt.wantReady {
				t.Errorf("Ready() = %v, want %v", f.state.Ready(), tt.wantReady)
			}
			if f.info.calls != 1 {
				t.Errorf("Info calls = %d, want 1", f.info.calls)
			}
		})
	}
}

func TestPump_Disconnected(t *testing.T) {
	f := newPumpFixture(t)
	ctx := context.Background()

	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventReady})
	f.kinds()
	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventDisconnected, Reason: "LOGOUT"})
	f.pump.handle(ctx, whatsapp.Event{Type: whatsapp.EventDisconnected, Reason: "LOGOUT"})

	snap := f.state.Snapshot()
	if snap.Ready || snap.Phase != session.PhaseDisconnected || snap.Reason != "LOGOUT" {
		t.Errorf("snapshot = %+v, want disconnected LOGOUT", snap)
	}
	if got := f.kinds(); len(got) != 1 || got[0] != events.KindDisconnected {
		t.Errorf("events = %v, want one disconnected event", got)
	}
}

func TestPump_ChangeState(t *testing.T) {
	f := newPumpFixture(t)
	f.pump.handle(context.Background(), whatsapp.Event{Type: whatsapp.EventChangeState, State: "CONFLICT"})

	if got := f.kinds(); len(got) != 1 || got[0] != events.KindStateChange {
		t.Errorf("events = %v, want state_change", got)
	}
	if f.state.Snapshot().Phase != session.PhaseStarting {
		t.Error("raw state changes should not move the session phase")
	}
}

func TestPump_Messages(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		event    whatsapp.Event
		wantPath router.Path
		routed   bool
	}{
		{
			name: "incoming",
			event: whatsapp.Event{Type: whatsapp.EventMessage, Message: &whatsapp.Message{
				ID: "m1", From: ownerWID, To: "bot@c.us", Body: "hi", Type: "chat", Timestamp: ts.Unix(),
			}},
			wantPath: router.PathIncoming,
			routed:   true,
		},
		{
			name: "self created",
			event: whatsapp.Event{Type: whatsapp.EventMessageCreate, Message: &whatsapp.Message{
				ID: "m2", From: ownerWID, To: ownerWID, Body: "hi", Type: "chat", FromMe: true, Timestamp: ts.Unix(),
			}},
			wantPath: router.PathSelfCreated,
			routed:   true,
		},
		{
			name: "created by someone else",
			event: whatsapp.Event{Type: whatsapp.EventMessageCreate, Message: &whatsapp.Message{
				ID: "m3", From: "other@c.us", To: ownerWID, Body: "hi", Type: "chat",
			}},
			routed: false,
		},
		{
			name:   "no payload",
			event:  whatsapp.Event{Type: whatsapp.EventMessage},
			routed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPumpFixture(t)
			f.pump.handle(context.Background(), tt.event)

			select {
			case msg := <-f.messages:
				if !tt.routed {
					t.Fatalf("unexpected message routed: %+v", msg)
				}
				if msg.Path != tt.wantPath {
					t.Errorf("Path = %q, want %q", msg.Path, tt.wantPath)
				}
				m := tt.event.Message
				if msg.ID != m.ID || msg.SenderID != m.From || msg.RecipientID != m.To || msg.IsSelfSent != m.FromMe {
					t.Errorf("message = %+v, want fields from %+v", msg, m)
				}
				if !msg.Timestamp.Equal(ts) {
					t.Errorf("Timestamp = %v, want %v", msg.Timestamp, ts)
				}
			default:
				if tt.routed {
					t.Fatal("message was not routed")
				}
			}
		})
	}
}

func TestPump_RoutingDisabledDropsMessages(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewEventPump(PumpConfig{Session: session.New(), Logger: logger})

	// Must not block or panic.
	p.handle(context.Background(), whatsapp.Event{Type: whatsapp.EventMessage, Message: &whatsapp.Message{ID: "m1", Body: "hi"}})
}

func TestPump_RunClosesMessagesWhenEventsEnd(t *testing.T) {
	src := make(chan whatsapp.Event, 1)
	out := make(chan router.InboundMessage, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewEventPump(PumpConfig{
		Events:   src,
		Session:  session.New(),
		Messages: out,
		Logger:   logger,
	})

	src <- whatsapp.Event{Type: whatsapp.EventMessage, Message: &whatsapp.Message{ID: "m1", Body: "hi"}}
	close(src)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the event channel closed")
	}

	if msg, ok := <-out; !ok || msg.ID != "m1" {
		t.Errorf("first receive = %+v, %v; want m1", msg, ok)
	}
	if _, ok := <-out; ok {
		t.Error("messages channel should be closed")
	}
}
