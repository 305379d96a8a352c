package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wacli/internal/brain"
	"github.com/nugget/wacli/internal/events"
	"github.com/nugget/wacli/internal/whatsapp"
)

const (
	testOwner   = "15551234567"
	ownerChat   = "15551234567@c.us"
	ownerLID    = "92998994014333@lid"
	friendChat  = "15559870000@c.us"
	familyGroup = "120363041234567890@g.us"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type forwardCall struct {
	body, sender string
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	reply string
	err   error
	delay time.Duration
}

func (f *fakeForwarder) Forward(ctx context.Context, body, sender string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, forwardCall{body, sender})
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", &brain.Error{Kind: brain.ErrUnreachable, Err: ctx.Err()}
		}
	}
	return f.reply, f.err
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type replyCall struct {
	chat, quoted, text string
}

type fakeReplier struct {
	mu    sync.Mutex
	calls []replyCall
	err   error
}

func (f *fakeReplier) Reply(ctx context.Context, chat, quoted, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, replyCall{chat, quoted, text})
	if f.err != nil {
		return "", f.err
	}
	return "true_" + chat + "_REPLY", nil
}

func (f *fakeReplier) sent() []replyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replyCall(nil), f.calls...)
}

func newTestRouter(t *testing.T, fwd *fakeForwarder, rep *fakeReplier) *Router {
	t.Helper()
	self, err := NewSelfIDs(nil, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(Config{
		Owner:     testOwner,
		SelfIDs:   self,
		Forwarder: fwd,
		Replier:   rep,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r
}

func TestNew_NoOwner(t *testing.T) {
	_, err := New(Config{Owner: "  ", Forwarder: &fakeForwarder{}, Replier: &fakeReplier{}})
	if !errors.Is(err, ErrNoOwner) {
		t.Fatalf("New() error = %v, want ErrNoOwner", err)
	}
}

func TestHandle_EndToEnd(t *testing.T) {
	fwd := &fakeForwarder{reply: "hi"}
	rep := &fakeReplier{}
	r := newTestRouter(t, fwd, rep)

	d := r.Handle(context.Background(), InboundMessage{
		ID:          "false_15551234567@c.us_ABC",
		SenderID:    ownerChat,
		RecipientID: "15550001111@c.us",
		Body:        "hello",
		Path:        PathIncoming,
	})

	if d != Accepted {
		t.Fatalf("decision = %q, want accepted", d)
	}
	if fwd.count() != 1 || fwd.calls[0].body != "hello" || fwd.calls[0].sender != ownerChat {
		t.Fatalf("forward calls = %+v", fwd.calls)
	}
	sent := rep.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want exactly 1", len(sent))
	}
	if sent[0].text != DefaultMarker+"hi" {
		t.Errorf("reply text = %q, want %q", sent[0].text, DefaultMarker+"hi")
	}
	if sent[0].chat != ownerChat {
		t.Errorf("reply chat = %q, want sender %q", sent[0].chat, ownerChat)
	}
	if sent[0].quoted != "false_15551234567@c.us_ABC" {
		t.Errorf("quoted = %q, want triggering message id", sent[0].quoted)
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want Decision
	}{
		{
			name: "broadcast",
			msg:  InboundMessage{SenderID: BroadcastID, Body: "status update", Path: PathIncoming},
			want: RejectedBroadcast,
		},
		{
			name: "broadcast even when self sent",
			msg:  InboundMessage{SenderID: BroadcastID, Body: "x", IsSelfSent: true, Path: PathSelfCreated},
			want: RejectedBroadcast,
		},
		{
			name: "empty body",
			msg:  InboundMessage{SenderID: ownerChat, Body: "   \n\t", Path: PathIncoming},
			want: RejectedEmptyBody,
		},
		{
			name: "stranger",
			msg:  InboundMessage{SenderID: friendChat, Body: "hey", Path: PathIncoming},
			want: RejectedNotOwner,
		},
		{
			name: "group chat",
			msg:  InboundMessage{SenderID: familyGroup, Body: "dinner?", Path: PathIncoming},
			want: RejectedGroupChat,
		},
		{
			name: "echo of own reply",
			msg: InboundMessage{
				SenderID: ownerChat, RecipientID: ownerChat,
				Body: DefaultMarker + "hi", IsSelfSent: true, Path: PathSelfCreated,
			},
			want: RejectedLoopEcho,
		},
		{
			name: "owner messaging a friend",
			msg: InboundMessage{
				SenderID: ownerChat, RecipientID: friendChat,
				Body: "see you at 8", IsSelfSent: true, Path: PathSelfCreated,
			},
			want: RejectedNotNoteToSelf,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{reply: "should not be used"}
			rep := &fakeReplier{}
			r := newTestRouter(t, fwd, rep)

			if got := r.Handle(context.Background(), tt.msg); got != tt.want {
				t.Errorf("decision = %q, want %q", got, tt.want)
			}
			if fwd.count() != 0 {
				t.Errorf("forwarder called %d times, want 0", fwd.count())
			}
			if n := len(rep.sent()); n != 0 {
				t.Errorf("sent %d replies, want 0", n)
			}
		})
	}
}

func TestHandle_NoteToSelf(t *testing.T) {
	fwd := &fakeForwarder{reply: "noted"}
	rep := &fakeReplier{}
	r := newTestRouter(t, fwd, rep)

	d := r.Handle(context.Background(), InboundMessage{
		ID:          "true_15551234567@c.us_XYZ",
		SenderID:    ownerChat,
		RecipientID: ownerChat,
		Body:        "remind me to call mom",
		IsSelfSent:  true,
		Path:        PathSelfCreated,
	})
	if d != Accepted {
		t.Fatalf("decision = %q, want accepted", d)
	}

	sent := rep.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sent))
	}
	if sent[0].chat != ownerChat {
		t.Errorf("reply chat = %q, want recipient %q", sent[0].chat, ownerChat)
	}
}

func TestHandle_NoteToSelfViaLinkedDeviceID(t *testing.T) {
	fwd := &fakeForwarder{reply: "ok"}
	rep := &fakeReplier{}
	r := newTestRouter(t, fwd, rep)

	// The linked device shows up as sender on an earlier self-sent message.
	r.Handle(context.Background(), InboundMessage{
		SenderID: ownerLID, RecipientID: friendChat,
		Body: "running late", IsSelfSent: true, Path: PathSelfCreated,
	})
	if fwd.count() != 0 {
		t.Fatal("message to a friend should not be forwarded")
	}

	// A note addressed to that id from the phone-number id is now recognised.
	d := r.Handle(context.Background(), InboundMessage{
		SenderID: ownerChat, RecipientID: ownerLID,
		Body: "what's on my calendar", IsSelfSent: true, Path: PathSelfCreated,
	})
	if d != Accepted {
		t.Fatalf("decision = %q, want accepted via learned self id", d)
	}
	if sent := rep.sent(); len(sent) != 1 || sent[0].chat != ownerLID {
		t.Errorf("replies = %+v, want one to %s", sent, ownerLID)
	}
}

func TestHandle_ReplyIsNotReprocessed(t *testing.T) {
	fwd := &fakeForwarder{reply: "done"}
	rep := &fakeReplier{}
	r := newTestRouter(t, fwd, rep)

	note := InboundMessage{
		SenderID: ownerChat, RecipientID: ownerChat,
		Body: "turn off the lights", IsSelfSent: true, Path: PathSelfCreated,
	}
	r.Handle(context.Background(), note)

	// Feed every reply back in as the transport would.
	for i := 0; i < 3; i++ {
		sent := rep.sent()
		last := sent[len(sent)-1]
		d := r.Handle(context.Background(), InboundMessage{
			SenderID: ownerChat, RecipientID: last.chat,
			Body: last.text, IsSelfSent: true, Path: PathSelfCreated,
		})
		if d != RejectedLoopEcho {
			t.Fatalf("echo %d decision = %q, want %q", i, d, RejectedLoopEcho)
		}
	}

	if fwd.count() != 1 {
		t.Errorf("forwarder called %d times, want 1", fwd.count())
	}
	if n := len(rep.sent()); n != 1 {
		t.Errorf("sent %d replies, want 1", n)
	}
}

func TestHandle_ForwardErrorsAreQuiet(t *testing.T) {
	tests := []struct {
		name string
		fwd  *fakeForwarder
		kind string
	}{
		{"unreachable", &fakeForwarder{err: &brain.Error{Kind: brain.ErrUnreachable}}, "unreachable"},
		{"rejected", &fakeForwarder{err: &brain.Error{Kind: brain.ErrRejected, Status: 500}}, "rejected"},
		{"malformed", &fakeForwarder{err: &brain.Error{Kind: brain.ErrMalformedResponse}}, "malformed_response"},
		{"empty reply", &fakeForwarder{reply: "  "}, "malformed_response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReplier{}
			r := newTestRouter(t, tt.fwd, rep)

			d := r.Handle(context.Background(), InboundMessage{ID: "m1", SenderID: ownerChat, Body: "hello", Path: PathIncoming})
			if d != Accepted {
				t.Errorf("decision = %q, want accepted", d)
			}
			if tt.fwd.count() != 1 {
				t.Errorf("forwarder called %d times, want exactly 1 (no retry)", tt.fwd.count())
			}
			if n := len(rep.sent()); n != 0 {
				t.Errorf("sent %d replies, want 0", n)
			}

			log := r.AuditLog(1)
			if len(log) != 1 || log[0].Outcome != "forward_failed" || log[0].ErrorKind != tt.kind {
				t.Errorf("audit = %+v, want forward_failed/%s", log, tt.kind)
			}
			if s := r.Stats(); s.ForwardErrors != 1 {
				t.Errorf("ForwardErrors = %d, want 1", s.ForwardErrors)
			}
		})
	}
}

func TestHandle_ReplyFailure(t *testing.T) {
	fwd := &fakeForwarder{reply: "hi"}
	rep := &fakeReplier{err: errors.New("session closed")}
	r := newTestRouter(t, fwd, rep)

	r.Handle(context.Background(), InboundMessage{SenderID: ownerChat, Body: "hello", Path: PathIncoming})

	if s := r.Stats(); s.ReplyErrors != 1 || s.Replies != 0 {
		t.Errorf("stats = %+v, want one reply error", s)
	}
}

func TestHandle_FormatAppliedBeforeMarker(t *testing.T) {
	fwd := &fakeForwarder{reply: "**bold**"}
	rep := &fakeReplier{}
	self, _ := NewSelfIDs(nil, nil, discardLogger())
	r, err := New(Config{
		Owner:     "+" + testOwner,
		SelfIDs:   self,
		Marker:    "[bot] ",
		Forwarder: fwd,
		Replier:   rep,
		Format:    func(s string) string { return "*bold*" },
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	r.Handle(context.Background(), InboundMessage{SenderID: ownerChat, Body: "hello", Path: PathIncoming})

	sent := rep.sent()
	if len(sent) != 1 || sent[0].text != "[bot] *bold*" {
		t.Errorf("replies = %+v, want one with %q", sent, "[bot] *bold*")
	}
}

func TestHandle_FormattedReplyNeverBlank(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		format func(string) string
		want   string
	}{
		{"formatter empties reply", "<div>hello</div>", func(string) string { return "  " }, "🤖 <div>hello</div>"},
		{"html reply through markup", "<div>hello</div>", whatsapp.ToWhatsApp, "🤖 <div>hello</div>"},
		{"intraword arithmetic", "2*3*4 = 24", whatsapp.ToWhatsApp, "🤖 2*3*4 = 24"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReplier{}
			r, err := New(Config{
				Owner:     testOwner,
				Forwarder: &fakeForwarder{reply: tt.reply},
				Replier:   rep,
				Format:    tt.format,
				Logger:    discardLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}

			d := r.Handle(context.Background(), InboundMessage{SenderID: ownerChat, Body: "hello", Path: PathIncoming})
			if d != Accepted {
				t.Fatalf("decision = %s, want accepted", d)
			}
			sent := rep.sent()
			if len(sent) != 1 || sent[0].text != tt.want {
				t.Errorf("replies = %+v, want one with %q", sent, tt.want)
			}
		})
	}
}

func TestStats_AverageLatencyIsMean(t *testing.T) {
	r := newTestRouter(t, &fakeForwarder{}, &fakeReplier{})
	for _, ms := range []int64{100, 200, 600} {
		r.record(Record{Decision: Accepted, Outcome: "replied", LatencyMs: ms, Timestamp: time.Now()})
	}
	r.record(Record{Decision: Accepted, Outcome: "forward_failed", LatencyMs: 5000})

	st := r.Stats()
	if st.Replies != 3 {
		t.Fatalf("Replies = %d, want 3", st.Replies)
	}
	if st.AvgLatencyMs != 300 {
		t.Errorf("AvgLatencyMs = %d, want 300", st.AvgLatencyMs)
	}
}

func TestHandle_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	self, _ := NewSelfIDs(nil, nil, discardLogger())
	r, err := New(Config{
		Owner:     testOwner,
		SelfIDs:   self,
		Forwarder: &fakeForwarder{reply: "hi"},
		Replier:   &fakeReplier{},
		Events:    bus,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	r.Handle(context.Background(), InboundMessage{ID: "m1", SenderID: ownerChat, Body: "hello", Path: PathIncoming})

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindMessageReceived, events.KindDecision, events.KindReplySent}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestRun_ConcurrentHandling(t *testing.T) {
	fwd := &fakeForwarder{reply: "ok", delay: 50 * time.Millisecond}
	rep := &fakeReplier{}
	r := newTestRouter(t, fwd, rep)

	in := make(chan InboundMessage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, in) }()

	start := time.Now()
	for i := 0; i < 5; i++ {
		in <- InboundMessage{SenderID: ownerChat, Body: "ping", Path: PathIncoming}
	}
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input closed")
	}

	if n := len(rep.sent()); n != 5 {
		t.Errorf("sent %d replies, want 5", n)
	}
	// Five 50ms calls in series would take 250ms.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("handling took %v, want concurrent execution", elapsed)
	}
}

func TestAuditLog_Bounded(t *testing.T) {
	self, _ := NewSelfIDs(nil, nil, discardLogger())
	r, err := New(Config{
		Owner:       testOwner,
		SelfIDs:     self,
		Forwarder:   &fakeForwarder{},
		Replier:     &fakeReplier{},
		MaxAuditLog: 3,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		r.Handle(context.Background(), InboundMessage{ID: id, SenderID: friendChat, Body: "x", Path: PathIncoming})
	}

	log := r.AuditLog(0)
	if len(log) != 3 || log[0].MessageID != "b" || log[2].MessageID != "d" {
		t.Errorf("audit log = %+v, want b..d", log)
	}
	if got := r.AuditLog(1); len(got) != 1 || got[0].MessageID != "d" {
		t.Errorf("AuditLog(1) = %+v, want [d]", got)
	}
	if s := r.Stats(); s.Received != 4 || s.Decisions[RejectedNotOwner] != 4 {
		t.Errorf("stats = %+v", s)
	}
}
