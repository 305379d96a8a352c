// Package router decides which WhatsApp messages reach the brain and
// delivers the replies.
//
// The Router only routes messages that come from the configured owner.
// Every reply carries a marker so the Router can recognise it when the
// transport echoes it back through the owner's own chat.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/wacli/internal/brain"
	"github.com/nugget/wacli/internal/events"
)

// ErrNoOwner is returned by New when no owner identity is configured.
// Without one no message can be scoped, so nothing is routed.
var ErrNoOwner = errors.New("router: owner identity not configured")

// Forwarder sends a message body to the brain and returns its reply.
type Forwarder interface {
	Forward(ctx context.Context, body, sender string) (string, error)
}

// Replier delivers a reply into a chat, quoting the triggering message
// when quotedID is set. It returns the sent message id.
type Replier interface {
	Reply(ctx context.Context, chatID, quotedID, text string) (string, error)
}

// Config configures a Router.
type Config struct {
	// Owner is the owner's phone number in international format
	// without "+".
	Owner string
	// SelfIDs holds the owner's known self identifiers. Optional.
	SelfIDs *SelfIDs
	// Marker prefixes replies. Defaults to DefaultMarker.
	Marker    string
	Forwarder Forwarder
	Replier   Replier
	// Format rewrites brain replies before the marker is added (for
	// Markdown to WhatsApp markup). Optional.
	Format func(string) string
	// HandleTimeout bounds one event end to end (default: 3m).
	HandleTimeout time.Duration
	// MaxAuditLog is how many recent records to keep (default: 200).
	MaxAuditLog int
	Events      *events.Bus
	Logger      *slog.Logger
}

// Record is the audit entry for one handled message.
type Record struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Path      Path      `json:"path"`
	SelfSent  bool      `json:"self_sent"`
	Decision  Decision  `json:"decision"`
	// Outcome is set for accepted messages: "replied", "forward_failed"
	// or "reply_failed".
	Outcome   string `json:"outcome,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// Stats are cumulative routing counters since start.
type Stats struct {
	Received       int64              `json:"received"`
	Decisions      map[Decision]int64 `json:"decisions"`
	Replies        int64              `json:"replies"`
	ForwardErrors  int64              `json:"forward_errors"`
	ReplyErrors    int64              `json:"reply_errors"`
	LastReplyAt    time.Time          `json:"last_reply_at"`
	AvgLatencyMs   int64              `json:"avg_latency_ms"`
	InFlight       int64              `json:"in_flight"`
	LearnedSelfIDs []string           `json:"self_ids,omitempty"`
}

// Router handles inbound messages.
type Router struct {
	resolver *Resolver
	self     *SelfIDs
	guard    LoopGuard
	forward  Forwarder
	reply    Replier
	format   func(string) string
	timeout  time.Duration
	maxAudit int
	events   *events.Bus
	logger   *slog.Logger

	mu        sync.Mutex
	auditLog  []Record
	stats     Stats
	latencyMs int64 // sum over replies, for AvgLatencyMs
	inFlight sync.WaitGroup
}

// New creates a Router. It returns ErrNoOwner if cfg.Owner is empty.
func New(cfg Config) (*Router, error) {
	owner := strings.TrimPrefix(strings.TrimSpace(cfg.Owner), "+")
	if owner == "" {
		return nil, ErrNoOwner
	}
	if cfg.Forwarder == nil || cfg.Replier == nil {
		return nil, fmt.Errorf("router: forwarder and replier are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 3 * time.Minute
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 200
	}
	if cfg.Format == nil {
		cfg.Format = func(s string) string { return s }
	}

	return &Router{
		resolver: NewResolver(owner, cfg.SelfIDs),
		self:     cfg.SelfIDs,
		guard:    NewLoopGuard(cfg.Marker),
		forward:  cfg.Forwarder,
		reply:    cfg.Replier,
		format:   cfg.Format,
		timeout:  cfg.HandleTimeout,
		maxAudit: cfg.MaxAuditLog,
		events:   cfg.Events,
		logger:   cfg.Logger,
		auditLog: make([]Record, 0, cfg.MaxAuditLog),
		stats:    Stats{Decisions: make(map[Decision]int64)},
	}, nil
}

// Run handles messages from in until ctx is cancelled or in is closed.
// Each message is handled in its own goroutine, so a slow brain call
// does not hold up the next message. Replies are delivered in the order
// their brain calls complete. Run waits for in-flight handlers before
// returning.
func (r *Router) Run(ctx context.Context, in <-chan InboundMessage) error {
	defer r.inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.inFlight.Add(1)
			go func() {
				defer r.inFlight.Done()
				hctx, cancel := context.WithTimeout(ctx, r.timeout)
				defer cancel()
				r.Handle(hctx, msg)
			}()
		}
	}
}

// Handle routes one message end to end and returns the decision. It
// makes at most one brain call and sends at most one reply. Errors are
// logged, never returned.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) Decision {
	r.begin()
	defer r.end()

	r.events.Emit(events.SourceRouter, events.KindMessageReceived, map[string]any{
		"message_id": msg.ID,
		"path":       string(msg.Path),
		"self_sent":  msg.IsSelfSent,
		"body_len":   len(msg.Body),
	})

	rec := Record{
		MessageID: msg.ID,
		Timestamp: time.Now(),
		Path:      msg.Path,
		SelfSent:  msg.IsSelfSent,
	}
	rec.Decision = r.classify(msg)
	r.events.Emit(events.SourceRouter, events.KindDecision, map[string]any{
		"message_id": msg.ID,
		"decision":   string(rec.Decision),
	})

	if rec.Decision.Rejected() {
		r.logger.Debug("message rejected",
			"message_id", msg.ID,
			"from", msg.SenderID,
			"to", msg.RecipientID,
			"path", msg.Path,
			"decision", rec.Decision,
		)
		r.record(rec)
		return rec.Decision
	}

	r.deliver(ctx, msg, &rec)
	r.record(rec)
	return rec.Decision
}

// classify runs the checks that decide whether msg reaches the brain.
// Order matters: nothing here costs a network call.
func (r *Router) classify(msg InboundMessage) Decision {
	if msg.SenderID == BroadcastID {
		return RejectedBroadcast
	}
	if strings.TrimSpace(msg.Body) == "" {
		return RejectedEmptyBody
	}
	if d := r.resolver.Classify(msg); d.Rejected() {
		return d
	}

	selfOrigin := msg.IsSelfSent || msg.Path == PathSelfCreated
	if msg.IsSelfSent && r.self != nil {
		r.self.Learn(msg.SenderID)
	}
	if selfOrigin && r.guard.IsEcho(msg.Body) {
		return RejectedLoopEcho
	}
	if msg.Path == PathSelfCreated && !r.resolver.IsNoteToSelf(msg) {
		return RejectedNotNoteToSelf
	}
	return Accepted
}

// deliver calls the brain and sends the reply for an accepted message.
func (r *Router) deliver(ctx context.Context, msg InboundMessage, rec *Record) {
	start := time.Now()
	r.logger.Info("forwarding message",
		"message_id", msg.ID,
		"from", msg.SenderID,
		"path", msg.Path,
		"body_len", len(msg.Body),
	)

	text, err := r.forward.Forward(ctx, msg.Body, msg.SenderID)
	if err == nil && strings.TrimSpace(text) == "" {
		err = &brain.Error{Kind: brain.ErrMalformedResponse, Err: fmt.Errorf("empty reply")}
	}
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Outcome = "forward_failed"
		rec.ErrorKind = brain.KindOf(err)
		r.logger.Error("brain call failed",
			"message_id", msg.ID,
			"kind", rec.ErrorKind,
			"elapsed_ms", rec.LatencyMs,
			"error", err,
		)
		r.events.Emit(events.SourceRouter, events.KindForwardFailed, map[string]any{
			"message_id": msg.ID,
			"kind":       rec.ErrorKind,
			"elapsed_ms": rec.LatencyMs,
		})
		return
	}

	chat := msg.SenderID
	if msg.IsSelfSent {
		chat = msg.RecipientID
	}
	formatted := r.format(text)
	if strings.TrimSpace(formatted) == "" {
		r.logger.Warn("formatting emptied the reply, sending it unformatted", "message_id", msg.ID)
		formatted = text
	}
	out := r.guard.Mark(formatted)

	id, err := r.reply.Reply(ctx, chat, msg.ID, out)
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Outcome = "reply_failed"
		r.logger.Error("reply failed",
			"message_id", msg.ID,
			"chat", chat,
			"error", err,
		)
		r.events.Emit(events.SourceRouter, events.KindReplyFailed, map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return
	}

	rec.Outcome = "replied"
	r.logger.Info("reply sent",
		"message_id", msg.ID,
		"reply_id", id,
		"chat", chat,
		"reply_len", len(out),
		"elapsed_ms", rec.LatencyMs,
	)
	r.events.Emit(events.SourceRouter, events.KindReplySent, map[string]any{
		"message_id": msg.ID,
		"reply_id":   id,
		"reply_len":  len(out),
		"elapsed_ms": rec.LatencyMs,
	})
}

func (r *Router) begin() {
	r.mu.Lock()
	r.stats.InFlight++
	r.mu.Unlock()
}

func (r *Router) end() {
	r.mu.Lock()
	r.stats.InFlight--
	r.mu.Unlock()
}

// record adds rec to the audit log and updates the counters.
func (r *Router) record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.maxAudit {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, rec)

	r.stats.Received++
	r.stats.Decisions[rec.Decision]++
	switch rec.Outcome {
	case "replied":
		r.stats.Replies++
		r.stats.LastReplyAt = rec.Timestamp
		r.latencyMs += rec.LatencyMs
		r.stats.AvgLatencyMs = r.latencyMs / r.stats.Replies
	case "forward_failed":
		r.stats.ForwardErrors++
	case "reply_failed":
		r.stats.ReplyErrors++
	}
}

// AuditLog returns up to limit of the most recent records, oldest first.
// A limit of zero or less returns all of them.
func (r *Router) AuditLog(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	out := make([]Record, limit)
	copy(out, r.auditLog[len(r.auditLog)-limit:])
	return out
}

// Stats returns a copy of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	s.Decisions = make(map[Decision]int64, len(r.stats.Decisions))
	for k, v := range r.stats.Decisions {
		s.Decisions[k] = v
	}
	r.mu.Unlock()

	if r.self != nil {
		s.LearnedSelfIDs = r.self.All()
	}
	return s
}
