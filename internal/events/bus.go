// Package events provides a publish/subscribe bus for operational
// observability. Session transitions, routing decisions and control-plane
// sends are published here and streamed to WebSocket subscribers (the
// analytics dashboard) and the MQTT counters. Publish on a nil *Bus is a
// no-op, so components hold an optional bus without guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies session lifecycle events.
	SourceSession = "session"
	// SourceRouter identifies message routing events.
	SourceRouter = "router"
	// SourceControl identifies control-plane operations.
	SourceControl = "control"
	// SourceHealth identifies dependency health transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindPairing signals a new pairing code was issued.
	// Data: phase_from.
	KindPairing = "pairing"
	// KindReady signals the session became ready.
	// Data: phase_from, self_id.
	KindReady = "ready"
	// KindDisconnected signals the session was lost.
	// Data: reason.
	KindDisconnected = "disconnected"
	// KindStateChange relays a raw transport state change.
	// Data: state.
	KindStateChange = "state_change"

	// KindMessageReceived signals an inbound message reached the router.
	// Data: message_id, path, self_sent, body_len.
	KindMessageReceived = "message_received"
	// KindDecision records how the router classified a message.
	// Data: message_id, decision.
	KindDecision = "decision"
	// KindForwardFailed signals a downstream call failed.
	// Data: message_id, kind, elapsed_ms.
	KindForwardFailed = "forward_failed"
	// KindReplySent signals a reply was delivered.
	// Data: message_id, reply_id, reply_len, elapsed_ms.
	KindReplySent = "reply_sent"
	// KindReplyFailed signals the transport rejected a reply.
	// Data: message_id, error.
	KindReplyFailed = "reply_failed"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"

	// KindSend signals an operator send through the control plane.
	// Data: to, ok.
	KindSend = "send"
	// KindHistory signals an operator history fetch.
	// Data: to, limit, count.
	KindHistory = "history"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a full subscriber misses events rather than
// stalling the router or the session pump.
type Bus struct {
	mu sync.RWMutex
	// subs maps the receive view handed out by Subscribe to the
	// channel the bus sends on.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Emit stamps and publishes an event. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber with room for it. Safe on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with the given
// buffer. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
