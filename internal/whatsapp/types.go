package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types delivered on Client.Events.
const (
	// EventQR carries a new pairing code in Event.QR.
	EventQR = "qr"
	// EventReady means the WhatsApp session is linked.
	EventReady = "ready"
	// EventDisconnected means the session was lost. Event.Reason says why.
	EventDisconnected = "disconnected"
	// EventChangeState relays a raw session state change in Event.State.
	EventChangeState = "change_state"
	// EventMessage is an ordinary inbound message.
	EventMessage = "message"
	// EventMessageCreate fires for every message created in the session,
	// including those the owner's own devices send.
	EventMessageCreate = "message_create"

	// EventBridgeUp is emitted by the client itself each time the
	// WebSocket to the sidecar is (re)established.
	EventBridgeUp = "bridge_up"
)

// ReasonBridgeLost is the Event.Reason of the synthetic disconnected
// event emitted when the WebSocket to the sidecar drops.
const ReasonBridgeLost = "bridge connection lost"

// Event is a notification from the sidecar.
type Event struct {
	Type    string   `json:"type"`
	QR      string   `json:"qr,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	State   string   `json:"state,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Message is a WhatsApp message as reported by the sidecar.
type Message struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Body   string `json:"body"`
	FromMe bool   `json:"fromMe"`
	// Type is the whatsapp-web.js message type: chat, vcard,
	// multi_vcard, image, ...
	Type string `json:"type"`
	// Timestamp is in Unix seconds.
	Timestamp int64    `json:"timestamp"`
	VCards    []string `json:"vCards,omitempty"`
}

// Time returns the message timestamp, or the zero time if unset.
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(m.Timestamp, 0)
}

// Text returns the routable text of a message. Contact cards are
// rendered to a one-line summary; everything else is the body.
func (m Message) Text() string {
	switch m.Type {
	case "vcard":
		if s := SummarizeVCard(m.Body); s != "" {
			return s
		}
	case "multi_vcard":
		var parts []string
		for _, card := range m.VCards {
			if s := SummarizeVCard(card); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return m.Body
}

// SessionInfo describes the linked account.
type SessionInfo struct {
	// WID is the session's own WhatsApp id, e.g. 15551234567@c.us.
	WID      string `json:"wid"`
	Pushname string `json:"pushname"`
	Platform string `json:"platform"`
}

type sendResult struct {
	ID string `json:"id"`
}

type historyResult struct {
	Messages []Message `json:"messages"`
}

// rpcRequest is a JSON-RPC 2.0 request sent to the sidecar.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcRaw is any frame from the sidecar: a response (has id) or a
// notification (has method).
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage
	Error  error
}

// RPCError is a JSON-RPC 2.0 error returned by the sidecar.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("whatsapp bridge error %d: %s", e.Code, e.Message)
}
