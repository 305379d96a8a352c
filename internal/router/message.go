package router

import "time"

// Path says which transport event class delivered a message.
type Path string

const (
	// PathIncoming is the transport's ordinary inbound-message event.
	PathIncoming Path = "incoming"
	// PathSelfCreated is the message-created event that also fires for
	// messages the owner's own devices send. Notes to self only arrive
	// this way.
	PathSelfCreated Path = "self_created"
)

// InboundMessage is one message event handed to the Router. It is built
// per event and discarded after handling.
type InboundMessage struct {
	// ID is the transport message id, used to quote the reply.
	ID          string
	SenderID    string
	RecipientID string
	Body        string
	// IsSelfSent is set when the owner's account authored the message.
	IsSelfSent bool
	Timestamp  time.Time
	Path       Path
}

// Decision is the routing outcome for one message.
type Decision string

const (
	Accepted              Decision = "accepted"
	RejectedBroadcast     Decision = "rejected_broadcast"
	RejectedNotOwner      Decision = "rejected_not_owner"
	RejectedGroupChat     Decision = "rejected_group_chat"
	RejectedLoopEcho      Decision = "rejected_loop_echo"
	RejectedEmptyBody     Decision = "rejected_empty_body"
	RejectedNotNoteToSelf Decision = "rejected_not_note_to_self"
)

// Rejected reports whether d stops the message before the brain.
func (d Decision) Rejected() bool {
	return d != Accepted
}
