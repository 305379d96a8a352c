package router

import "strings"

const (
	// BroadcastID is the status/broadcast pseudo-address.
	BroadcastID = "status@broadcast"
	// GroupMarker is the address suffix of group conversations.
	GroupMarker = "@g.us"
)

// Resolver decides whether a message belongs to the owner.
type Resolver struct {
	owner string
	self  *SelfIDs
}

// NewResolver returns a Resolver for owner. self may be nil.
func NewResolver(owner string, self *SelfIDs) *Resolver {
	return &Resolver{owner: owner, self: self}
}

// Classify applies the ownership rules: broadcast traffic is dropped,
// the sender must be the owner (by prefix or because the owner's own
// device sent it) and group conversations are out of scope.
func (r *Resolver) Classify(msg InboundMessage) Decision {
	if msg.SenderID == BroadcastID {
		return RejectedBroadcast
	}

	ownerOriginated := msg.IsSelfSent || (r.owner != "" && strings.HasPrefix(msg.SenderID, r.owner))
	group := strings.Contains(msg.SenderID, GroupMarker)

	switch {
	case group:
		return RejectedGroupChat
	case !ownerOriginated:
		return RejectedNotOwner
	}
	return Accepted
}

// IsNoteToSelf reports whether msg was addressed to the owner's own
// chat. Any one of the representations matching is enough.
func (r *Resolver) IsNoteToSelf(msg InboundMessage) bool {
	to := msg.RecipientID
	if to == "" {
		return false
	}
	if to == msg.SenderID {
		return true
	}
	if r.owner != "" && strings.HasPrefix(to, r.owner) {
		return true
	}
	return r.self != nil && r.self.Contains(to)
}
