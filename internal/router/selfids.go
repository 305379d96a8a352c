package router

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// SelfIDNamespace is the opstate namespace for learned self identifiers.
const SelfIDNamespace = "whatsapp_self_ids"

// IDStore persists learned identifiers. *opstate.Store satisfies it.
type IDStore interface {
	Add(namespace, key, value string) (bool, error)
	List(namespace string) (map[string]string, error)
}

// SelfIDs is the set of addresses known to represent the owner's own
// session. WhatsApp shows the same account as a phone-number id, a
// linked-device id (@lid) and the session's own wid depending on which
// device produced the event, so note-to-self detection checks them all.
//
// Three sources feed it:
//   - the session id reported by the transport once ready
//   - ids learned from the sender of self-sent messages, persisted so
//     they survive restarts
//   - configured fallback ids, consulted only until the session id is
//     known
type SelfIDs struct {
	mu       sync.RWMutex
	session  string
	learned  map[string]struct{}
	fallback map[string]struct{}

	store  IDStore
	logger *slog.Logger
}

// NewSelfIDs loads previously learned ids from store. store may be nil,
// in which case nothing is persisted.
func NewSelfIDs(fallback []string, store IDStore, logger *slog.Logger) (*SelfIDs, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SelfIDs{
		learned:  make(map[string]struct{}),
		fallback: make(map[string]struct{}),
		store:    store,
		logger:   logger,
	}
	for _, id := range fallback {
		if id = strings.TrimSpace(id); id != "" {
			s.fallback[id] = struct{}{}
		}
	}
	if store == nil {
		return s, nil
	}

	saved, err := store.List(SelfIDNamespace)
	if err != nil {
		return nil, err
	}
	for id := range saved {
		s.learned[id] = struct{}{}
	}
	if len(saved) > 0 {
		logger.Debug("loaded learned self ids", "count", len(saved))
	}
	return s, nil
}

// SetSession records the transport-assigned session id. From then on
// the configured fallback ids no longer match.
func (s *SelfIDs) SetSession(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.mu.Lock()
	prev := s.session
	s.session = id
	s.mu.Unlock()

	if prev != id {
		s.logger.Info("self session id discovered", "self_id", id)
	}
	s.Learn(id)
}

// Session returns the transport session id, or "" before discovery.
func (s *SelfIDs) Session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Learn records id as a representation of the owner. Group and
// broadcast addresses are ignored. Returns true if id was new.
func (s *SelfIDs) Learn(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || id == BroadcastID || strings.Contains(id, GroupMarker) {
		return false
	}

	s.mu.Lock()
	if _, ok := s.learned[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.learned[id] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("learned self id", "self_id", id)
	if s.store != nil {
		if _, err := s.store.Add(SelfIDNamespace, id, time.Now().UTC().Format(time.RFC3339)); err != nil {
			s.logger.Warn("failed to persist self id", "self_id", id, "error", err)
		}
	}
	return true
}

// Contains reports whether id is a known self identifier.
func (s *SelfIDs) Contains(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session != "" && id == s.session {
		return true
	}
	if _, ok := s.learned[id]; ok {
		return true
	}
	if s.session == "" {
		_, ok := s.fallback[id]
		return ok
	}
	return false
}

// All returns the ids that currently match, sorted.
func (s *SelfIDs) All() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.learned)+1)
	for id := range s.learned {
		seen[id] = struct{}{}
	}
	if s.session != "" {
		seen[s.session] = struct{}{}
	} else {
		for id := range s.fallback {
			seen[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
