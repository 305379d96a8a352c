// Package session holds the single authoritative readiness flag for the
// WhatsApp session and the pending pairing code, if any.
//
// State is written only by transport lifecycle events (pairing code
// issued, session ready, session disconnected). Every other component
// reads an immutable [Snapshot].
package session

import (
	"sync"
	"time"
)

// Phase names where the session is in its lifecycle.
type Phase string

const (
	// PhaseStarting is the initial phase before the transport reports
	// anything.
	PhaseStarting Phase = "starting"
	// PhasePairing means a pairing code is waiting to be scanned.
	PhasePairing Phase = "pairing"
	// PhaseReady means the session is linked and can send.
	PhaseReady Phase = "ready"
	// PhaseDisconnected means the transport reported a lost session.
	PhaseDisconnected Phase = "disconnected"
)

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Ready          bool
	PairingCode    string
	HasPairingCode bool
	Phase          Phase
	// Since is when the current phase was entered.
	Since time.Time
	// Reason is the last disconnect reason reported by the transport.
	Reason string
}

// Transition describes the effect of a Mark call. Changed is false when
// the call left the observable state untouched.
type Transition struct {
	From    Phase
	To      Phase
	Changed bool
}

// State is the process-wide session state. The zero value is not usable;
// call [New].
type State struct {
	mu      sync.RWMutex
	ready   bool
	code    string
	hasCode bool
	phase   Phase
	since   time.Time
	reason  string

	now func() time.Time
}

// New returns a State in the not-ready starting phase.
func New() *State {
	s := &State{now: time.Now}
	s.phase = PhaseStarting
	s.since = s.now()
	return s
}

// MarkPairingIssued records a fresh pairing code and clears readiness.
// Issuing the same code twice is a no-op; a new code replaces the old
// one and counts as a change.
func (s *State) MarkPairingIssued(code string) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Transition{From: s.phase, To: PhasePairing}
	if s.phase == PhasePairing && s.hasCode && s.code == code && !s.ready {
		return t
	}
	s.ready = false
	s.code = code
	s.hasCode = true
	s.enter(PhasePairing)
	t.Changed = true
	return t
}

// MarkReady sets the session ready and clears any pending pairing code.
func (s *State) MarkReady() Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Transition{From: s.phase, To: PhaseReady}
	if s.ready {
		return t
	}
	s.ready = true
	s.code = ""
	s.hasCode = false
	s.reason = ""
	s.enter(PhaseReady)
	t.Changed = true
	return t
}

// MarkDisconnected resets the session to not-ready. A pending pairing
// code is left alone; the transport issues a new one when it re-pairs.
func (s *State) MarkDisconnected(reason string) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := Transition{From: s.phase, To: PhaseDisconnected}
	if s.phase == PhaseDisconnected && !s.ready {
		s.reason = reason
		return t
	}
	s.ready = false
	s.reason = reason
	s.enter(PhaseDisconnected)
	t.Changed = true
	return t
}

// enter must be called with mu held.
func (s *State) enter(p Phase) {
	s.phase = p
	s.since = s.now()
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Ready:          s.ready,
		PairingCode:    s.code,
		HasPairingCode: s.hasCode,
		Phase:          s.phase,
		Since:          s.since,
		Reason:         s.reason,
	}
}

// Ready reports whether the session can send.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}
