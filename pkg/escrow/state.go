// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package escrow

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of one escrowed item.
type State int

const (
	StateCreated State = iota
	StateSplitting
	StateDistributing
	StateDistributed
	StateAwaitingRelease
	StateReconstructing
	StateRevealed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSplitting:
		return "splitting"
	case StateDistributing:
		return "distributing"
	case StateDistributed:
		return "distributed"
	case StateAwaitingRelease:
		return "awaiting_release"
	case StateReconstructing:
		return "reconstructing"
	case StateRevealed:
		return "revealed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRevealed || s == StateFailed
}

// next lists the legal successors of each state other than Failed,
// which is reachable from every non-terminal state.
var next = map[State]State{
	StateCreated:         StateSplitting,
	StateSplitting:       StateDistributing,
	StateDistributing:    StateDistributed,
	StateDistributed:     StateAwaitingRelease,
	StateAwaitingRelease: StateReconstructing,
	StateReconstructing:  StateRevealed,
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Session tracks a single item through the protocol. Each commit or
// reveal owns its own session; sessions share nothing.
type Session struct {
	itemID string

	mu      sync.Mutex
	state   State
	cause   error
	history []Transition
}

// NewSession starts a session for itemID in StateCreated.
func NewSession(itemID string) *Session {
	return &Session{itemID: itemID, state: StateCreated}
}

// ResumeSession starts a buyer-side session for an item whose shares
// are already distributed.
func ResumeSession(itemID string) *Session {
	return &Session{itemID: itemID, state: StateAwaitingRelease}
}

// ItemID returns the item this session tracks.
func (s *Session) ItemID() string {
	return s.itemID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// History returns a copy of all transitions so far.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || next[s.state] != to || to == StateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.record(to)
	return nil
}

// fail moves the session to Failed and returns cause unchanged so callers
// can write `return nil, s.fail(err)`.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return cause
	}
	s.cause = cause
	s.record(StateFailed)
	return cause
}

func (s *Session) record(to State) {
	s.history = append(s.history, Transition{From: s.state, To: to, At: time.Now()})
	s.state = to
}
