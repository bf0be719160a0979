// Package session tracks the processing state of chat interactions. Every
// write is a field-level merge applied under a per-key lock.
package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound means no message has been received for the session yet.
	ErrNotFound = errors.New("session: not found")
	// ErrStaleTurn is returned for updates addressed to a superseded turn.
	ErrStaleTurn = errors.New("session: stale turn")
	// ErrEmptyID is returned for updates without a session ID.
	ErrEmptyID = errors.New("session: empty id")
)

// State is the processing state of the current turn.
type State string

const (
	StateSubmitted       State = "submitted"
	StateAwaitingSandbox State = "awaiting_e2b"
	StateExecuting       State = "e2b_executing"
	StateCompleted       State = "completed"
	StateError           State = "error"
)

func (s State) rank() int {
	switch s {
	case StateAwaitingSandbox:
		return 1
	case StateExecuting:
		return 2
	case StateCompleted, StateError:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transition is expected this turn.
func (s State) Terminal() bool { return s == StateCompleted || s == StateError }

// Session is a snapshot of one chat interaction.
type Session struct {
	ID       string `json:"sessionId"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	State    State  `json:"state"`
	// Turn increments with every inbound message on the session.
	Turn             int                 `json:"turn"`
	LastInbound      string              `json:"lastMessage,omitempty"`
	LastOutbound     string              `json:"response,omitempty"`
	ResponseRecorded bool                `json:"-"`
	RequiresSandbox  bool                `json:"requiresSandbox"`
	ExecutionStarted bool                `json:"executionStarted"`
	SandboxID        string              `json:"sandboxId,omitempty"`
	Error            string              `json:"error,omitempty"`
	Transitions      map[State]time.Time `json:"transitions"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func (s *Session) clone() Session {
	out := *s
	out.Transitions = make(map[State]time.Time, len(s.Transitions))
	for k, v := range s.Transitions {
		out.Transitions[k] = v
	}
	return out
}

// Update is a partial write. Nil pointers leave fields untouched.
type Update struct {
	// BeginTurn records a new inbound message and resets per-turn fields.
	// It creates the session when it does not exist.
	BeginTurn bool
	Inbound   string
	UserID    *string
	TenantID  *string

	// Turn addresses the update; zero means the current turn.
	Turn             int
	Outbound         *string
	RequiresSandbox  *bool
	SandboxID        *string
	ExecutionStarted bool
	Error            *string
}

// Ptr is a helper for building Updates.
func Ptr[T any](v T) *T { return &v }

// apply merges u into s and recomputes the state. now stamps transitions.
func (s *Session) apply(u Update, now time.Time) {
	if u.UserID != nil && *u.UserID != "" {
		s.UserID = *u.UserID
	}
	if u.TenantID != nil && *u.TenantID != "" {
		s.TenantID = *u.TenantID
	}
	if u.BeginTurn {
		if !s.CreatedAt.IsZero() {
			s.Turn++
		} else {
			s.CreatedAt = now
			s.Turn = 1
		}
		s.LastInbound = u.Inbound
		s.LastOutbound = ""
		s.ResponseRecorded = false
		s.RequiresSandbox = false
		s.ExecutionStarted = false
		s.SandboxID = ""
		s.Error = ""
		s.State = StateSubmitted
		s.Transitions = map[State]time.Time{StateSubmitted: now}
		s.UpdatedAt = now
		return
	}

	terminal := s.State.Terminal()
	if u.SandboxID != nil && *u.SandboxID != "" {
		s.SandboxID = *u.SandboxID
	}
	if u.ExecutionStarted {
		s.ExecutionStarted = true
	}
	// Responses arriving after the turn settled are late intermediates.
	if u.Outbound != nil && !terminal {
		s.LastOutbound = *u.Outbound
		s.ResponseRecorded = true
		s.RequiresSandbox = u.RequiresSandbox != nil && *u.RequiresSandbox
	}
	if u.Error != nil && *u.Error != "" && !terminal {
		s.Error = *u.Error
	}

	next := s.derive()
	if next.rank() > s.State.rank() || (next.rank() == s.State.rank() && !terminal) {
		if next != s.State {
			s.Transitions[next] = now
		}
		s.State = next
	}
	s.UpdatedAt = now
}

func (s *Session) derive() State {
	switch {
	case s.Error != "":
		return StateError
	case s.ResponseRecorded && !s.RequiresSandbox:
		return StateCompleted
	case s.ExecutionStarted:
		return StateExecuting
	case s.ResponseRecorded:
		return StateAwaitingSandbox
	default:
		return StateSubmitted
	}
}
