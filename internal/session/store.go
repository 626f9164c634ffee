// Package session keeps the per-user conversation history the relay feeds
// back into every completion request. History lives in process memory only and
// ages out turn by turn.
package session

import (
	"sync"
	"time"

	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

// DefaultExpiry is how long a single turn stays in a session.
const DefaultExpiry = time.Hour

// Turn is one role-tagged message in a session. Turns are never modified
// after they are appended.
type Turn struct {
	Role      prompt.Role
	Content   string
	CreatedAt time.Time
}

type userSession struct {
	mu    sync.Mutex
	turns []Turn
}

// Store owns every user's turn history. It is safe for concurrent use;
// operations for one user are serialized and never wait on another user.
type Store struct {
	systemPrompt string
	expiry       time.Duration
	maxTurns     int
	now          func() time.Time

	mu       sync.Mutex
	sessions map[int64]*userSession
}

// Option configures a Store.
type Option func(*Store)

// WithExpiry sets the per-turn expiry window. Non-positive values are ignored.
func WithExpiry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithMaxTurns caps the number of turns kept per user; the oldest turns are
// dropped first. Zero means no cap.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store that prefixes every snapshot with systemPrompt.
func NewStore(systemPrompt string, opts ...Option) *Store {
	s := &Store{
		systemPrompt: systemPrompt,
		expiry:       DefaultExpiry,
		now:          time.Now,
		sessions:     make(map[int64]*userSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SystemPrompt returns the prompt every snapshot starts with.
func (s *Store) SystemPrompt() string {
	return s.systemPrompt
}

// Expiry returns the per-turn expiry window.
func (s *Store) Expiry() time.Duration {
	return s.expiry
}

// session returns the user's session, creating it on first use. The map lock
// is held only for the lookup.
func (s *Store) session(userID int64) *userSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[userID]
	if !ok {
		us = &userSession{}
		s.sessions[userID] = us
	}
	return us
}

// Append adds a turn at the end of the user's history and then drops every
// turn that has reached the expiry window.
func (s *Store) Append(userID int64, role prompt.Role, content string) {
	us := s.session(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	now := s.now()
	us.turns = append(us.turns, Turn{Role: role, Content: content, CreatedAt: now})

	kept := us.turns[:0]
	for _, t := range us.turns {
		if now.Sub(t.CreatedAt) < s.expiry {
			kept = append(kept, t)
		}
	}
	// Clear the tail so dropped contents can be collected.
	for i := len(kept); i < len(us.turns); i++ {
		us.turns[i] = Turn{}
	}
	us.turns = kept

	if s.maxTurns > 0 && len(us.turns) > s.maxTurns {
		trimmed := make([]Turn, s.maxTurns)
		copy(trimmed, us.turns[len(us.turns)-s.maxTurns:])
		us.turns = trimmed
	}
}

// Reset empties the user's history.
func (s *Store) Reset(userID int64) {
	us := s.session(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	us.turns = nil
}

// SnapshotPrompt returns the system prompt followed by the user's turns in
// insertion order. It does not prune: turns that expired since the last
// Append stay visible until the next one.
func (s *Store) SnapshotPrompt(userID int64) []prompt.Message {
	var history []prompt.Message

	s.mu.Lock()
	us, ok := s.sessions[userID]
	s.mu.Unlock()
	if ok {
		us.mu.Lock()
		history = make([]prompt.Message, 0, len(us.turns))
		for _, t := range us.turns {
			history = append(history, prompt.Message{Role: t.Role, Content: t.Content})
		}
		us.mu.Unlock()
	}
	return prompt.Assemble(s.systemPrompt, history)
}

// Len returns the number of turns currently stored for the user.
func (s *Store) Len(userID int64) int {
	s.mu.Lock()
	us, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.turns)
}

// Stats summarizes the store.
type Stats struct {
	Sessions int `json:"sessions"`
	Turns    int `json:"turns"`
}

// Stats counts non-empty sessions and their turns. Each session is read under
// its own lock, so the totals are not a single consistent snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	all := make([]*userSession, 0, len(s.sessions))
	for _, us := range s.sessions {
		all = append(all, us)
	}
	s.mu.Unlock()

	var st Stats
	for _, us := range all {
		us.mu.Lock()
		n := len(us.turns)
		us.mu.Unlock()
		if n > 0 {
			st.Sessions++
			st.Turns += n
		}
	}
	return st
}
