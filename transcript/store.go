// Package transcript keeps the session-scoped transcript entries that the
// session state machine creates, updates and seals.
package transcript

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSealed   = errors.New("transcript entry is sealed")
	ErrNotFound = errors.New("transcript entry not found")
)

type Status string

const (
	StatusStreaming Status = "streaming"
	StatusFinal     Status = "final"
	StatusError     Status = "error"
)

type Author string

const (
	AuthorSystem Author = "system"
	AuthorUser   Author = "user"
)

type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	Favorite  bool      `json:"favorite"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sealed reports whether the entry has reached final or error.
func (e Entry) Sealed() bool {
	return e.Status == StatusFinal || e.Status == StatusError
}

// Observer is called with a copy of every entry after it changes. Observers
// run synchronously, outside the store's lock, in registration order.
type Observer func(Entry)

type Store struct {
	mu        sync.Mutex
	entries   []*Entry
	byID      map[string]*Entry
	observers []Observer
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		byID: make(map[string]*Entry),
		now:  time.Now,
	}
}

func (s *Store) Subscribe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) publish(e Entry) {
	s.mu.Lock()
	obs := s.observers
	s.mu.Unlock()
	for _, fn := range obs {
		fn(e)
	}
}

func (s *Store) add(text, sessionID string, status Status) string {
	now := s.now()
	e := &Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Author:    AuthorSystem,
		Text:      text,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	snap := *e
	s.mu.Unlock()

	s.publish(snap)
	return e.ID
}

// mutate applies fn to an open entry and publishes the result.
func (s *Store) mutate(id string, fn func(*Entry)) error {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Sealed() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSealed, id, e.Status)
	}
	fn(e)
	e.UpdatedAt = s.now()
	snap := *e
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// AddSystemStreaming opens a streaming entry and returns its id.
func (s *Store) AddSystemStreaming(text, sessionID string) string {
	return s.add(text, sessionID, StatusStreaming)
}

// AddSystemFinal creates an entry that is sealed from the start.
func (s *Store) AddSystemFinal(text, sessionID string) string {
	return s.add(text, sessionID, StatusFinal)
}

// AddSystemError creates a sealed error entry carrying message.
func (s *Store) AddSystemError(message, sessionID string) string {
	return s.add(message, sessionID, StatusError)
}

// UpdateText replaces the text of an open entry.
func (s *Store) UpdateText(id, text string) error {
	return s.mutate(id, func(e *Entry) { e.Text = text })
}

// FinalizeSystem sets the final text and seals the entry.
func (s *Store) FinalizeSystem(id, text string) error {
	return s.mutate(id, func(e *Entry) {
		e.Text = text
		e.Status = StatusFinal
	})
}

// FailSystem seals an open entry in error state. The partial text is kept
// and message is appended to it.
func (s *Store) FailSystem(id, message string) error {
	return s.mutate(id, func(e *Entry) {
		if e.Text == "" {
			e.Text = message
		} else if message != "" {
			e.Text = e.Text + " [" + message + "]"
		}
		e.Status = StatusError
	})
}

// ToggleFavorite flips the favorite flag. Sealed entries may be toggled.
func (s *Store) ToggleFavorite(id string) (bool, error) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Favorite = !e.Favorite
	snap := *e
	s.mu.Unlock()

	s.publish(snap)
	return snap.Favorite, nil
}

func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot in creation order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Session returns the entries of one session in creation order.
func (s *Store) Session(sessionID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, *e)
		}
	}
	return out
}
