// Package session sequences edits to a shared document. An Orchestrator owns
// every session's participants, history and version counter, and applies
// operations one at a time per session.
package session

import (
	"fmt"
	"time"

	"github.com/alimasry/go-collab-docs/store"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusEnded    Status = "ended"
	StatusArchived Status = "archived"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusEnded},
	StatusPaused: {StatusActive, StatusEnded},
	StatusEnded:  {StatusArchived},
}

// CanTransition reports whether a session may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the session still holds its document.
// At most one open session exists per document.
func (s Status) Open() bool { return s == StatusActive || s == StatusPaused }

// Participant is a user's membership record in a session. Records are
// never removed; leaving only marks them inactive.
type Participant struct {
	UserID   string     `json:"userId"`
	Role     store.Role `json:"role"`
	Active   bool       `json:"active"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// Session is one collaborative editing session over a document.
//
// CurrentVersion always equals the version of the last accepted operation,
// or StartVersion when none has been accepted. StartVersion is the document
// version when the session was created, so versions carry on across
// sessions of the same document.
type Session struct {
	ID             string        `json:"id"`
	DocumentID     string        `json:"documentId"`
	OwnerID        string        `json:"ownerId"`
	Participants   []Participant `json:"participants"`
	CurrentVersion int           `json:"currentVersion"`
	StartVersion   int           `json:"startVersion"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		if p.LeftAt != nil {
			left := *p.LeftAt
			p.LeftAt = &left
		}
		cp.Participants[i] = p
	}
	return &cp
}

// Participant returns the record for userID, active or not.
func (s *Session) Participant(userID string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// ActiveParticipants returns the number of participants currently present.
func (s *Session) ActiveParticipants() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

func (s *Session) transition(next Status, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}
