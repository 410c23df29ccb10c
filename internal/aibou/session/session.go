// Package session owns per-user conversation state: the in-process session
// table, the bounded turn window, reply pacing and the outbox that mirrors
// session records into the durable store.
package session

import (
	"errors"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/persona"
)

var (
	// ErrSessionNotFound is returned for ids the table does not hold.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionEnded is returned when sending to an ended session.
	ErrSessionEnded = errors.New("session: already ended")
	// ErrGenerationFailed wraps any generation failure, including timeouts.
	ErrGenerationFailed = errors.New("session: generation failed")
	// ErrInvalidInput is returned for blank owners or messages outside the length bounds.
	ErrInvalidInput = errors.New("session: invalid input")
	// ErrInvariantViolation marks a persisted record that fails validation.
	ErrInvariantViolation = errors.New("session: invariant violation")
)

// Speaker tags who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Status is the lifecycle state of a session. It only moves active → ended.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason records why a session ended.
type EndReason string

const (
	ReasonRequested EndReason = "requested"
	ReasonExpired   EndReason = "expired"
)

// Turn is one message in a session.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a point-in-time copy of one conversation. Values returned by
// the table never alias its internal state.
type Session struct {
	ID            string
	OwnerID       string
	PersonalityID string
	// ComposedInstruction is computed once at creation.
	ComposedInstruction string
	// Params are the template's generation parameters, captured at creation.
	Params persona.Params
	Turns  []Turn
	// TurnCount counts completed exchanges and never decreases.
	TurnCount      int
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// Active reports whether the session still accepts messages.
func (s Session) Active() bool { return s.Status == StatusActive }

func (s Session) clone() Session {
	out := s
	out.Turns = append([]Turn(nil), s.Turns...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Reply is the outcome of AppendAndRespond.
type Reply struct {
	Text      string
	TurnCount int
	// Delay is the pacing delay applied before the reply was recorded.
	Delay time.Duration
	// Discarded is set when the session ended while the reply was being
	// generated; Text is empty and nothing was appended.
	Discarded bool
}
