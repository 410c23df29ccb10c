package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
)

// Durable layout, one record per session:
//
//	sessions/<personalityId>/<sessionId>        metadata (Record)
//	sessions/<personalityId>/<sessionId>/turns  turn history ([]Turn)
const (
	RecordsRoot  = "sessions"
	turnsSegment = "turns"
)

// Record is the flat metadata document persisted for each session.
type Record struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	PersonalityID       string     `json:"personality_id"`
	ComposedInstruction string     `json:"composed_instruction"`
	Status              Status     `json:"status"`
	TurnCount           int        `json:"turn_count"`
	CreatedAt           time.Time  `json:"created_at"`
	LastActivityAt      time.Time  `json:"last_activity_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
}

const recordSchemaJSON = `{
  "type": "object",
  "required": ["id", "owner_id", "personality_id", "status", "turn_count", "created_at", "last_activity_at"],
  "properties": {
    "id":                   {"type": "string", "minLength": 1},
    "owner_id":             {"type": "string", "minLength": 1},
    "personality_id":       {"type": "string", "minLength": 1},
    "composed_instruction": {"type": "string"},
    "status":               {"enum": ["active", "ended"]},
    "turn_count":           {"type": "integer", "minimum": 0},
    "created_at":           {"type": "string", "minLength": 1},
    "last_activity_at":     {"type": "string", "minLength": 1},
    "ended_at":             {"type": "string", "minLength": 1}
  },
  "if":   {"properties": {"status": {"const": "ended"}}},
  "then": {"required": ["ended_at"]}
}`

var recordSchema = jsonschema.MustCompileString("session-record.json", recordSchemaJSON)

// RecordPath returns the metadata path of a session.
func RecordPath(personalityID, sessionID string) (string, error) {
	return durable.Join(RecordsRoot, personalityID, sessionID)
}

// TurnsPath returns the turn history path of a session.
func TurnsPath(personalityID, sessionID string) (string, error) {
	return durable.Join(RecordsRoot, personalityID, sessionID, turnsSegment)
}

// RecordRef identifies a stored path under RecordsRoot.
type RecordRef struct {
	PersonalityID string
	SessionID     string
	// Turns is set for the turn history path.
	Turns bool
}

// ParseRecordPath classifies a path returned by durable.Store.List.
func ParseRecordPath(path string) (RecordRef, bool) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 || parts[0] != RecordsRoot {
		return RecordRef{}, false
	}
	ref := RecordRef{PersonalityID: parts[1], SessionID: parts[2]}
	switch {
	case len(parts) == 3:
		return ref, true
	case len(parts) == 4 && parts[3] == turnsSegment:
		ref.Turns = true
		return ref, true
	}
	return RecordRef{}, false
}

func recordOf(s Session) Record {
	return Record{
		ID:                  s.ID,
		OwnerID:             s.OwnerID,
		PersonalityID:       s.PersonalityID,
		ComposedInstruction: s.ComposedInstruction,
		Status:              s.Status,
		TurnCount:           s.TurnCount,
		CreatedAt:           s.CreatedAt.UTC(),
		LastActivityAt:      s.LastActivityAt.UTC(),
		EndedAt:             s.EndedAt,
	}
}

// DecodeRecord parses and validates a metadata document. Any problem is
// reported as ErrInvariantViolation.
func DecodeRecord(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("%w: decode record: %v", ErrInvariantViolation, err)
	}
	if err := recordSchema.Validate(doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode record: %v", ErrInvariantViolation, err)
	}
	return rec, nil
}

// EncodeTurns renders a turn history document.
func EncodeTurns(turns []Turn) ([]byte, error) {
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(turns)
}

// DecodeTurns parses a turn history document.
func DecodeTurns(raw []byte) ([]Turn, error) {
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("%w: decode turns: %v", ErrInvariantViolation, err)
	}
	return turns, nil
}
