package server

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/alimasry/go-collab-docs/ot"
	"github.com/alimasry/go-collab-docs/store"
)

// Command types a client may send.
const (
	MsgCreate   = "create"
	MsgJoin     = "join"
	MsgLeave    = "leave"
	MsgOp       = "op"
	MsgState    = "state"
	MsgHistory  = "history"
	MsgSnapshot = "snapshot"
	MsgRestore  = "restore"
	MsgEnd      = "end"
	MsgPresence = "presence"
)

// Event types pushed to clients without a request.
const (
	EventOp          = "op"
	EventPresence    = "presence"
	EventParticipant = "participant"
	EventStatus      = "status"
)

var validate = validator.New()

// Command is one client request over the WebSocket.
type Command struct {
	Type        string        `json:"type" validate:"required,oneof=create join leave op state history snapshot restore end presence"`
	RequestID   string        `json:"requestId,omitempty" validate:"max=128"`
	SessionID   string        `json:"sessionId,omitempty" validate:"required_unless=Type create"`
	DocumentID  string        `json:"documentId,omitempty" validate:"required_if=Type create,max=256"`
	Role        store.Role    `json:"role,omitempty" validate:"required_if=Type join"`
	BaseVersion int           `json:"baseVersion" validate:"gte=0"`
	Op          *ot.Operation `json:"op,omitempty" validate:"required_if=Type op"`
	Limit       int           `json:"limit,omitempty" validate:"gte=0,lte=1000"`
	Version     int           `json:"version" validate:"gte=0"`
	Presence    *Presence     `json:"presence,omitempty" validate:"required_if=Type presence"`
}

// Validate checks the envelope before dispatch.
func (c *Command) Validate() error {
	return validate.Struct(c)
}

// Presence is a participant's cursor. It is relayed as-is and never
// versioned.
type Presence struct {
	Position  int        `json:"position" validate:"gte=0"`
	Selection *Selection `json:"selection,omitempty"`
}

// Selection is a highlighted range of characters.
type Selection struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gte=0"`
}

// Reply answers one Command.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	// Version is the session's current version when an operation is rejected.
	Version *int `json:"version,omitempty"`
}

// Event is pushed to every client in a session except Sender.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Sender    string          `json:"sender,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func newEvent(typ, sessionID, sender string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, SessionID: sessionID, Sender: sender, Data: raw}, nil
}

// OpEvent carries an accepted operation.
type OpEvent struct {
	Operation ot.VersionedOperation `json:"operation"`
	Version   int                   `json:"version"`
}

// PresenceEvent carries a participant's cursor.
type PresenceEvent struct {
	ClientInfo
	Presence
}

// ParticipantEvent reports a join or leave.
type ParticipantEvent struct {
	ClientInfo
	Event string `json:"event"`
}

// ClientInfo describes a connected user.
type ClientInfo struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Encode serializes a message to JSON bytes.
func Encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
