// Package realtime defines the board event contract and carries it over a
// shared bidirectional websocket connection per client, with a server-side
// hub arbitrating board rooms, locks and presence.
package realtime

import (
	"encoding/json"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/locks"
)

// Event names exchanged between clients and the hub. Entity payloads always
// carry server-confirmed identifiers; temporary client ids never cross the
// wire.
const (
	EventJoinBoard        = "join-board"
	EventCreateNote       = "create-note"
	EventUpdateNote       = "update-note"
	EventDeleteNote       = "delete-note"
	EventDeleteNotesBatch = "delete-notes-batch"
	EventCreateSection    = "create-section"
	EventUpdateSection    = "update-section"
	EventDeleteSection    = "delete-section"
	EventRequestLock      = "request-lock"
	EventReleaseLock      = "release-lock"
	EventLockGranted      = "lock-granted"
	EventLockReleased     = "lock-released"
	EventSelection        = "selection"
	EventClearSelection   = "clear-selection"
	EventBoardResync      = "board-resync"
	EventPresence         = "presence"
)

// Envelope frames every websocket message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a payload into a framed message.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// JoinPayload opens a board room subscription for the connection.
type JoinPayload struct {
	BoardID string `json:"boardId"`
	ConnID  string `json:"connId"`
}

// NotePayload carries a full note for create and update events.
type NotePayload struct {
	BoardID string     `json:"boardId"`
	Note    board.Note `json:"note"`
}

// SectionPayload carries a full section for create and update events.
type SectionPayload struct {
	BoardID string        `json:"boardId"`
	Section board.Section `json:"section"`
}

// DeletePayload identifies a single deleted entity.
type DeletePayload struct {
	BoardID  string `json:"boardId"`
	EntityID string `json:"entityId"`
}

// BatchDeletePayload identifies a batch of deleted notes.
type BatchDeletePayload struct {
	BoardID string   `json:"boardId"`
	NoteIDs []string `json:"noteIds"`
}

// LockRequestPayload asks the hub to grant or release an entity lock.
type LockRequestPayload struct {
	BoardID  string `json:"boardId"`
	EntityID string `json:"entityId"`
}

// LockPayload announces a grant or release to all board subscribers.
type LockPayload struct {
	BoardID string     `json:"boardId"`
	Lock    locks.Lock `json:"lock"`
}

// SelectionPayload broadcasts a peer's current selection for presence UI.
// It plays no part in locking.
type SelectionPayload struct {
	BoardID    string   `json:"boardId"`
	EntityIDs  []string `json:"entityIds"`
	ActorID    string   `json:"actorId"`
	ActorName  string   `json:"actorName"`
	ActorColor string   `json:"actorColor"`
	ConnID     string   `json:"connId"`
}

// ResyncPayload replaces a client's board state wholesale.
type ResyncPayload struct {
	BoardID  string          `json:"boardId"`
	Notes    []board.Note    `json:"notes"`
	Sections []board.Section `json:"sections"`
}

// Viewer describes one connection currently subscribed to a board.
type Viewer struct {
	ActorID    string `json:"actorId"`
	ActorName  string `json:"actorName"`
	ActorColor string `json:"actorColor"`
	ConnID     string `json:"connId"`
}

// PresencePayload is the full roster of connections viewing a board.
type PresencePayload struct {
	BoardID string   `json:"boardId"`
	Viewers []Viewer `json:"viewers"`
}

// Broadcaster is the outbound half of the transport consumed by the mutation
// engine: it emits confirmed mutations to the other subscribers of the
// current board.
type Broadcaster interface {
	Emit(event string, payload any) error
	ConnID() string
}
