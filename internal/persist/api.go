// Package persist defines the document persistence contract the board store
// writes through, plus an HTTP client implementation. The store treats it as
// an opaque CRUD API: create returns the authoritative entity id, batch
// operations are independent per item, and failures surface as plain errors
// the caller resolves into optimistic rollbacks.
package persist

import (
	"context"
	"time"

	"github.com/teamboard/boardsync/internal/board"
)

// NotePatch is a partial note change. Nil fields are left untouched. An empty
// SectionID orphans the note; an empty Assignee unassigns it; a zero DueAt
// clears the due date.
type NotePatch struct {
	X         *float64   `json:"x,omitempty"`
	Y         *float64   `json:"y,omitempty"`
	Width     *float64   `json:"width,omitempty"`
	Height    *float64   `json:"height,omitempty"`
	Text      *string    `json:"text,omitempty"`
	Color     *string    `json:"color,omitempty"`
	SectionID *string    `json:"sectionId,omitempty"`
	Tags      *[]string  `json:"tags,omitempty"`
	DueAt     *time.Time `json:"dueAt,omitempty"`
	Assignee  *string    `json:"assignee,omitempty"`
	UpdatedBy *string    `json:"updatedBy,omitempty"`
}

// ApplyTo mutates the note in place with the patch's populated fields.
func (p NotePatch) ApplyTo(note *board.Note) {
	if p.X != nil {
		note.X = *p.X
	}
	if p.Y != nil {
		note.Y = *p.Y
	}
	if p.Width != nil {
		note.Width = *p.Width
	}
	if p.Height != nil {
		note.Height = *p.Height
	}
	if p.Text != nil {
		note.Text = *p.Text
	}
	if p.Color != nil {
		note.Color = *p.Color
	}
	if p.SectionID != nil {
		if *p.SectionID == "" {
			note.SectionID = nil
		} else {
			sectionID := *p.SectionID
			note.SectionID = &sectionID
		}
	}
	if p.Tags != nil {
		note.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.DueAt != nil {
		if p.DueAt.IsZero() {
			note.DueAt = nil
		} else {
			dueAt := *p.DueAt
			note.DueAt = &dueAt
		}
	}
	if p.Assignee != nil {
		note.Assignee = *p.Assignee
	}
	if p.UpdatedBy != nil {
		note.UpdatedBy = *p.UpdatedBy
	}
}

// SectionPatch is a partial section change. Nil fields are left untouched.
type SectionPatch struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Title  *string  `json:"title,omitempty"`
	Color  *string  `json:"color,omitempty"`
	ZIndex *int     `json:"zIndex,omitempty"`
}

// ApplyTo mutates the section in place with the patch's populated fields.
func (p SectionPatch) ApplyTo(section *board.Section) {
	if p.X != nil {
		section.X = *p.X
	}
	if p.Y != nil {
		section.Y = *p.Y
	}
	if p.Width != nil {
		section.Width = *p.Width
	}
	if p.Height != nil {
		section.Height = *p.Height
	}
	if p.Title != nil {
		section.Title = *p.Title
	}
	if p.Color != nil {
		section.Color = *p.Color
	}
	if p.ZIndex != nil {
		section.ZIndex = *p.ZIndex
	}
}

// NoteChange pairs a note id with a partial change for batch updates.
type NoteChange struct {
	NoteID string    `json:"id"`
	Patch  NotePatch `json:"patch"`
}

// Notification is a fire-and-forget dispatch to another user.
type Notification struct {
	Recipient string            `json:"recipient"`
	EventType string            `json:"eventType"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// API is the persistence and side-effect surface consumed by the board store.
type API interface {
	LookupBoard(ctx context.Context, projectRef string) (board.Board, error)

	ListNotes(ctx context.Context, boardID string) ([]board.Note, error)
	CreateNote(ctx context.Context, note board.Note) (board.Note, error)
	UpdateNote(ctx context.Context, note board.Note) error
	UpdateNotes(ctx context.Context, boardID string, changes []NoteChange) error
	DeleteNote(ctx context.Context, boardID, noteID string) error
	DeleteNotes(ctx context.Context, boardID string, noteIDs []string) error

	ListSections(ctx context.Context, boardID string) ([]board.Section, error)
	CreateSection(ctx context.Context, section board.Section) (board.Section, error)
	UpdateSection(ctx context.Context, section board.Section) error
	DeleteSection(ctx context.Context, boardID, sectionID string) error

	Notify(ctx context.Context, notification Notification) error
}
