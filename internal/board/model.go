package board

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultNoteWidth is the width assigned to freshly spawned notes.
	DefaultNoteWidth = 200.0
	// DefaultNoteHeight is the height assigned to freshly spawned notes.
	DefaultNoteHeight = 140.0

	// PublicProjectRef backs boards opened without a project context.
	PublicProjectRef = "public"

	// TempIDPrefix marks client-generated identifiers awaiting server confirmation.
	TempIDPrefix = "temp-"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("board: invalid entity id")
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid board id")
)

// ValidateEntityID checks a note or section identifier against storage bounds.
func ValidateEntityID(rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return nil
}

// ValidateBoardID checks a board identifier against storage bounds.
func ValidateBoardID(rawInput string) error {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return nil
}

// IsTempID reports whether an identifier is a client-generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Actor identifies the user performing mutations on a board.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Note models a movable, resizable sticky annotation on a board.
//
// SectionID is denormalized from geometry: it must equal the id of the
// section whose rectangle contains the note's center, or be nil when no
// section contains it. ResolveContainment re-derives it at every mutation
// boundary that can change geometry.
type Note struct {
	ID        string     `gorm:"column:note_id;primaryKey;size:190;not null" json:"id"`
	BoardID   string     `gorm:"column:board_id;size:190;not null;index:idx_notes_board" json:"boardId"`
	X         float64    `gorm:"column:x;not null" json:"x"`
	Y         float64    `gorm:"column:y;not null" json:"y"`
	Width     float64    `gorm:"column:width;not null" json:"width"`
	Height    float64    `gorm:"column:height;not null" json:"height"`
	Text      string     `gorm:"column:text;type:text;not null;default:''" json:"text"`
	Color     string     `gorm:"column:color;size:16;not null;default:''" json:"color"`
	SectionID *string    `gorm:"column:section_id;size:190" json:"sectionId"`
	Tags      []string   `gorm:"column:tags;serializer:json" json:"tags,omitempty"`
	DueAt     *time.Time `gorm:"column:due_at" json:"dueAt,omitempty"`
	Assignee  string     `gorm:"column:assignee;size:190;not null;default:''" json:"assignee,omitempty"`
	CreatedBy string     `gorm:"column:created_by;size:190;not null;default:''" json:"createdBy"`
	UpdatedBy string     `gorm:"column:updated_by;size:190;not null;default:''" json:"updatedBy"`

	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null" json:"createdAtS"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null" json:"updatedAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "board_notes"
}

// Rect returns the note's axis-aligned bounding rectangle.
func (n Note) Rect() Rect {
	return Rect{X: n.X, Y: n.Y, Width: n.Width, Height: n.Height}
}

// Clone returns a deep copy of the note.
func (n Note) Clone() Note {
	copied := n
	if n.SectionID != nil {
		sectionID := *n.SectionID
		copied.SectionID = &sectionID
	}
	if n.DueAt != nil {
		dueAt := *n.DueAt
		copied.DueAt = &dueAt
	}
	if n.Tags != nil {
		copied.Tags = append([]string(nil), n.Tags...)
	}
	return copied
}

// Section models a colored rectangular grouping region rendered beneath notes.
type Section struct {
	ID      string  `gorm:"column:section_id;primaryKey;size:190;not null" json:"id"`
	BoardID string  `gorm:"column:board_id;size:190;not null;index:idx_sections_board" json:"boardId"`
	X       float64 `gorm:"column:x;not null" json:"x"`
	Y       float64 `gorm:"column:y;not null" json:"y"`
	Width   float64 `gorm:"column:width;not null" json:"width"`
	Height  float64 `gorm:"column:height;not null" json:"height"`
	Title   string  `gorm:"column:title;size:190;not null;default:''" json:"title"`
	Color   string  `gorm:"column:color;size:16;not null;default:''" json:"color"`
	ZIndex  int     `gorm:"column:z_index;not null;default:0" json:"zIndex"`

	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null" json:"createdAtS"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null" json:"updatedAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Section) TableName() string {
	return "board_sections"
}

// Rect returns the section's axis-aligned bounding rectangle.
func (s Section) Rect() Rect {
	return Rect{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height}
}

// Board is the top-level collaboration scope. Exactly one board exists per
// external project reference; boards without a project context share the
// public fallback reference.
type Board struct {
	ID         string `gorm:"column:board_id;primaryKey;size:190;not null" json:"id"`
	ProjectRef string `gorm:"column:project_ref;size:190;not null;uniqueIndex:idx_boards_project_ref" json:"projectRef"`
	Title      string `gorm:"column:title;size:190;not null;default:''" json:"title"`

	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null" json:"createdAtS"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}
