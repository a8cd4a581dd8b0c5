// Package storage is the document persistence service behind the board CRUD
// API: notes, sections and boards keyed by board id, plus the notification
// ledger.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/persist"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNotFound reports a lookup against an unknown entity.
	ErrNotFound = errors.New("storage: entity not found")
	noOpLogger  = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "storage.service.new"
	opLookupBoard   = "storage.lookup_board"
	opListNotes     = "storage.list_notes"
	opCreateNote    = "storage.create_note"
	opUpdateNote    = "storage.update_note"
	opUpdateNotes   = "storage.update_notes"
	opDeleteNote    = "storage.delete_note"
	opDeleteNotes   = "storage.delete_notes"
	opListSections  = "storage.list_sections"
	opCreateSection = "storage.create_section"
	opUpdateSection = "storage.update_section"
	opDeleteSection = "storage.delete_section"
	opSaveNotice    = "storage.save_notification"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notification is the persisted record of a fire-and-forget dispatch.
type Notification struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	Recipient        string `gorm:"column:recipient;size:190;not null;index:idx_notifications_recipient"`
	EventType        string `gorm:"column:event_type;size:190;not null"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// ServiceConfig assembles the persistence service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider board.IDProvider
	Logger     *zap.Logger
}

// Service implements the document CRUD operations the REST layer exposes.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider board.IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LookupBoard finds or creates the board backing an external project
// reference. An empty reference falls back to the shared public board.
func (s *Service) LookupBoard(ctx context.Context, projectRef string) (board.Board, error) {
	ref := strings.TrimSpace(projectRef)
	if ref == "" {
		ref = board.PublicProjectRef
	}

	var existing board.Board
	err := s.db.WithContext(ctx).Where("project_ref = ?", ref).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opLookupBoard, "query_failed", err, zap.String("project_ref", ref))
		return board.Board{}, newServiceError(opLookupBoard, "query_failed", err)
	}

	boardID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opLookupBoard, "id_generation_failed", err)
		return board.Board{}, newServiceError(opLookupBoard, "id_generation_failed", err)
	}
	created := board.Board{
		ID:               boardID,
		ProjectRef:       ref,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		// A concurrent lookup may have created it first.
		var raced board.Board
		if takeErr := s.db.WithContext(ctx).Where("project_ref = ?", ref).Take(&raced).Error; takeErr == nil {
			return raced, nil
		}
		s.logError(opLookupBoard, "create_failed", err, zap.String("project_ref", ref))
		return board.Board{}, newServiceError(opLookupBoard, "create_failed", err)
	}
	return created, nil
}

// ListNotes returns all notes on the board.
func (s *Service) ListNotes(ctx context.Context, boardID string) ([]board.Note, error) {
	if err := board.ValidateBoardID(boardID); err != nil {
		return nil, newServiceError(opListNotes, "invalid_board_id", err)
	}
	var notes []board.Note
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("created_at_s ASC").
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("board_id", boardID))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return notes, nil
}

// CreateNote persists a note under a fresh authoritative id, discarding any
// client-supplied temporary id.
func (s *Service) CreateNote(ctx context.Context, note board.Note) (board.Note, error) {
	if err := board.ValidateBoardID(note.BoardID); err != nil {
		return board.Note{}, newServiceError(opCreateNote, "invalid_board_id", err)
	}
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err)
		return board.Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	note.ID = noteID
	note.CreatedAtSeconds = now
	note.UpdatedAtSeconds = now
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String("board_id", note.BoardID))
		return board.Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}
	return note, nil
}

// UpdateNote overwrites a note document.
func (s *Service) UpdateNote(ctx context.Context, note board.Note) error {
	if err := board.ValidateEntityID(note.ID); err != nil {
		return newServiceError(opUpdateNote, "invalid_note_id", err)
	}
	note.UpdatedAtSeconds = s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Where("note_id = ? AND board_id = ?", note.ID, note.BoardID).
		Select("*").
		Omit("note_id", "board_id", "created_at_s").
		Updates(&note)
	if result.Error != nil {
		s.logError(opUpdateNote, "update_failed", result.Error, zap.String("note_id", note.ID))
		return newServiceError(opUpdateNote, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opUpdateNote, "not_found", ErrNotFound)
	}
	return nil
}

// UpdateNotes applies a list of partial changes. Items are independent:
// a failure on one is logged and recorded while the rest still apply.
func (s *Service) UpdateNotes(ctx context.Context, boardID string, changes []persist.NoteChange) error {
	if err := board.ValidateBoardID(boardID); err != nil {
		return newServiceError(opUpdateNotes, "invalid_board_id", err)
	}
	now := s.clock().UTC().Unix()
	var failures int
	for _, change := range changes {
		var existing board.Note
		err := s.db.WithContext(ctx).
			Where("note_id = ? AND board_id = ?", change.NoteID, boardID).
			Take(&existing).Error
		if err != nil {
			failures++
			s.logError(opUpdateNotes, "note_select_failed", err,
				zap.String("board_id", boardID),
				zap.String("note_id", change.NoteID))
			continue
		}
		change.Patch.ApplyTo(&existing)
		existing.UpdatedAtSeconds = now
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			failures++
			s.logError(opUpdateNotes, "note_save_failed", err,
				zap.String("board_id", boardID),
				zap.String("note_id", change.NoteID))
		}
	}
	if failures == len(changes) && failures > 0 {
		return newServiceError(opUpdateNotes, "all_items_failed", ErrNotFound)
	}
	return nil
}

// DeleteNote removes a note document.
func (s *Service) DeleteNote(ctx context.Context, boardID, noteID string) error {
	if err := board.ValidateEntityID(noteID); err != nil {
		return newServiceError(opDeleteNote, "invalid_note_id", err)
	}
	result := s.db.WithContext(ctx).
		Where("note_id = ? AND board_id = ?", noteID, boardID).
		Delete(&board.Note{})
	if result.Error != nil {
		s.logError(opDeleteNote, "delete_failed", result.Error, zap.String("note_id", noteID))
		return newServiceError(opDeleteNote, "delete_failed", result.Error)
	}
	return nil
}

// DeleteNotes removes a batch of notes by id list.
func (s *Service) DeleteNotes(ctx context.Context, boardID string, noteIDs []string) error {
	if err := board.ValidateBoardID(boardID); err != nil {
		return newServiceError(opDeleteNotes, "invalid_board_id", err)
	}
	if len(noteIDs) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Where("board_id = ? AND note_id IN ?", boardID, noteIDs).
		Delete(&board.Note{})
	if result.Error != nil {
		s.logError(opDeleteNotes, "delete_failed", result.Error,
			zap.String("board_id", boardID),
			zap.Int("notes", len(noteIDs)))
		return newServiceError(opDeleteNotes, "delete_failed", result.Error)
	}
	return nil
}

// ListSections returns all sections on the board.
func (s *Service) ListSections(ctx context.Context, boardID string) ([]board.Section, error) {
	if err := board.ValidateBoardID(boardID); err != nil {
		return nil, newServiceError(opListSections, "invalid_board_id", err)
	}
	var sections []board.Section
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("z_index ASC").
		Find(&sections).Error; err != nil {
		s.logError(opListSections, "query_failed", err, zap.String("board_id", boardID))
		return nil, newServiceError(opListSections, "query_failed", err)
	}
	return sections, nil
}

// CreateSection persists a section under a fresh authoritative id.
func (s *Service) CreateSection(ctx context.Context, section board.Section) (board.Section, error) {
	if err := board.ValidateBoardID(section.BoardID); err != nil {
		return board.Section{}, newServiceError(opCreateSection, "invalid_board_id", err)
	}
	sectionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSection, "id_generation_failed", err)
		return board.Section{}, newServiceError(opCreateSection, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	section.ID = sectionID
	section.CreatedAtSeconds = now
	section.UpdatedAtSeconds = now
	if err := s.db.WithContext(ctx).Create(&section).Error; err != nil {
		s.logError(opCreateSection, "insert_failed", err, zap.String("board_id", section.BoardID))
		return board.Section{}, newServiceError(opCreateSection, "insert_failed", err)
	}
	return section, nil
}

// UpdateSection overwrites a section document.
func (s *Service) UpdateSection(ctx context.Context, section board.Section) error {
	if err := board.ValidateEntityID(section.ID); err != nil {
		return newServiceError(opUpdateSection, "invalid_section_id", err)
	}
	section.UpdatedAtSeconds = s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Where("section_id = ? AND board_id = ?", section.ID, section.BoardID).
		Select("*").
		Omit("section_id", "board_id", "created_at_s").
		Updates(&section)
	if result.Error != nil {
		s.logError(opUpdateSection, "update_failed", result.Error, zap.String("section_id", section.ID))
		return newServiceError(opUpdateSection, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opUpdateSection, "not_found", ErrNotFound)
	}
	return nil
}

// DeleteSection removes a section document. Contained notes are the
// caller's responsibility: the client decides whether children are deleted
// or released before issuing this call.
func (s *Service) DeleteSection(ctx context.Context, boardID, sectionID string) error {
	if err := board.ValidateEntityID(sectionID); err != nil {
		return newServiceError(opDeleteSection, "invalid_section_id", err)
	}
	result := s.db.WithContext(ctx).
		Where("section_id = ? AND board_id = ?", sectionID, boardID).
		Delete(&board.Section{})
	if result.Error != nil {
		s.logError(opDeleteSection, "delete_failed", result.Error, zap.String("section_id", sectionID))
		return newServiceError(opDeleteSection, "delete_failed", result.Error)
	}
	return nil
}

// SaveNotification appends a dispatch record to the notification ledger.
func (s *Service) SaveNotification(ctx context.Context, recipient, eventType, metadataJSON string) error {
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveNotice, "id_generation_failed", err)
		return newServiceError(opSaveNotice, "id_generation_failed", err)
	}
	record := Notification{
		NotificationID:   notificationID,
		Recipient:        recipient,
		EventType:        eventType,
		MetadataJSON:     metadataJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opSaveNotice, "insert_failed", err, zap.String("recipient", recipient))
		return newServiceError(opSaveNotice, "insert_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("storage service error", attrs...)
}
