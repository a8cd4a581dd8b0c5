package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/persist"
	"github.com/teamboard/boardsync/internal/realtime"
)

// NotificationNoteAssigned is dispatched when a note is assigned to someone
// other than the acting user.
const NotificationNoteAssigned = "note-assigned"

// CreateNote spawns a note near the viewport center (or on the fallback
// grid), applies it locally under a temporary id, selects it, then persists.
// On success the temporary id is replaced with the authoritative one
// throughout local state, including the selection and stored history
// snapshots, and the confirmed note is broadcast. On failure the
// pre-mutation snapshot is restored.
func (s *BoardStore) CreateNote(ctx context.Context, viewport *board.Viewport) (board.Note, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		return board.Note{}, fmt.Errorf("create note id: %w", err)
	}
	tempID := board.TempIDPrefix + rawID

	s.mu.Lock()
	before := s.snapshot()
	now := s.clock().UTC().Unix()
	x, y := board.SpawnPosition(viewport, s.spawnSeq)
	note := board.Note{
		ID:               tempID,
		BoardID:          s.boardID,
		X:                x,
		Y:                y,
		Width:            board.DefaultNoteWidth,
		Height:           board.DefaultNoteHeight,
		Color:            board.PaletteColor(s.colorSeq),
		CreatedBy:        s.actor.ID,
		UpdatedBy:        s.actor.ID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	note.SectionID = board.ResolveContainment(note.Rect(), s.sectionListLocked())
	s.notes[tempID] = note
	s.selection = map[string]struct{}{tempID: {}}
	s.spawnSeq++
	s.colorSeq++
	recorded := s.history.record(before, s.snapshot())
	s.mu.Unlock()

	s.broadcastSelection()

	confirmed, err := s.api.CreateNote(ctx, note)
	if err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("note create rolled back",
			zap.String("board_id", s.boardID),
			zap.Error(err))
		return board.Note{}, fmt.Errorf("create note: %w", err)
	}

	s.mu.Lock()
	adopted := s.adoptNoteIDLocked(tempID, confirmed)
	s.mu.Unlock()

	s.emit(realtime.EventCreateNote, realtime.NotePayload{BoardID: s.boardID, Note: adopted})
	return adopted, nil
}

// adoptNoteIDLocked replaces a temporary note id with the authoritative one
// in live state, the selection set, and every stored history snapshot.
// Local edits made while the create was in flight are preserved. Caller
// holds s.mu.
func (s *BoardStore) adoptNoteIDLocked(tempID string, confirmed board.Note) board.Note {
	adopted := confirmed.Clone()
	if current, ok := s.notes[tempID]; ok {
		adopted = current.Clone()
		adopted.ID = confirmed.ID
		adopted.CreatedAtSeconds = confirmed.CreatedAtSeconds
		adopted.UpdatedAtSeconds = confirmed.UpdatedAtSeconds
		delete(s.notes, tempID)
	}
	s.notes[adopted.ID] = adopted
	if _, selected := s.selection[tempID]; selected {
		delete(s.selection, tempID)
		s.selection[adopted.ID] = struct{}{}
	}
	renameNoteID(s.history.allSnapshots(), tempID, adopted.ID)
	return adopted.Clone()
}

// BeginGesture opens a drag or resize gesture: history capture is deferred
// to EndGesture so a continuous drag records one undo entry, and section
// containment reconciliation is suppressed on intermediate frames.
func (s *BoardStore) BeginGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gestureOpen {
		return
	}
	s.gestureOpen = true
	s.gestureBefore = s.snapshot()
	s.gestureCaptured = nil
}

// BeginSectionDrag opens a gesture for a section header drag and returns the
// capture list: the notes contained at drag start, which move with the
// section. Notes locked by other connections are excluded from capture.
// Containment changes from the drag itself settle at EndGesture only.
func (s *BoardStore) BeginSectionDrag(sectionID string) ([]string, error) {
	if err := s.refuseIfLocked(sectionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.sections[sectionID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	if !s.gestureOpen {
		s.gestureOpen = true
		s.gestureBefore = s.snapshot()
	}
	var captured []string
	for _, noteID := range sortedNoteIDs(s.notes) {
		note := s.notes[noteID]
		if note.SectionID == nil || *note.SectionID != sectionID {
			continue
		}
		captured = append(captured, noteID)
	}
	s.mu.Unlock()

	// Lock checks happen outside s.mu; the coordinator has its own.
	movable := captured[:0]
	for _, noteID := range captured {
		if !s.locks.HeldByOther(noteID) {
			movable = append(movable, noteID)
		}
	}

	s.mu.Lock()
	s.gestureCaptured = append([]string(nil), movable...)
	s.mu.Unlock()
	return s.gestureCaptured, nil
}

// EndGesture settles an open gesture: containment is reconciled for every
// note, one history entry is recorded for the whole gesture, and pending
// debounced writes flush immediately.
func (s *BoardStore) EndGesture() {
	s.mu.Lock()
	if !s.gestureOpen {
		s.mu.Unlock()
		s.debounce.Flush()
		return
	}
	s.gestureOpen = false
	changed := s.reconcileContainmentLocked()
	s.history.record(s.gestureBefore, s.snapshot())
	s.gestureBefore = Snapshot{}
	s.gestureCaptured = nil
	s.mu.Unlock()

	for _, note := range changed {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		s.debounce.enqueueNote(note.ID, sectionPatchFor(note))
	}
	s.debounce.Flush()
}

// reconcileContainmentLocked re-derives section membership for every note
// and returns copies of the notes whose membership changed. Caller holds
// s.mu.
func (s *BoardStore) reconcileContainmentLocked() []board.Note {
	sections := s.sectionListLocked()
	var changed []board.Note
	for _, noteID := range sortedNoteIDs(s.notes) {
		note := s.notes[noteID]
		expected := board.ResolveContainment(note.Rect(), sections)
		if sectionRefEqual(note.SectionID, expected) {
			continue
		}
		note.SectionID = expected
		note.UpdatedBy = s.actor.ID
		note.UpdatedAtSeconds = s.clock().UTC().Unix()
		s.notes[noteID] = note
		changed = append(changed, note.Clone())
	}
	return changed
}

func sectionRefEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sectionPatchFor(note board.Note) persist.NotePatch {
	sectionID := ""
	if note.SectionID != nil {
		sectionID = *note.SectionID
	}
	updatedBy := note.UpdatedBy
	return persist.NotePatch{SectionID: &sectionID, UpdatedBy: &updatedBy}
}

// MoveSelectedBy applies a drag delta to every selected entity. Each moved
// note recomputes its own containment from its new center and is broadcast
// immediately so peers see live motion; the persistence write is coalesced
// by the debouncer. The move is refused entirely when any selected entity is
// locked by another connection.
func (s *BoardStore) MoveSelectedBy(dx, dy float64) error {
	for _, entityID := range s.SelectedIDs() {
		if err := s.refuseIfLocked(entityID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	var before Snapshot
	if !s.gestureOpen {
		before = s.snapshot()
	}
	sections := s.sectionListLocked()
	now := s.clock().UTC().Unix()
	var movedNotes []board.Note
	var movedSections []board.Section
	for _, entityID := range s.selectedIDsLocked() {
		if note, isNote := s.notes[entityID]; isNote {
			note.X += dx
			note.Y += dy
			note.SectionID = board.ResolveContainment(note.Rect(), sections)
			note.UpdatedBy = s.actor.ID
			note.UpdatedAtSeconds = now
			s.notes[entityID] = note
			movedNotes = append(movedNotes, note.Clone())
			continue
		}
		if section, isSection := s.sections[entityID]; isSection {
			section.X += dx
			section.Y += dy
			section.UpdatedAtSeconds = now
			s.sections[entityID] = section
			movedSections = append(movedSections, section)
		}
	}
	var reconciled []board.Note
	if !s.gestureOpen {
		if len(movedSections) > 0 {
			reconciled = s.reconcileContainmentLocked()
		}
		s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	for _, note := range movedNotes {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		x, y := note.X, note.Y
		s.debounce.enqueueNote(note.ID, persist.NotePatch{
			X: &x, Y: &y,
			SectionID: sectionPatchFor(note).SectionID,
			UpdatedBy: &note.UpdatedBy,
		})
	}
	for _, section := range movedSections {
		s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
		x, y := section.X, section.Y
		s.debounce.enqueueSection(section.ID, persist.SectionPatch{X: &x, Y: &y})
	}
	for _, note := range reconciled {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		s.debounce.enqueueNote(note.ID, sectionPatchFor(note))
	}
	return nil
}

// MoveSectionBy applies a header-drag delta to a section and the notes
// captured at drag start. Within a gesture, containment settles at
// EndGesture, never on intermediate frames; outside one, membership is
// reconciled immediately.
func (s *BoardStore) MoveSectionBy(sectionID string, dx, dy float64) error {
	if err := s.refuseIfLocked(sectionID); err != nil {
		return err
	}

	s.mu.Lock()
	section, ok := s.sections[sectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	var before Snapshot
	if !s.gestureOpen {
		before = s.snapshot()
	}
	now := s.clock().UTC().Unix()
	section.X += dx
	section.Y += dy
	section.UpdatedAtSeconds = now
	s.sections[sectionID] = section

	var movedNotes []board.Note
	for _, noteID := range s.gestureCaptured {
		note, exists := s.notes[noteID]
		if !exists {
			continue
		}
		note.X += dx
		note.Y += dy
		note.UpdatedBy = s.actor.ID
		note.UpdatedAtSeconds = now
		s.notes[noteID] = note
		movedNotes = append(movedNotes, note.Clone())
	}
	var reconciled []board.Note
	if !s.gestureOpen {
		reconciled = s.reconcileContainmentLocked()
		s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
	sx, sy := section.X, section.Y
	s.debounce.enqueueSection(sectionID, persist.SectionPatch{X: &sx, Y: &sy})
	for _, note := range movedNotes {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		x, y := note.X, note.Y
		s.debounce.enqueueNote(note.ID, persist.NotePatch{X: &x, Y: &y, UpdatedBy: &note.UpdatedBy})
	}
	for _, note := range reconciled {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		s.debounce.enqueueNote(note.ID, sectionPatchFor(note))
	}
	return nil
}

// ResizeNote sets a note's size, recomputing containment from the new
// center.
func (s *BoardStore) ResizeNote(noteID string, width, height float64) error {
	if err := s.refuseIfLocked(noteID); err != nil {
		return err
	}

	s.mu.Lock()
	note, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	var before Snapshot
	if !s.gestureOpen {
		before = s.snapshot()
	}
	note.Width = width
	note.Height = height
	note.SectionID = board.ResolveContainment(note.Rect(), s.sectionListLocked())
	note.UpdatedBy = s.actor.ID
	note.UpdatedAtSeconds = s.clock().UTC().Unix()
	s.notes[noteID] = note
	if !s.gestureOpen {
		s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note.Clone()})
	s.debounce.enqueueNote(noteID, persist.NotePatch{
		Width: &width, Height: &height,
		SectionID: sectionPatchFor(note).SectionID,
		UpdatedBy: &note.UpdatedBy,
	})
	return nil
}

// ResizeSection sets a section's size. Membership reconciliation waits for
// EndGesture.
func (s *BoardStore) ResizeSection(sectionID string, width, height float64) error {
	if err := s.refuseIfLocked(sectionID); err != nil {
		return err
	}

	s.mu.Lock()
	section, ok := s.sections[sectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	var before Snapshot
	if !s.gestureOpen {
		before = s.snapshot()
	}
	section.Width = width
	section.Height = height
	section.UpdatedAtSeconds = s.clock().UTC().Unix()
	s.sections[sectionID] = section
	if !s.gestureOpen {
		changed := s.reconcileContainmentLocked()
		s.history.record(before, s.snapshot())
		s.mu.Unlock()
		s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
		s.debounce.enqueueSection(sectionID, persist.SectionPatch{Width: &width, Height: &height})
		for _, note := range changed {
			s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
			s.debounce.enqueueNote(note.ID, sectionPatchFor(note))
		}
		s.debounce.Flush()
		return nil
	}
	s.mu.Unlock()

	s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
	s.debounce.enqueueSection(sectionID, persist.SectionPatch{Width: &width, Height: &height})
	return nil
}

// ApplyNotePatch performs a field edit (text, color, tags, due date,
// assignee) with optimistic local application and rollback on persistence
// failure.
func (s *BoardStore) ApplyNotePatch(ctx context.Context, noteID string, patch persist.NotePatch) error {
	if err := s.refuseIfLocked(noteID); err != nil {
		return err
	}

	s.mu.Lock()
	note, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	before := s.snapshot()
	updated := note.Clone()
	patch.ApplyTo(&updated)
	updated.UpdatedBy = s.actor.ID
	updated.UpdatedAtSeconds = s.clock().UTC().Unix()
	if patch.X != nil || patch.Y != nil || patch.Width != nil || patch.Height != nil {
		updated.SectionID = board.ResolveContainment(updated.Rect(), s.sectionListLocked())
	}
	s.notes[noteID] = updated
	recorded := false
	if !s.gestureOpen {
		recorded = s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: updated.Clone()})

	if err := s.api.UpdateNote(ctx, updated); err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("note update rolled back",
			zap.String("board_id", s.boardID),
			zap.String("note_id", noteID),
			zap.Error(err))
		return fmt.Errorf("update note: %w", err)
	}
	return nil
}

// SetNoteAssignee assigns the note and, when the assignee is someone else,
// dispatches a best-effort notification that never blocks or rolls back the
// mutation.
func (s *BoardStore) SetNoteAssignee(ctx context.Context, noteID, assignee string) error {
	if err := s.ApplyNotePatch(ctx, noteID, persist.NotePatch{Assignee: &assignee}); err != nil {
		return err
	}
	if assignee != "" && assignee != s.actor.ID {
		go s.dispatchNotification(persist.Notification{
			Recipient: assignee,
			EventType: NotificationNoteAssigned,
			Metadata: map[string]string{
				"boardId":    s.boardID,
				"noteId":     noteID,
				"assignedBy": s.actor.Name,
			},
		})
	}
	return nil
}

func (s *BoardStore) dispatchNotification(notification persist.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.api.Notify(ctx, notification); err != nil {
		s.logger.Warn("notification dispatch failed",
			zap.String("recipient", notification.Recipient),
			zap.String("event_type", notification.EventType),
			zap.Error(err))
	}
}

// BatchUpdateNotes applies a list of partial changes synchronously,
// broadcasts each changed note individually, and issues one batched
// persistence request. Persistence failure is logged, not surfaced:
// optimistic local state is treated as provisionally correct until a resync
// arrives.
func (s *BoardStore) BatchUpdateNotes(ctx context.Context, changes []persist.NoteChange) error {
	for _, change := range changes {
		if err := s.refuseIfLocked(change.NoteID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	var before Snapshot
	if !s.gestureOpen {
		before = s.snapshot()
	}
	sections := s.sectionListLocked()
	now := s.clock().UTC().Unix()
	var updatedNotes []board.Note
	for _, change := range changes {
		note, ok := s.notes[change.NoteID]
		if !ok {
			continue
		}
		updated := note.Clone()
		change.Patch.ApplyTo(&updated)
		updated.UpdatedBy = s.actor.ID
		updated.UpdatedAtSeconds = now
		if change.Patch.X != nil || change.Patch.Y != nil || change.Patch.Width != nil || change.Patch.Height != nil {
			updated.SectionID = board.ResolveContainment(updated.Rect(), sections)
		}
		s.notes[change.NoteID] = updated
		updatedNotes = append(updatedNotes, updated.Clone())
	}
	if !s.gestureOpen {
		s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	for _, note := range updatedNotes {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
	}

	if err := s.api.UpdateNotes(ctx, s.boardID, changes); err != nil {
		s.logger.Error("batch note update persist failed",
			zap.String("board_id", s.boardID),
			zap.Int("changes", len(changes)),
			zap.Error(err))
	}
	return nil
}

// DeleteNote removes the note locally (including from the selection), then
// issues the persistence delete. Deletion of an entity locked by another
// connection is refused.
func (s *BoardStore) DeleteNote(ctx context.Context, noteID string) error {
	if err := s.refuseIfLocked(noteID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.notes[noteID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	before := s.snapshot()
	delete(s.notes, noteID)
	delete(s.selection, noteID)
	recorded := s.history.record(before, s.snapshot())
	s.mu.Unlock()

	s.emit(realtime.EventDeleteNote, realtime.DeletePayload{BoardID: s.boardID, EntityID: noteID})

	if err := s.api.DeleteNote(ctx, s.boardID, noteID); err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("note delete rolled back",
			zap.String("board_id", s.boardID),
			zap.String("note_id", noteID),
			zap.Error(err))
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// DeleteNotes batch-deletes by id list. If any member is locked by another
// connection the whole call is refused; there is no partial deletion.
func (s *BoardStore) DeleteNotes(ctx context.Context, noteIDs []string) error {
	for _, noteID := range noteIDs {
		if err := s.refuseIfLocked(noteID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	before := s.snapshot()
	removed := make([]string, 0, len(noteIDs))
	for _, noteID := range noteIDs {
		if _, ok := s.notes[noteID]; !ok {
			continue
		}
		delete(s.notes, noteID)
		delete(s.selection, noteID)
		removed = append(removed, noteID)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	recorded := s.history.record(before, s.snapshot())
	s.mu.Unlock()

	s.emit(realtime.EventDeleteNotesBatch, realtime.BatchDeletePayload{BoardID: s.boardID, NoteIDs: removed})

	if err := s.api.DeleteNotes(ctx, s.boardID, removed); err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("batch note delete rolled back",
			zap.String("board_id", s.boardID),
			zap.Int("notes", len(removed)),
			zap.Error(err))
		return fmt.Errorf("delete notes: %w", err)
	}
	return nil
}

// CreateSection creates a grouping region, immediately capturing notes whose
// centers fall inside it, then persists and swaps the temporary id for the
// authoritative one, including in note memberships.
func (s *BoardStore) CreateSection(ctx context.Context, rect board.Rect, title string) (board.Section, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		return board.Section{}, fmt.Errorf("create section id: %w", err)
	}
	tempID := board.TempIDPrefix + rawID

	s.mu.Lock()
	before := s.snapshot()
	now := s.clock().UTC().Unix()
	maxZ := 0
	for _, section := range s.sections {
		if section.ZIndex > maxZ {
			maxZ = section.ZIndex
		}
	}
	section := board.Section{
		ID:               tempID,
		BoardID:          s.boardID,
		X:                rect.X,
		Y:                rect.Y,
		Width:            rect.Width,
		Height:           rect.Height,
		Title:            title,
		Color:            board.PaletteColor(s.colorSeq),
		ZIndex:           maxZ + 1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	s.sections[tempID] = section
	s.colorSeq++
	captured := s.reconcileContainmentLocked()
	recorded := s.history.record(before, s.snapshot())
	s.mu.Unlock()

	confirmed, err := s.api.CreateSection(ctx, section)
	if err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("section create rolled back",
			zap.String("board_id", s.boardID),
			zap.Error(err))
		return board.Section{}, fmt.Errorf("create section: %w", err)
	}

	s.mu.Lock()
	adopted := s.adoptSectionIDLocked(tempID, confirmed)
	capturedNow := make([]board.Note, 0, len(captured))
	for _, note := range captured {
		if current, ok := s.notes[note.ID]; ok {
			capturedNow = append(capturedNow, current.Clone())
		}
	}
	s.mu.Unlock()

	s.emit(realtime.EventCreateSection, realtime.SectionPayload{BoardID: s.boardID, Section: adopted})
	for _, note := range capturedNow {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
	}
	if len(capturedNow) > 0 {
		changes := make([]persist.NoteChange, 0, len(capturedNow))
		for _, note := range capturedNow {
			changes = append(changes, persist.NoteChange{NoteID: note.ID, Patch: sectionPatchFor(note)})
		}
		if err := s.api.UpdateNotes(ctx, s.boardID, changes); err != nil {
			s.logger.Error("section capture persist failed",
				zap.String("board_id", s.boardID),
				zap.String("section_id", adopted.ID),
				zap.Error(err))
		}
	}
	return adopted, nil
}

// adoptSectionIDLocked replaces a temporary section id with the
// authoritative one in live state (section table and note memberships), the
// selection set, and every stored history snapshot. Caller holds s.mu.
func (s *BoardStore) adoptSectionIDLocked(tempID string, confirmed board.Section) board.Section {
	adopted := confirmed
	if current, ok := s.sections[tempID]; ok {
		adopted = current
		adopted.ID = confirmed.ID
		adopted.CreatedAtSeconds = confirmed.CreatedAtSeconds
		adopted.UpdatedAtSeconds = confirmed.UpdatedAtSeconds
		delete(s.sections, tempID)
	}
	s.sections[adopted.ID] = adopted
	for noteID, note := range s.notes {
		if note.SectionID != nil && *note.SectionID == tempID {
			sectionID := adopted.ID
			note.SectionID = &sectionID
			s.notes[noteID] = note
		}
	}
	if _, selected := s.selection[tempID]; selected {
		delete(s.selection, tempID)
		s.selection[adopted.ID] = struct{}{}
	}
	renameSectionID(s.history.allSnapshots(), tempID, adopted.ID)
	return adopted
}

// ApplySectionPatch performs a section field edit (title, color, stacking
// order, or direct geometry) with optimistic application and rollback on
// persistence failure. Geometry changes outside a gesture reconcile
// containment immediately.
func (s *BoardStore) ApplySectionPatch(ctx context.Context, sectionID string, patch persist.SectionPatch) error {
	if err := s.refuseIfLocked(sectionID); err != nil {
		return err
	}

	geometryChanged := patch.X != nil || patch.Y != nil || patch.Width != nil || patch.Height != nil

	s.mu.Lock()
	section, ok := s.sections[sectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	before := s.snapshot()
	patch.ApplyTo(&section)
	section.UpdatedAtSeconds = s.clock().UTC().Unix()
	s.sections[sectionID] = section
	var captured []board.Note
	if geometryChanged && !s.gestureOpen {
		captured = s.reconcileContainmentLocked()
	}
	recorded := false
	if !s.gestureOpen {
		recorded = s.history.record(before, s.snapshot())
	}
	s.mu.Unlock()

	s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
	for _, note := range captured {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
		s.debounce.enqueueNote(note.ID, sectionPatchFor(note))
	}
	if len(captured) > 0 {
		s.debounce.Flush()
	}

	if err := s.api.UpdateSection(ctx, section); err != nil {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("section update rolled back",
			zap.String("board_id", s.boardID),
			zap.String("section_id", sectionID),
			zap.Error(err))
		return fmt.Errorf("update section: %w", err)
	}
	return nil
}

// DeleteSection removes a section. The caller chooses whether contained
// notes are deleted with it or released to orphan status. The delete is
// refused while the section, or any contained note, is locked by another
// connection; blocked children are reported by count.
func (s *BoardStore) DeleteSection(ctx context.Context, sectionID string, deleteChildren bool) error {
	if err := s.refuseIfLocked(sectionID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.sections[sectionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSectionNotFound, sectionID)
	}
	childIDs := make([]string, 0)
	for _, noteID := range sortedNoteIDs(s.notes) {
		note := s.notes[noteID]
		if note.SectionID != nil && *note.SectionID == sectionID {
			childIDs = append(childIDs, noteID)
		}
	}
	s.mu.Unlock()

	if blocked := s.locks.CountHeldByOther(childIDs); blocked > 0 {
		return &LockedChildrenError{Count: blocked}
	}

	s.mu.Lock()
	before := s.snapshot()
	delete(s.sections, sectionID)
	delete(s.selection, sectionID)
	var released []board.Note
	for _, noteID := range childIDs {
		note, ok := s.notes[noteID]
		if !ok {
			continue
		}
		if deleteChildren {
			delete(s.notes, noteID)
			delete(s.selection, noteID)
			continue
		}
		note.SectionID = nil
		note.UpdatedBy = s.actor.ID
		note.UpdatedAtSeconds = s.clock().UTC().Unix()
		s.notes[noteID] = note
		released = append(released, note.Clone())
	}
	recorded := s.history.record(before, s.snapshot())
	s.mu.Unlock()

	s.emit(realtime.EventDeleteSection, realtime.DeletePayload{BoardID: s.boardID, EntityID: sectionID})
	if deleteChildren && len(childIDs) > 0 {
		s.emit(realtime.EventDeleteNotesBatch, realtime.BatchDeletePayload{BoardID: s.boardID, NoteIDs: childIDs})
	}
	for _, note := range released {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
	}

	rollback := func(cause error, operation string) error {
		s.mu.Lock()
		s.restore(before)
		if recorded {
			s.history.dropLast()
		}
		s.mu.Unlock()
		s.logger.Warn("section delete rolled back",
			zap.String("board_id", s.boardID),
			zap.String("section_id", sectionID),
			zap.Error(cause))
		return fmt.Errorf("%s: %w", operation, cause)
	}

	if deleteChildren && len(childIDs) > 0 {
		if err := s.api.DeleteNotes(ctx, s.boardID, childIDs); err != nil {
			return rollback(err, "delete section notes")
		}
	}
	if len(released) > 0 {
		changes := make([]persist.NoteChange, 0, len(released))
		for _, note := range released {
			changes = append(changes, persist.NoteChange{NoteID: note.ID, Patch: sectionPatchFor(note)})
		}
		if err := s.api.UpdateNotes(ctx, s.boardID, changes); err != nil {
			s.logger.Error("orphan release persist failed",
				zap.String("board_id", s.boardID),
				zap.String("section_id", sectionID),
				zap.Error(err))
		}
	}
	if err := s.api.DeleteSection(ctx, s.boardID, sectionID); err != nil {
		return rollback(err, "delete section")
	}
	return nil
}

// Undo restores the most recent past snapshot. The delta between the
// pre-traversal and post-traversal states is re-broadcast as the minimal
// per-entity event set rather than a full board resend.
func (s *BoardStore) Undo() bool {
	s.mu.Lock()
	current := s.snapshot()
	restored, ok := s.history.undo(current)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.restore(restored)
	diff := diffSnapshots(current, restored)
	s.mu.Unlock()

	s.broadcastDiff(diff)
	return true
}

// Redo is the mirror of Undo.
func (s *BoardStore) Redo() bool {
	s.mu.Lock()
	current := s.snapshot()
	restored, ok := s.history.redo(current)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.restore(restored)
	diff := diffSnapshots(current, restored)
	s.mu.Unlock()

	s.broadcastDiff(diff)
	return true
}
