package store

import (
	"github.com/teamboard/boardsync/internal/board"
)

// Remote mutation reducer: applies mutations broadcast by other clients to
// the live state and to every stored history snapshot, without recording
// anything in the undo history. The local user did not perform these edits;
// capturing them would let a local undo revert someone else's work.

// ApplyRemoteNoteCreated injects a note created elsewhere. Duplicate create
// events (reconnect replay) are idempotent no-ops.
func (s *BoardStore) ApplyRemoteNoteCreated(note board.Note) {
	if note.BoardID != s.boardID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notes[note.ID]; exists {
		return
	}
	s.notes[note.ID] = note.Clone()
	patchSnapshotsUpsertNote(s.history.allSnapshots(), note)
	if s.gestureOpen {
		patchSnapshotsUpsertNote([]Snapshot{s.gestureBefore}, note)
	}
}

// ApplyRemoteNoteUpdated overwrites a note changed elsewhere. Snapshots only
// patch where the id already exists; the live state upserts so an update
// arriving before its create is not lost.
func (s *BoardStore) ApplyRemoteNoteUpdated(note board.Note) {
	if note.BoardID != s.boardID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note.Clone()
	patchSnapshotsUpdateNote(s.history.allSnapshots(), note)
	if s.gestureOpen {
		patchSnapshotsUpdateNote([]Snapshot{s.gestureBefore}, note)
	}
}

// ApplyRemoteNoteDeleted removes a note deleted elsewhere from the live
// state, the selection, and every snapshot, so undo traversal cannot
// resurrect it.
func (s *BoardStore) ApplyRemoteNoteDeleted(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
	delete(s.selection, noteID)
	patchSnapshotsRemoveNote(s.history.allSnapshots(), noteID)
	if s.gestureOpen {
		patchSnapshotsRemoveNote([]Snapshot{s.gestureBefore}, noteID)
	}
}

// ApplyRemoteNotesDeleted applies a batch deletion broadcast.
func (s *BoardStore) ApplyRemoteNotesDeleted(noteIDs []string) {
	for _, noteID := range noteIDs {
		s.ApplyRemoteNoteDeleted(noteID)
	}
}

// ApplyRemoteSectionCreated injects a section created elsewhere,
// idempotently.
func (s *BoardStore) ApplyRemoteSectionCreated(section board.Section) {
	if section.BoardID != s.boardID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sections[section.ID]; exists {
		return
	}
	s.sections[section.ID] = section
	patchSnapshotsUpsertSection(s.history.allSnapshots(), section)
	if s.gestureOpen {
		patchSnapshotsUpsertSection([]Snapshot{s.gestureBefore}, section)
	}
}

// ApplyRemoteSectionUpdated overwrites a section changed elsewhere.
func (s *BoardStore) ApplyRemoteSectionUpdated(section board.Section) {
	if section.BoardID != s.boardID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[section.ID] = section
	patchSnapshotsUpdateSection(s.history.allSnapshots(), section)
	if s.gestureOpen {
		patchSnapshotsUpdateSection([]Snapshot{s.gestureBefore}, section)
	}
}

// ApplyRemoteSectionDeleted removes a section deleted elsewhere. The
// deleting client broadcasts its child note changes separately, so notes are
// untouched here.
func (s *BoardStore) ApplyRemoteSectionDeleted(sectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sections, sectionID)
	delete(s.selection, sectionID)
	patchSnapshotsRemoveSection(s.history.allSnapshots(), sectionID)
	if s.gestureOpen {
		patchSnapshotsRemoveSection([]Snapshot{s.gestureBefore}, sectionID)
	}
}

// ApplyResync replaces local notes and sections wholesale with an
// authoritative snapshot, recovering from drift after extended disconnect.
// The replacement is decomposed into the equivalent remote create, update
// and delete set so stored history snapshots are patched through the same
// pure functions as any other remote mutation; history depth is unchanged.
func (s *BoardStore) ApplyResync(notes []board.Note, sections []board.Section) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.history.allSnapshots()
	if s.gestureOpen {
		snapshots = append(snapshots, s.gestureBefore)
	}

	incomingNotes := make(map[string]struct{}, len(notes))
	for _, note := range notes {
		incomingNotes[note.ID] = struct{}{}
	}
	for _, noteID := range sortedNoteIDs(s.notes) {
		if _, kept := incomingNotes[noteID]; !kept {
			delete(s.notes, noteID)
			delete(s.selection, noteID)
			patchSnapshotsRemoveNote(snapshots, noteID)
		}
	}
	for _, note := range notes {
		s.notes[note.ID] = note.Clone()
		patchSnapshotsUpsertNote(snapshots, note)
	}

	incomingSections := make(map[string]struct{}, len(sections))
	for _, section := range sections {
		incomingSections[section.ID] = struct{}{}
	}
	for _, sectionID := range sortedSectionIDs(s.sections) {
		if _, kept := incomingSections[sectionID]; !kept {
			delete(s.sections, sectionID)
			delete(s.selection, sectionID)
			patchSnapshotsRemoveSection(snapshots, sectionID)
		}
	}
	for _, section := range sections {
		s.sections[section.ID] = section
		patchSnapshotsUpsertSection(snapshots, section)
	}
}
