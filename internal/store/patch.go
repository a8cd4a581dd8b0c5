package store

import "github.com/teamboard/boardsync/internal/board"

// Remote-origin mutations must be reflected at every point the local user can
// navigate to in history, not just the live state. The functions below are
// pure over a snapshot list: a remote creation is injected into every
// snapshot, a remote update patches the matching entity wherever it exists,
// and a remote deletion removes it everywhere. This keeps undo/redo from
// resurrecting entities another client deleted, or re-deleting ones another
// client created.

// patchSnapshotsUpsertNote injects or overwrites the note in every snapshot.
// Insertion is idempotent: a snapshot already holding the id is overwritten,
// never duplicated.
func patchSnapshotsUpsertNote(snapshots []Snapshot, note board.Note) {
	for i := range snapshots {
		snapshots[i].Notes[note.ID] = note.Clone()
	}
}

// patchSnapshotsUpdateNote overwrites the note only in snapshots that already
// contain its id.
func patchSnapshotsUpdateNote(snapshots []Snapshot, note board.Note) {
	for i := range snapshots {
		if _, exists := snapshots[i].Notes[note.ID]; exists {
			snapshots[i].Notes[note.ID] = note.Clone()
		}
	}
}

// patchSnapshotsRemoveNote removes the note id from every snapshot.
func patchSnapshotsRemoveNote(snapshots []Snapshot, noteID string) {
	for i := range snapshots {
		delete(snapshots[i].Notes, noteID)
	}
}

// renameNoteID swaps a temporary note id for its authoritative one in every
// snapshot, so history traversal never resurrects a temp id after the create
// confirmed.
func renameNoteID(snapshots []Snapshot, oldID, newID string) {
	for i := range snapshots {
		if note, exists := snapshots[i].Notes[oldID]; exists {
			delete(snapshots[i].Notes, oldID)
			note.ID = newID
			snapshots[i].Notes[newID] = note
		}
	}
}

// renameSectionID swaps a temporary section id for its authoritative one in
// every snapshot, including notes whose membership references it.
func renameSectionID(snapshots []Snapshot, oldID, newID string) {
	for i := range snapshots {
		if section, exists := snapshots[i].Sections[oldID]; exists {
			delete(snapshots[i].Sections, oldID)
			section.ID = newID
			snapshots[i].Sections[newID] = section
		}
		for noteID, note := range snapshots[i].Notes {
			if note.SectionID != nil && *note.SectionID == oldID {
				sectionID := newID
				note.SectionID = &sectionID
				snapshots[i].Notes[noteID] = note
			}
		}
	}
}

// patchSnapshotsUpsertSection injects or overwrites the section in every
// snapshot.
func patchSnapshotsUpsertSection(snapshots []Snapshot, section board.Section) {
	for i := range snapshots {
		snapshots[i].Sections[section.ID] = section
	}
}

// patchSnapshotsUpdateSection overwrites the section only in snapshots that
// already contain its id.
func patchSnapshotsUpdateSection(snapshots []Snapshot, section board.Section) {
	for i := range snapshots {
		if _, exists := snapshots[i].Sections[section.ID]; exists {
			snapshots[i].Sections[section.ID] = section
		}
	}
}

// patchSnapshotsRemoveSection removes the section id from every snapshot.
func patchSnapshotsRemoveSection(snapshots []Snapshot, sectionID string) {
	for i := range snapshots {
		delete(snapshots[i].Sections, sectionID)
	}
}
