package store

import (
	"reflect"
	"sort"

	"github.com/teamboard/boardsync/internal/board"
)

// Snapshot is an immutable capture of the mutable board state (notes and
// sections only) at one point in local mutation history. Locks, selection and
// presence are deliberately outside the undo-capable layer.
type Snapshot struct {
	Notes    map[string]board.Note
	Sections map[string]board.Section
}

func cloneNotes(notes map[string]board.Note) map[string]board.Note {
	copied := make(map[string]board.Note, len(notes))
	for id, note := range notes {
		copied[id] = note.Clone()
	}
	return copied
}

func cloneSections(sections map[string]board.Section) map[string]board.Section {
	copied := make(map[string]board.Section, len(sections))
	for id, section := range sections {
		copied[id] = section
	}
	return copied
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Notes: cloneNotes(s.Notes), Sections: cloneSections(s.Sections)}
}

// equalIgnoringNoteHeight reports whether two snapshots are identical except
// for note heights. Heights fluctuate from auto-sizing text reflow without
// user intent and must not produce history entries.
func equalIgnoringNoteHeight(a, b Snapshot) bool {
	if len(a.Notes) != len(b.Notes) || len(a.Sections) != len(b.Sections) {
		return false
	}
	for id, sectionA := range a.Sections {
		sectionB, ok := b.Sections[id]
		if !ok || sectionA != sectionB {
			return false
		}
	}
	for id, noteA := range a.Notes {
		noteB, ok := b.Notes[id]
		if !ok {
			return false
		}
		normalizedA := noteA.Clone()
		normalizedB := noteB.Clone()
		normalizedA.Height = 0
		normalizedB.Height = 0
		if !reflect.DeepEqual(normalizedA, normalizedB) {
			return false
		}
	}
	return true
}

// Diff is the minimal set of broadcast messages needed to bring a peer from
// one snapshot to another, computed independently for notes and sections.
type Diff struct {
	NoteCreates    []board.Note
	NoteUpdates    []board.Note
	NoteDeletes    []string
	SectionCreates []board.Section
	SectionUpdates []board.Section
	SectionDeletes []string
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.NoteCreates) == 0 && len(d.NoteUpdates) == 0 && len(d.NoteDeletes) == 0 &&
		len(d.SectionCreates) == 0 && len(d.SectionUpdates) == 0 && len(d.SectionDeletes) == 0
}

// diffSnapshots computes the delta from before to after. Output is sorted by
// entity id so re-broadcast order is deterministic.
func diffSnapshots(before, after Snapshot) Diff {
	var diff Diff

	for _, id := range sortedNoteIDs(after.Notes) {
		noteAfter := after.Notes[id]
		noteBefore, existed := before.Notes[id]
		if !existed {
			diff.NoteCreates = append(diff.NoteCreates, noteAfter.Clone())
			continue
		}
		if !reflect.DeepEqual(noteBefore, noteAfter) {
			diff.NoteUpdates = append(diff.NoteUpdates, noteAfter.Clone())
		}
	}
	for _, id := range sortedNoteIDs(before.Notes) {
		if _, exists := after.Notes[id]; !exists {
			diff.NoteDeletes = append(diff.NoteDeletes, id)
		}
	}

	for _, id := range sortedSectionIDs(after.Sections) {
		sectionAfter := after.Sections[id]
		sectionBefore, existed := before.Sections[id]
		if !existed {
			diff.SectionCreates = append(diff.SectionCreates, sectionAfter)
			continue
		}
		if sectionBefore != sectionAfter {
			diff.SectionUpdates = append(diff.SectionUpdates, sectionAfter)
		}
	}
	for _, id := range sortedSectionIDs(before.Sections) {
		if _, exists := after.Sections[id]; !exists {
			diff.SectionDeletes = append(diff.SectionDeletes, id)
		}
	}

	return diff
}

func sortedNoteIDs(notes map[string]board.Note) []string {
	ids := make([]string, 0, len(notes))
	for id := range notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedSectionIDs(sections map[string]board.Section) []string {
	ids := make([]string, 0, len(sections))
	for id := range sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
