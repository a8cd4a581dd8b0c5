// Package store implements the client-side board state store: optimistic
// local mutation with server reconciliation, soft-lock gating, a remote
// mutation reducer, and bounded undo/redo history with differential
// re-broadcast.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/locks"
	"github.com/teamboard/boardsync/internal/persist"
	"github.com/teamboard/boardsync/internal/realtime"
)

var (
	errMissingBoardID   = errors.New("store: board id is required")
	errMissingPersist   = errors.New("store: persistence api is required")
	errMissingBroadcast = errors.New("store: broadcaster is required")
	errMissingLocks     = errors.New("store: lock coordinator is required")

	// ErrLockedByOther refuses mutation of an entity another connection is
	// editing.
	ErrLockedByOther = errors.New("store: entity is being edited by another user")
	// ErrNoteNotFound reports a mutation against an unknown note id.
	ErrNoteNotFound = errors.New("store: note not found")
	// ErrSectionNotFound reports a mutation against an unknown section id.
	ErrSectionNotFound = errors.New("store: section not found")
)

// LockedError is returned when a mutation targets an entity locked by
// another connection, carrying the holder's display name for the UI.
type LockedError struct {
	EntityID   string
	HolderName string
}

func (e *LockedError) Error() string {
	if e.HolderName == "" {
		return fmt.Sprintf("store: %s is being edited by another user", e.EntityID)
	}
	return fmt.Sprintf("store: %s is being edited by %s", e.EntityID, e.HolderName)
}

// Is lets callers match LockedError against ErrLockedByOther.
func (e *LockedError) Is(target error) bool {
	return target == ErrLockedByOther
}

// LockedChildrenError refuses a section delete while child notes are locked
// by other connections.
type LockedChildrenError struct {
	Count int
}

func (e *LockedChildrenError) Error() string {
	return fmt.Sprintf("store: section has %d notes being edited by other users", e.Count)
}

// Is lets callers match LockedChildrenError against ErrLockedByOther.
func (e *LockedChildrenError) Is(target error) bool {
	return target == ErrLockedByOther
}

const notifyTimeout = 5 * time.Second

// Config assembles a BoardStore. Persist, Broadcast and Locks are injected
// by the owning board session controller; the store never reaches for
// ambient globals.
type Config struct {
	BoardID   string
	Actor     board.Actor
	Persist   persist.API
	Broadcast realtime.Broadcaster
	Locks     *locks.Coordinator
	Logger    *zap.Logger
	Clock     func() time.Time
	IDs       board.IDProvider

	// HistoryDepth bounds the undo and redo stacks; zero means the default.
	HistoryDepth int
	// DebounceWindow coalesces drag persistence writes; zero means the
	// default.
	DebounceWindow time.Duration
}

// BoardStore holds the mutable collaboration state for exactly one board.
// Switching boards means discarding the store and building a new one.
type BoardStore struct {
	mu sync.Mutex

	boardID string
	actor   board.Actor

	api       persist.API
	broadcast realtime.Broadcaster
	locks     *locks.Coordinator
	logger    *zap.Logger
	clock     func() time.Time
	ids       board.IDProvider

	notes     map[string]board.Note
	sections  map[string]board.Section
	selection map[string]struct{}

	history  *history
	debounce *debouncer

	// colorSeq and spawnSeq advance per creation so repeated notes rotate
	// the palette and the spawn offset pattern.
	colorSeq int
	spawnSeq int

	// Gesture state: while a gesture is open, history capture is deferred
	// to EndGesture and containment reconciliation is suppressed on
	// intermediate frames.
	gestureOpen     bool
	gestureBefore   Snapshot
	gestureCaptured []string
}

// New validates the configuration and returns an empty store; call Load to
// hydrate it from persistence.
func New(cfg Config) (*BoardStore, error) {
	if err := board.ValidateBoardID(cfg.BoardID); err != nil {
		return nil, errors.Join(errMissingBoardID, err)
	}
	if cfg.Persist == nil {
		return nil, errMissingPersist
	}
	if cfg.Broadcast == nil {
		return nil, errMissingBroadcast
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = board.NewUUIDProvider()
	}

	s := &BoardStore{
		boardID:   cfg.BoardID,
		actor:     cfg.Actor,
		api:       cfg.Persist,
		broadcast: cfg.Broadcast,
		locks:     cfg.Locks,
		logger:    logger,
		clock:     clock,
		ids:       ids,
		notes:     make(map[string]board.Note),
		sections:  make(map[string]board.Section),
		selection: make(map[string]struct{}),
		history:   newHistory(cfg.HistoryDepth),
	}
	s.debounce = newDebouncer(cfg.DebounceWindow, s.flushWrites)
	return s, nil
}

// BoardID returns the board this store is scoped to.
func (s *BoardStore) BoardID() string {
	return s.boardID
}

// Actor returns the local acting identity.
func (s *BoardStore) Actor() board.Actor {
	return s.actor
}

// Load hydrates notes and sections from persistence and resets history and
// selection. Used on board open and after reconnect when no resync arrives.
func (s *BoardStore) Load(ctx context.Context) error {
	noteList, err := s.api.ListNotes(ctx, s.boardID)
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}
	sectionList, err := s.api.ListSections(ctx, s.boardID)
	if err != nil {
		return fmt.Errorf("load sections: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = make(map[string]board.Note, len(noteList))
	for _, note := range noteList {
		s.notes[note.ID] = note.Clone()
	}
	s.sections = make(map[string]board.Section, len(sectionList))
	for _, section := range sectionList {
		s.sections[section.ID] = section
	}
	s.selection = make(map[string]struct{})
	s.history.reset()
	return nil
}

// Close flushes nothing and discards pending debounced writes.
func (s *BoardStore) Close() {
	s.debounce.Stop()
}

// Note returns a copy of the note by id.
func (s *BoardStore) Note(noteID string) (board.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return board.Note{}, false
	}
	return note.Clone(), true
}

// Notes returns copies of all notes ordered by id.
func (s *BoardStore) Notes() []board.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]board.Note, 0, len(s.notes))
	for _, id := range sortedNoteIDs(s.notes) {
		result = append(result, s.notes[id].Clone())
	}
	return result
}

// Section returns a copy of the section by id.
func (s *BoardStore) Section(sectionID string) (board.Section, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	section, ok := s.sections[sectionID]
	return section, ok
}

// Sections returns all sections ordered by stacking order, then id.
func (s *BoardStore) Sections() []board.Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]board.Section, 0, len(s.sections))
	for _, id := range sortedSectionIDs(s.sections) {
		result = append(result, s.sections[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ZIndex < result[j].ZIndex
	})
	return result
}

// PastDepth reports the undo stack size.
func (s *BoardStore) PastDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.pastDepth()
}

// FutureDepth reports the redo stack size.
func (s *BoardStore) FutureDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.futureDepth()
}

// Select replaces or extends the selection and broadcasts it for peer
// presence.
func (s *BoardStore) Select(entityIDs []string, additive bool) {
	s.mu.Lock()
	if !additive {
		s.selection = make(map[string]struct{}, len(entityIDs))
	}
	for _, id := range entityIDs {
		if _, isNote := s.notes[id]; isNote {
			s.selection[id] = struct{}{}
			continue
		}
		if _, isSection := s.sections[id]; isSection {
			s.selection[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	s.broadcastSelection()
}

// ClearSelection empties the selection and notifies peers.
func (s *BoardStore) ClearSelection() {
	s.mu.Lock()
	s.selection = make(map[string]struct{})
	s.mu.Unlock()
	s.emit(realtime.EventClearSelection, realtime.SelectionPayload{
		BoardID:    s.boardID,
		ActorID:    s.actor.ID,
		ActorName:  s.actor.Name,
		ActorColor: board.ActorColor(s.actor.ID),
		ConnID:     s.broadcast.ConnID(),
	})
}

// SelectedIDs returns the selection sorted for determinism.
func (s *BoardStore) SelectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedIDsLocked()
}

func (s *BoardStore) selectedIDsLocked() []string {
	ids := make([]string, 0, len(s.selection))
	for id := range s.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestLock asks the hub for an edit lock on the entity. The grant arrives
// back as a lock-granted broadcast applied to the coordinator.
func (s *BoardStore) RequestLock(entityID string) {
	s.emit(realtime.EventRequestLock, realtime.LockRequestPayload{
		BoardID:  s.boardID,
		EntityID: entityID,
	})
}

// ReleaseLock gives up an edit lock held by this connection.
func (s *BoardStore) ReleaseLock(entityID string) {
	s.emit(realtime.EventReleaseLock, realtime.LockRequestPayload{
		BoardID:  s.boardID,
		EntityID: entityID,
	})
}

// snapshot clones the current mutable state. Caller holds s.mu.
func (s *BoardStore) snapshot() Snapshot {
	return Snapshot{Notes: cloneNotes(s.notes), Sections: cloneSections(s.sections)}
}

// restore replaces the live state with a snapshot and prunes the selection of
// vanished ids. Caller holds s.mu.
func (s *BoardStore) restore(snap Snapshot) {
	s.notes = cloneNotes(snap.Notes)
	s.sections = cloneSections(snap.Sections)
	s.pruneSelectionLocked()
}

func (s *BoardStore) pruneSelectionLocked() {
	for id := range s.selection {
		if _, isNote := s.notes[id]; isNote {
			continue
		}
		if _, isSection := s.sections[id]; isSection {
			continue
		}
		delete(s.selection, id)
	}
}

func (s *BoardStore) sectionListLocked() []board.Section {
	list := make([]board.Section, 0, len(s.sections))
	for _, section := range s.sections {
		list = append(list, section)
	}
	return list
}

// refuseIfLocked returns a LockedError when another connection holds the
// entity's lock. Caller must not hold s.mu (the coordinator has its own).
func (s *BoardStore) refuseIfLocked(entityID string) error {
	if !s.locks.HeldByOther(entityID) {
		return nil
	}
	holderName := ""
	if lock, held := s.locks.Holder(entityID); held {
		holderName = lock.HolderName
	}
	return &LockedError{EntityID: entityID, HolderName: holderName}
}

// emit broadcasts best-effort; transport failures are logged, never
// propagated into mutation results.
func (s *BoardStore) emit(event string, payload any) {
	if err := s.broadcast.Emit(event, payload); err != nil {
		s.logger.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *BoardStore) broadcastSelection() {
	s.emit(realtime.EventSelection, realtime.SelectionPayload{
		BoardID:    s.boardID,
		EntityIDs:  s.SelectedIDs(),
		ActorID:    s.actor.ID,
		ActorName:  s.actor.Name,
		ActorColor: board.ActorColor(s.actor.ID),
		ConnID:     s.broadcast.ConnID(),
	})
}

// broadcastDiff emits the minimal event set carrying a history traversal to
// other clients.
func (s *BoardStore) broadcastDiff(diff Diff) {
	for _, note := range diff.NoteUpdates {
		s.emit(realtime.EventUpdateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
	}
	for _, note := range diff.NoteCreates {
		s.emit(realtime.EventCreateNote, realtime.NotePayload{BoardID: s.boardID, Note: note})
	}
	for _, noteID := range diff.NoteDeletes {
		s.emit(realtime.EventDeleteNote, realtime.DeletePayload{BoardID: s.boardID, EntityID: noteID})
	}
	for _, section := range diff.SectionUpdates {
		s.emit(realtime.EventUpdateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
	}
	for _, section := range diff.SectionCreates {
		s.emit(realtime.EventCreateSection, realtime.SectionPayload{BoardID: s.boardID, Section: section})
	}
	for _, sectionID := range diff.SectionDeletes {
		s.emit(realtime.EventDeleteSection, realtime.DeletePayload{BoardID: s.boardID, EntityID: sectionID})
	}
}

// flushWrites is the debouncer sink: one batched note write plus individual
// section writes, detached from any gesture context. Failures are logged
// only; optimistic local state stays provisionally correct until a resync.
func (s *BoardStore) flushWrites(batch writeBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(batch.noteChanges) > 0 {
		changes := make([]persist.NoteChange, 0, len(batch.noteChanges))
		for _, noteID := range sortedKeys(batch.noteChanges) {
			changes = append(changes, persist.NoteChange{NoteID: noteID, Patch: batch.noteChanges[noteID]})
		}
		if err := s.api.UpdateNotes(ctx, s.boardID, changes); err != nil {
			s.logger.Warn("debounced note write failed",
				zap.String("board_id", s.boardID),
				zap.Int("changes", len(changes)),
				zap.Error(err))
		}
	}

	for _, sectionID := range sortedKeys(batch.sectionChanges) {
		section, ok := s.Section(sectionID)
		if !ok {
			continue
		}
		if err := s.api.UpdateSection(ctx, section); err != nil {
			s.logger.Warn("debounced section write failed",
				zap.String("board_id", s.boardID),
				zap.String("section_id", sectionID),
				zap.Error(err))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
