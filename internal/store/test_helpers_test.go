package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/locks"
	"github.com/teamboard/boardsync/internal/persist"
)

const (
	testBoardID = "board-1"
	testConnID  = "conn-local"
)

var testActor = board.Actor{ID: "user-local", Name: "Local User"}

var errPersistUnavailable = errors.New("persist unavailable")

// fakePersist implements persist.API with per-operation failure switches and
// call recording.
type fakePersist struct {
	mu sync.Mutex

	failCreateNote    bool
	failUpdateNote    bool
	failUpdateNotes   bool
	failDeleteNote    bool
	failDeleteNotes   bool
	failCreateSection bool
	failUpdateSection bool
	failDeleteSection bool
	failNotify        bool

	nextServerID int

	createdNotes    []board.Note
	updatedNotes    []board.Note
	batchUpdates    [][]persist.NoteChange
	deletedNotes    []string
	deletedBatches  [][]string
	createdSections []board.Section
	updatedSections []board.Section
	deletedSections []string
	notifications   []persist.Notification
}

func newFakePersist() *fakePersist {
	return &fakePersist{}
}

func (f *fakePersist) LookupBoard(_ context.Context, projectRef string) (board.Board, error) {
	return board.Board{ID: testBoardID, ProjectRef: projectRef}, nil
}

func (f *fakePersist) ListNotes(context.Context, string) ([]board.Note, error) {
	return nil, nil
}

func (f *fakePersist) CreateNote(_ context.Context, note board.Note) (board.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateNote {
		return board.Note{}, errPersistUnavailable
	}
	f.nextServerID++
	confirmed := note.Clone()
	confirmed.ID = fmt.Sprintf("srv-note-%d", f.nextServerID)
	f.createdNotes = append(f.createdNotes, confirmed.Clone())
	return confirmed, nil
}

func (f *fakePersist) UpdateNote(_ context.Context, note board.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateNote {
		return errPersistUnavailable
	}
	f.updatedNotes = append(f.updatedNotes, note.Clone())
	return nil
}

func (f *fakePersist) UpdateNotes(_ context.Context, _ string, changes []persist.NoteChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateNotes {
		return errPersistUnavailable
	}
	f.batchUpdates = append(f.batchUpdates, append([]persist.NoteChange(nil), changes...))
	return nil
}

func (f *fakePersist) DeleteNote(_ context.Context, _ string, noteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteNote {
		return errPersistUnavailable
	}
	f.deletedNotes = append(f.deletedNotes, noteID)
	return nil
}

func (f *fakePersist) DeleteNotes(_ context.Context, _ string, noteIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteNotes {
		return errPersistUnavailable
	}
	f.deletedBatches = append(f.deletedBatches, append([]string(nil), noteIDs...))
	return nil
}

func (f *fakePersist) ListSections(context.Context, string) ([]board.Section, error) {
	return nil, nil
}

func (f *fakePersist) CreateSection(_ context.Context, section board.Section) (board.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateSection {
		return board.Section{}, errPersistUnavailable
	}
	f.nextServerID++
	confirmed := section
	confirmed.ID = fmt.Sprintf("srv-section-%d", f.nextServerID)
	f.createdSections = append(f.createdSections, confirmed)
	return confirmed, nil
}

func (f *fakePersist) UpdateSection(_ context.Context, section board.Section) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateSection {
		return errPersistUnavailable
	}
	f.updatedSections = append(f.updatedSections, section)
	return nil
}

func (f *fakePersist) DeleteSection(_ context.Context, _ string, sectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteSection {
		return errPersistUnavailable
	}
	f.deletedSections = append(f.deletedSections, sectionID)
	return nil
}

func (f *fakePersist) Notify(_ context.Context, notification persist.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotify {
		return errPersistUnavailable
	}
	f.notifications = append(f.notifications, notification)
	return nil
}

func (f *fakePersist) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// recordedEvent is one broadcast captured by the fake broadcaster.
type recordedEvent struct {
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{event: event, payload: payload})
	return nil
}

func (f *fakeBroadcaster) ConnID() string {
	return testConnID
}

func (f *fakeBroadcaster) eventsNamed(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []recordedEvent
	for _, recorded := range f.events {
		if recorded.event == event {
			matched = append(matched, recorded)
		}
	}
	return matched
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// sequentialIDs hands out deterministic identifiers.
type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("fixed-%d", s.n), nil
}

type storeFixture struct {
	store     *BoardStore
	persist   *fakePersist
	broadcast *fakeBroadcaster
	locks     *locks.Coordinator
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	persistAPI := newFakePersist()
	broadcast := &fakeBroadcaster{}
	coordinator := locks.NewCoordinator(testConnID, nil)

	boardStore, err := New(Config{
		BoardID:   testBoardID,
		Actor:     testActor,
		Persist:   persistAPI,
		Broadcast: broadcast,
		Locks:     coordinator,
		Clock:     func() time.Time { return time.Unix(1760000000, 0) },
		IDs:       &sequentialIDs{},
		// A long window keeps timers from firing mid-test; Flush is explicit.
		DebounceWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected store construction error: %v", err)
	}
	t.Cleanup(boardStore.Close)

	return &storeFixture{
		store:     boardStore,
		persist:   persistAPI,
		broadcast: broadcast,
		locks:     coordinator,
	}
}

func mustCreateNote(t *testing.T, fixture *storeFixture) board.Note {
	t.Helper()
	note, err := fixture.store.CreateNote(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return note
}

func mustCreateSection(t *testing.T, fixture *storeFixture, rect board.Rect, title string) board.Section {
	t.Helper()
	section, err := fixture.store.CreateSection(context.Background(), rect, title)
	if err != nil {
		t.Fatalf("unexpected section create error: %v", err)
	}
	return section
}

func lockByOther(fixture *storeFixture, entityID string) {
	fixture.locks.ApplyGranted(locks.Lock{
		EntityID:   entityID,
		HolderID:   "user-remote",
		HolderName: "Remote User",
		ConnID:     "conn-remote",
	})
}
