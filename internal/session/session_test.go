package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/locks"
	"github.com/teamboard/boardsync/internal/persist"
	"github.com/teamboard/boardsync/internal/realtime"
	"github.com/teamboard/boardsync/internal/store"
)

const sessionTestBoard = "board-session-test"

// fakeServer is a minimal websocket endpoint that accepts the join message
// and lets the test push envelopes down to the client.
type fakeServer struct {
	server *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
	join chan realtime.JoinPayload
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fake := &fakeServer{join: make(chan realtime.JoinPayload, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fake.mu.Lock()
		fake.conn = ws
		fake.mu.Unlock()

		for {
			var envelope realtime.Envelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Event == realtime.EventJoinBoard {
				var payload realtime.JoinPayload
				if err := json.Unmarshal(envelope.Payload, &payload); err == nil {
					fake.join <- payload
				}
			}
		}
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeServer) push(t *testing.T, event string, payload any) {
	t.Helper()

	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatalf("no client connected")
	}
	if err := conn.WriteJSON(envelope); err != nil {
		t.Fatalf("failed to push %s: %v", event, err)
	}
}

func (f *fakeServer) dropClient(t *testing.T) {
	t.Helper()

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatalf("no client connected")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("failed to drop client: %v", err)
	}
}

type noopPersist struct{}

func (noopPersist) LookupBoard(context.Context, string) (board.Board, error) {
	return board.Board{ID: sessionTestBoard}, nil
}
func (noopPersist) ListNotes(context.Context, string) ([]board.Note, error)    { return nil, nil }
func (noopPersist) CreateNote(_ context.Context, n board.Note) (board.Note, error) {
	n.ID = "srv-" + n.ID
	return n, nil
}
func (noopPersist) UpdateNote(context.Context, board.Note) error                     { return nil }
func (noopPersist) UpdateNotes(context.Context, string, []persist.NoteChange) error  { return nil }
func (noopPersist) DeleteNote(context.Context, string, string) error                 { return nil }
func (noopPersist) DeleteNotes(context.Context, string, []string) error              { return nil }
func (noopPersist) ListSections(context.Context, string) ([]board.Section, error)    { return nil, nil }
func (noopPersist) CreateSection(_ context.Context, s board.Section) (board.Section, error) {
	s.ID = "srv-" + s.ID
	return s, nil
}
func (noopPersist) UpdateSection(context.Context, board.Section) error  { return nil }
func (noopPersist) DeleteSection(context.Context, string, string) error { return nil }
func (noopPersist) Notify(context.Context, persist.Notification) error  { return nil }

type sessionFixture struct {
	session *Session
	store   *store.BoardStore
	locks   *locks.Coordinator
	server  *fakeServer

	mu         sync.Mutex
	presence   []realtime.PresencePayload
	selections []realtime.SelectionPayload
	disconnect chan error
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	server := newFakeServer(t)
	conn, err := realtime.NewConn(realtime.ConnConfig{URL: server.url(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct conn: %v", err)
	}

	coordinator := locks.NewCoordinator(conn.ConnID(), zap.NewNop())
	boardStore, err := store.New(store.Config{
		BoardID:        sessionTestBoard,
		Actor:          board.Actor{ID: "user-local", Name: "Local User"},
		Persist:        noopPersist{},
		Broadcast:      conn,
		Locks:          coordinator,
		Logger:         zap.NewNop(),
		DebounceWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	fixture := &sessionFixture{
		store:      boardStore,
		locks:      coordinator,
		server:     server,
		disconnect: make(chan error, 1),
	}
	boardSession, err := New(Config{
		Conn:   conn,
		Store:  boardStore,
		Locks:  coordinator,
		Logger: zap.NewNop(),
		OnPresence: func(payload realtime.PresencePayload) {
			fixture.mu.Lock()
			fixture.presence = append(fixture.presence, payload)
			fixture.mu.Unlock()
		},
		OnPeerSelection: func(payload realtime.SelectionPayload) {
			fixture.mu.Lock()
			fixture.selections = append(fixture.selections, payload)
			fixture.mu.Unlock()
		},
		OnDisconnect: func(cause error) { fixture.disconnect <- cause },
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}
	fixture.session = boardSession

	if err := boardSession.Start(context.Background(), sessionTestBoard); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	t.Cleanup(boardSession.Stop)

	select {
	case join := <-server.join:
		if join.BoardID != sessionTestBoard {
			t.Fatalf("unexpected join board %s", join.BoardID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for join")
	}

	return fixture
}

func (f *sessionFixture) waitForNote(t *testing.T, noteID string) board.Note {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, note := range f.store.Notes() {
			if note.ID == noteID {
				return note
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for note %s", noteID)
	return board.Note{}
}

func (f *sessionFixture) waitForLock(t *testing.T, entityID string, want locks.Status) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.locks.Status(entityID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for lock status on %s", entityID)
}

func TestSessionRoutesRemoteNoteEvents(t *testing.T) {
	fixture := newSessionFixture(t)

	remote := board.Note{ID: "note-remote", BoardID: sessionTestBoard, X: 10, Y: 20, Text: "from peer"}
	fixture.server.push(t, realtime.EventCreateNote, realtime.NotePayload{BoardID: sessionTestBoard, Note: remote})
	created := fixture.waitForNote(t, "note-remote")
	if created.Text != "from peer" {
		t.Fatalf("unexpected note text %s", created.Text)
	}

	remote.Text = "edited"
	fixture.server.push(t, realtime.EventUpdateNote, realtime.NotePayload{BoardID: sessionTestBoard, Note: remote})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fixture.waitForNote(t, "note-remote").Text == "edited" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("update event never applied")
}

func TestSessionRoutesLockEvents(t *testing.T) {
	fixture := newSessionFixture(t)

	grant := locks.Lock{EntityID: "note-1", HolderID: "user-remote", HolderName: "Peer", ConnID: "conn-remote"}
	fixture.server.push(t, realtime.EventLockGranted, realtime.LockPayload{BoardID: sessionTestBoard, Lock: grant})
	fixture.waitForLock(t, "note-1", locks.LockedByOther)

	fixture.server.push(t, realtime.EventLockReleased, realtime.LockPayload{BoardID: sessionTestBoard, Lock: grant})
	fixture.waitForLock(t, "note-1", locks.Unlocked)
}

func TestSessionRoutesResync(t *testing.T) {
	fixture := newSessionFixture(t)

	fixture.server.push(t, realtime.EventBoardResync, realtime.ResyncPayload{
		BoardID:  sessionTestBoard,
		Notes:    []board.Note{{ID: "note-auth", BoardID: sessionTestBoard, Text: "authoritative"}},
		Sections: []board.Section{{ID: "section-auth", BoardID: sessionTestBoard, Title: "Lane"}},
	})

	fixture.waitForNote(t, "note-auth")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sections := fixture.store.Sections()
		if len(sections) == 1 && sections[0].ID == "section-auth" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resync never replaced sections")
}

func TestSessionForwardsPresenceAndSelection(t *testing.T) {
	fixture := newSessionFixture(t)

	fixture.server.push(t, realtime.EventPresence, realtime.PresencePayload{
		BoardID: sessionTestBoard,
		Viewers: []realtime.Viewer{{ActorID: "user-remote", ConnID: "conn-remote"}},
	})
	fixture.server.push(t, realtime.EventSelection, realtime.SelectionPayload{
		BoardID:   sessionTestBoard,
		EntityIDs: []string{"note-1"},
		ActorID:   "user-remote",
		ConnID:    "conn-remote",
	})
	fixture.server.push(t, realtime.EventClearSelection, realtime.SelectionPayload{
		BoardID: sessionTestBoard,
		ActorID: "user-remote",
		ConnID:  "conn-remote",
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fixture.mu.Lock()
		presenceCount := len(fixture.presence)
		selectionCount := len(fixture.selections)
		fixture.mu.Unlock()
		if presenceCount == 1 && selectionCount == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if len(fixture.presence) != 1 || fixture.presence[0].Viewers[0].ActorID != "user-remote" {
		t.Fatalf("unexpected presence callbacks: %+v", fixture.presence)
	}
	if len(fixture.selections) != 2 {
		t.Fatalf("expected 2 selection callbacks, got %d", len(fixture.selections))
	}
	if len(fixture.selections[0].EntityIDs) != 1 {
		t.Fatalf("expected first selection to carry entity ids")
	}
	if fixture.selections[1].EntityIDs != nil {
		t.Fatalf("expected clear-selection to surface empty entity ids")
	}
}

func TestSessionResetsLocksOnDisconnect(t *testing.T) {
	fixture := newSessionFixture(t)

	grant := locks.Lock{EntityID: "note-1", HolderID: "user-remote", ConnID: "conn-remote"}
	fixture.server.push(t, realtime.EventLockGranted, realtime.LockPayload{BoardID: sessionTestBoard, Lock: grant})
	fixture.waitForLock(t, "note-1", locks.LockedByOther)

	fixture.server.dropClient(t)

	select {
	case <-fixture.disconnect:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for disconnect callback")
	}
	if fixture.locks.Status("note-1") != locks.Unlocked {
		t.Fatalf("expected lock table reset on disconnect")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	conn, err := realtime.NewConn(realtime.ConnConfig{URL: "ws://localhost:0/realtime"})
	if err != nil {
		t.Fatalf("failed to construct conn: %v", err)
	}
	if _, err := New(Config{Store: &store.BoardStore{}, Locks: locks.NewCoordinator("c", nil)}); err == nil {
		t.Fatalf("expected error for missing conn")
	}
	if _, err := New(Config{Conn: conn, Locks: locks.NewCoordinator("c", nil)}); err == nil {
		t.Fatalf("expected error for missing store")
	}
	if _, err := New(Config{Conn: conn, Store: &store.BoardStore{}}); err == nil {
		t.Fatalf("expected error for missing locks")
	}
}
