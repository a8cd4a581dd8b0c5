package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamboard/boardsync/internal/board"
)

const hubTestBoard = "board-hub-test"

func startHub(t *testing.T) (string, *Hub) {
	t.Helper()
	return startHubWith(t, NewHub(HubConfig{}))
}

func startHubWith(t *testing.T, hub *Hub) (string, *Hub) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		actorID := r.URL.Query().Get("actor")
		hub.ServeConn(ws, board.Actor{ID: actorID, Name: actorID})
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), hub
}

type receivedEvent struct {
	event   string
	payload json.RawMessage
}

func connectClient(t *testing.T, baseURL, actorID string) (*Conn, chan receivedEvent) {
	t.Helper()
	conn, err := NewConn(ConnConfig{URL: baseURL + "?actor=" + actorID})
	if err != nil {
		t.Fatalf("unexpected conn error: %v", err)
	}

	received := make(chan receivedEvent, 64)
	for _, event := range []string{
		EventUpdateNote, EventCreateNote, EventDeleteNote,
		EventLockGranted, EventLockReleased, EventPresence, EventSelection,
		EventBoardResync,
	} {
		event := event
		conn.Handle(event, func(payload json.RawMessage) {
			received <- receivedEvent{event: event, payload: payload}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx, hubTestBoard); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, received
}

func waitForEvent(t *testing.T, received chan receivedEvent, event string) json.RawMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-received:
			if got.event == event {
				return got.payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// waitForRoster blocks until a presence broadcast lists the expected number
// of viewers, guaranteeing every client is registered before the test
// proceeds.
func waitForRoster(t *testing.T, received chan receivedEvent, viewers int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-received:
			if got.event != EventPresence {
				continue
			}
			var presence PresencePayload
			if err := json.Unmarshal(got.payload, &presence); err != nil {
				t.Fatalf("unexpected presence decode error: %v", err)
			}
			if len(presence.Viewers) == viewers {
				return
			}
		case <-deadline:
			t.Fatalf("never saw a %d-viewer roster", viewers)
		}
	}
}

func expectNoEvent(t *testing.T, received chan receivedEvent, event string) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case got := <-received:
			if got.event == event {
				t.Fatalf("unexpected %s event", event)
			}
		case <-deadline:
			return
		}
	}
}

func TestHubRelaysMutationsToOtherMembersOnly(t *testing.T) {
	baseURL, _ := startHub(t)
	sender, senderEvents := connectClient(t, baseURL, "user-a")
	_, receiverEvents := connectClient(t, baseURL, "user-b")

	waitForRoster(t, receiverEvents, 2)

	note := board.Note{ID: "n-1", BoardID: hubTestBoard, X: 10}
	if err := sender.Emit(EventCreateNote, NotePayload{BoardID: hubTestBoard, Note: note}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}

	payload := waitForEvent(t, receiverEvents, EventCreateNote)
	var decoded NotePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Note.ID != "n-1" {
		t.Fatalf("unexpected relayed note %+v", decoded.Note)
	}

	// The sender never hears its own relay back.
	expectNoEvent(t, senderEvents, EventCreateNote)
}

func TestHubGrantsUnlockedEntityAndBroadcastsToAll(t *testing.T) {
	baseURL, hub := startHub(t)
	requester, requesterEvents := connectClient(t, baseURL, "user-a")
	_, observerEvents := connectClient(t, baseURL, "user-b")
	waitForRoster(t, requesterEvents, 2)

	if err := requester.Emit(EventRequestLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}

	for _, events := range []chan receivedEvent{requesterEvents, observerEvents} {
		payload := waitForEvent(t, events, EventLockGranted)
		var decoded LockPayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if decoded.Lock.EntityID != "n-1" || decoded.Lock.ConnID != requester.ConnID() {
			t.Fatalf("unexpected grant %+v", decoded.Lock)
		}
		if decoded.Lock.HolderID != "user-a" {
			t.Fatalf("unexpected holder %s", decoded.Lock.HolderID)
		}
	}

	if holder, held := hub.LockHolder(hubTestBoard, "n-1"); !held || holder.ConnID != requester.ConnID() {
		t.Fatalf("hub lock table missing grant")
	}
}

func TestHubDropsConflictingLockRequest(t *testing.T) {
	baseURL, hub := startHub(t)
	holder, holderEvents := connectClient(t, baseURL, "user-a")
	contender, contenderEvents := connectClient(t, baseURL, "user-b")
	waitForRoster(t, holderEvents, 2)

	if err := holder.Emit(EventRequestLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	waitForEvent(t, contenderEvents, EventLockGranted)

	if err := contender.Emit(EventRequestLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	expectNoEvent(t, contenderEvents, EventLockGranted)

	if lock, held := hub.LockHolder(hubTestBoard, "n-1"); !held || lock.ConnID != holder.ConnID() {
		t.Fatalf("conflicting request displaced the holder")
	}
}

func TestHubIgnoresReleaseFromNonHolder(t *testing.T) {
	baseURL, hub := startHub(t)
	holder, holderEvents := connectClient(t, baseURL, "user-a")
	intruder, _ := connectClient(t, baseURL, "user-b")
	waitForRoster(t, holderEvents, 2)

	if err := holder.Emit(EventRequestLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	waitForEvent(t, holderEvents, EventLockGranted)

	if err := intruder.Emit(EventReleaseLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	expectNoEvent(t, holderEvents, EventLockReleased)

	if _, held := hub.LockHolder(hubTestBoard, "n-1"); !held {
		t.Fatalf("non-holder release cleared the lock")
	}
}

func TestHubReleasesLocksOnDisconnect(t *testing.T) {
	baseURL, hub := startHub(t)
	holder, holderEvents := connectClient(t, baseURL, "user-a")
	_, observerEvents := connectClient(t, baseURL, "user-b")
	waitForRoster(t, holderEvents, 2)

	if err := holder.Emit(EventRequestLock, LockRequestPayload{BoardID: hubTestBoard, EntityID: "n-1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	waitForEvent(t, observerEvents, EventLockGranted)

	holder.Close()

	payload := waitForEvent(t, observerEvents, EventLockReleased)
	var decoded LockPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Lock.EntityID != "n-1" {
		t.Fatalf("unexpected release %+v", decoded.Lock)
	}
	if _, held := hub.LockHolder(hubTestBoard, "n-1"); held {
		t.Fatalf("lock survived holder disconnect")
	}
}

func TestHubPresenceRosterIncludesAllViewers(t *testing.T) {
	baseURL, _ := startHub(t)
	_, firstEvents := connectClient(t, baseURL, "user-a")
	connectClient(t, baseURL, "user-b")
	waitForRoster(t, firstEvents, 2)
}

type staticBoardLoader struct {
	notes    []board.Note
	sections []board.Section
}

func (l staticBoardLoader) ListNotes(context.Context, string) ([]board.Note, error) {
	return l.notes, nil
}

func (l staticBoardLoader) ListSections(context.Context, string) ([]board.Section, error) {
	return l.sections, nil
}

func TestHubPushesResyncToJoiningMember(t *testing.T) {
	loader := staticBoardLoader{
		notes:    []board.Note{{ID: "note-1", BoardID: hubTestBoard, Text: "already here"}},
		sections: []board.Section{{ID: "section-1", BoardID: hubTestBoard, Title: "Lane"}},
	}
	baseURL, _ := startHubWith(t, NewHub(HubConfig{Boards: loader}))

	_, events := connectClient(t, baseURL, "user-a")

	payload := waitForEvent(t, events, EventBoardResync)
	var resync ResyncPayload
	if err := json.Unmarshal(payload, &resync); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if resync.BoardID != hubTestBoard {
		t.Fatalf("unexpected board id %s", resync.BoardID)
	}
	if len(resync.Notes) != 1 || resync.Notes[0].ID != "note-1" {
		t.Fatalf("unexpected resync notes %+v", resync.Notes)
	}
	if len(resync.Sections) != 1 || resync.Sections[0].ID != "section-1" {
		t.Fatalf("unexpected resync sections %+v", resync.Sections)
	}

	// A later joiner gets its own snapshot push.
	_, laterEvents := connectClient(t, baseURL, "user-b")
	waitForEvent(t, laterEvents, EventBoardResync)
}

func TestHubWithoutBoardLoaderSkipsResync(t *testing.T) {
	baseURL, _ := startHub(t)
	_, events := connectClient(t, baseURL, "user-a")
	waitForRoster(t, events, 1)
	expectNoEvent(t, events, EventBoardResync)
}
