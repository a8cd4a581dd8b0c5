package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/locks"
)

const resyncLoadTimeout = 10 * time.Second

// BoardLoader supplies the authoritative board contents pushed to each
// joining member as a resync.
type BoardLoader interface {
	ListNotes(ctx context.Context, boardID string) ([]board.Note, error)
	ListSections(ctx context.Context, boardID string) ([]board.Section, error)
}

// Hub is the authoritative room registry on the server: it relays mutation
// broadcasts to the other subscribers of a board, arbitrates soft-lock
// grants, and maintains the presence roster. Locks are advisory and never
// persisted; a connection's locks are released implicitly when its read loop
// exits, cleanly or not.
type Hub struct {
	logger *zap.Logger
	boards BoardLoader

	mu    sync.Mutex
	rooms map[string]map[string]*hubMember
	locks map[string]map[string]locks.Lock
}

type hubMember struct {
	connID string
	actor  board.Actor
	color  string

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func (m *hubMember) send(envelope Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.ws.WriteJSON(envelope)
}

// HubConfig assembles a hub. A nil Boards loader disables the resync push
// on join.
type HubConfig struct {
	Logger *zap.Logger
	Boards BoardLoader
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		boards: cfg.Boards,
		rooms:  make(map[string]map[string]*hubMember),
		locks:  make(map[string]map[string]locks.Lock),
	}
}

// ServeConn owns a websocket for its lifetime: it waits for the join event,
// registers the member in its board room, then relays and arbitrates until
// the connection drops. It blocks until the read loop ends.
func (h *Hub) ServeConn(ws *websocket.Conn, actor board.Actor) {
	defer ws.Close()

	var joinEnvelope Envelope
	if err := ws.ReadJSON(&joinEnvelope); err != nil {
		h.logger.Warn("realtime join read failed", zap.Error(err))
		return
	}
	if joinEnvelope.Event != EventJoinBoard {
		h.logger.Warn("realtime connection sent non-join first event",
			zap.String("event", joinEnvelope.Event))
		return
	}
	var join JoinPayload
	if err := json.Unmarshal(joinEnvelope.Payload, &join); err != nil || join.BoardID == "" || join.ConnID == "" {
		h.logger.Warn("realtime join payload invalid", zap.Error(err))
		return
	}

	member := &hubMember{
		connID: join.ConnID,
		actor:  actor,
		color:  board.ActorColor(actor.ID),
		ws:     ws,
	}
	h.register(join.BoardID, member)
	h.sendResync(join.BoardID, member)
	h.broadcastPresence(join.BoardID)
	defer func() {
		h.unregister(join.BoardID, member.connID)
		h.releaseLocksForConn(join.BoardID, member.connID)
		h.broadcastPresence(join.BoardID)
	}()

	for {
		var envelope Envelope
		if err := ws.ReadJSON(&envelope); err != nil {
			return
		}
		h.handleEvent(join.BoardID, member, envelope)
	}
}

// sendResync pushes the authoritative board snapshot to a member that just
// joined, covering mutations that landed before its subscription started.
func (h *Hub) sendResync(boardID string, member *hubMember) {
	if h.boards == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resyncLoadTimeout)
	defer cancel()
	notes, err := h.boards.ListNotes(ctx, boardID)
	if err != nil {
		h.logger.Warn("realtime resync note load failed",
			zap.String("board_id", boardID),
			zap.Error(err))
		return
	}
	sections, err := h.boards.ListSections(ctx, boardID)
	if err != nil {
		h.logger.Warn("realtime resync section load failed",
			zap.String("board_id", boardID),
			zap.Error(err))
		return
	}
	envelope, err := NewEnvelope(EventBoardResync, ResyncPayload{
		BoardID:  boardID,
		Notes:    notes,
		Sections: sections,
	})
	if err != nil {
		h.logger.Error("realtime resync encode failed", zap.Error(err))
		return
	}
	if err := member.send(envelope); err != nil {
		h.logger.Warn("realtime resync send failed",
			zap.String("board_id", boardID),
			zap.String("conn_id", member.connID),
			zap.Error(err))
	}
}

func (h *Hub) handleEvent(boardID string, member *hubMember, envelope Envelope) {
	switch envelope.Event {
	case EventJoinBoard:
		// One board per connection; repeat joins are ignored.
	case EventRequestLock:
		var request LockRequestPayload
		if err := json.Unmarshal(envelope.Payload, &request); err != nil || request.EntityID == "" {
			return
		}
		h.grantLock(boardID, request.EntityID, member)
	case EventReleaseLock:
		var request LockRequestPayload
		if err := json.Unmarshal(envelope.Payload, &request); err != nil || request.EntityID == "" {
			return
		}
		h.releaseLock(boardID, request.EntityID, member.connID)
	default:
		h.relay(boardID, member.connID, envelope)
	}
}

// grantLock grants an unlocked entity to the requester and announces the
// grant to every board subscriber, requester included. Requests against an
// entity locked by another connection are dropped; the requester already
// sees the existing grant.
func (h *Hub) grantLock(boardID, entityID string, member *hubMember) {
	h.mu.Lock()
	boardLocks, ok := h.locks[boardID]
	if !ok {
		boardLocks = make(map[string]locks.Lock)
		h.locks[boardID] = boardLocks
	}
	if existing, held := boardLocks[entityID]; held && existing.ConnID != member.connID {
		h.mu.Unlock()
		return
	}
	granted := locks.Lock{
		EntityID:    entityID,
		HolderID:    member.actor.ID,
		HolderName:  member.actor.Name,
		HolderColor: member.color,
		ConnID:      member.connID,
	}
	boardLocks[entityID] = granted
	h.mu.Unlock()

	h.broadcastAll(boardID, EventLockGranted, LockPayload{BoardID: boardID, Lock: granted})
}

func (h *Hub) releaseLock(boardID, entityID, connID string) {
	h.mu.Lock()
	boardLocks := h.locks[boardID]
	existing, held := boardLocks[entityID]
	if !held || existing.ConnID != connID {
		h.mu.Unlock()
		return
	}
	delete(boardLocks, entityID)
	h.mu.Unlock()

	h.broadcastAll(boardID, EventLockReleased, LockPayload{BoardID: boardID, Lock: existing})
}

// releaseLocksForConn implicitly releases every lock a disconnected
// connection still held, broadcasting each release.
func (h *Hub) releaseLocksForConn(boardID, connID string) {
	h.mu.Lock()
	var released []locks.Lock
	for entityID, lock := range h.locks[boardID] {
		if lock.ConnID == connID {
			delete(h.locks[boardID], entityID)
			released = append(released, lock)
		}
	}
	h.mu.Unlock()

	sort.Slice(released, func(i, j int) bool { return released[i].EntityID < released[j].EntityID })
	for _, lock := range released {
		h.broadcastAll(boardID, EventLockReleased, LockPayload{BoardID: boardID, Lock: lock})
	}
}

// LockHolder exposes the current holder of an entity lock, mainly for
// tests and admin introspection.
func (h *Hub) LockHolder(boardID, entityID string) (locks.Lock, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, held := h.locks[boardID][entityID]
	return lock, held
}

func (h *Hub) register(boardID string, member *hubMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[string]*hubMember)
		h.rooms[boardID] = room
	}
	room[member.connID] = member
}

func (h *Hub) unregister(boardID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[boardID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, boardID)
		delete(h.locks, boardID)
	}
}

func (h *Hub) members(boardID string) []*hubMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[boardID]
	members := make([]*hubMember, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}
	return members
}

// relay forwards a mutation broadcast to every other member of the room.
func (h *Hub) relay(boardID, senderConnID string, envelope Envelope) {
	for _, member := range h.members(boardID) {
		if member.connID == senderConnID {
			continue
		}
		if err := member.send(envelope); err != nil {
			h.logger.Warn("realtime relay failed",
				zap.String("board_id", boardID),
				zap.String("conn_id", member.connID),
				zap.String("event", envelope.Event),
				zap.Error(err))
		}
	}
}

func (h *Hub) broadcastAll(boardID, event string, payload any) {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("realtime broadcast encode failed",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	for _, member := range h.members(boardID) {
		if err := member.send(envelope); err != nil {
			h.logger.Warn("realtime broadcast failed",
				zap.String("board_id", boardID),
				zap.String("conn_id", member.connID),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// broadcastPresence sends the full viewer roster to every room member.
func (h *Hub) broadcastPresence(boardID string) {
	members := h.members(boardID)
	viewers := make([]Viewer, 0, len(members))
	for _, member := range members {
		viewers = append(viewers, Viewer{
			ActorID:    member.actor.ID,
			ActorName:  member.actor.Name,
			ActorColor: member.color,
			ConnID:     member.connID,
		})
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].ConnID < viewers[j].ConnID })
	h.broadcastAll(boardID, EventPresence, PresencePayload{BoardID: boardID, Viewers: viewers})
}
