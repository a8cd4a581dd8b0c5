// Package session owns one client's board lifecycle: it constructs the
// shared connection, routes inbound events to the local store and lock
// coordinator, and exposes an explicit connect and disconnect surface.
package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/locks"
	"github.com/teamboard/boardsync/internal/realtime"
	"github.com/teamboard/boardsync/internal/store"
)

var (
	errMissingConn  = errors.New("session: connection is required")
	errMissingStore = errors.New("session: board store is required")
	errMissingLocks = errors.New("session: lock coordinator is required")
)

// Config assembles a board session.
type Config struct {
	Conn   *realtime.Conn
	Store  *store.BoardStore
	Locks  *locks.Coordinator
	Logger *zap.Logger

	// OnPresence observes roster changes for the joined board.
	OnPresence func(realtime.PresencePayload)
	// OnPeerSelection observes peer selection broadcasts. A payload with no
	// entity ids means that peer cleared its selection.
	OnPeerSelection func(realtime.SelectionPayload)
	// OnDisconnect fires once when the connection's read loop exits. A nil
	// error means a clean close.
	OnDisconnect func(error)
}

// Session binds a connection, a store and a lock coordinator for one board.
type Session struct {
	conn   *realtime.Conn
	store  *store.BoardStore
	locks  *locks.Coordinator
	logger *zap.Logger

	onPresence      func(realtime.PresencePayload)
	onPeerSelection func(realtime.SelectionPayload)
	onDisconnect    func(error)
}

// New wires the inbound event handlers. The connection must not be connected
// yet; Start performs the dial and room join.
func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errMissingConn
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		conn:            cfg.Conn,
		store:           cfg.Store,
		locks:           cfg.Locks,
		logger:          logger,
		onPresence:      cfg.OnPresence,
		onPeerSelection: cfg.OnPeerSelection,
		onDisconnect:    cfg.OnDisconnect,
	}
	s.registerHandlers()
	return s, nil
}

// Start loads the board snapshot over the persistence API and then joins the
// realtime room. Events arriving between the load and the join are covered by
// the server's resync on join.
func (s *Session) Start(ctx context.Context, boardID string) error {
	if err := s.store.Load(ctx); err != nil {
		return err
	}
	return s.conn.Connect(ctx, boardID)
}

// Stop closes the connection and stops the store's pending write flushes.
// The server releases this connection's locks on disconnect.
func (s *Session) Stop() {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("session close", zap.Error(err))
	}
	s.store.Close()
}

func (s *Session) registerHandlers() {
	s.conn.Handle(realtime.EventCreateNote, func(raw json.RawMessage) {
		var payload realtime.NotePayload
		if !s.decode(realtime.EventCreateNote, raw, &payload) {
			return
		}
		s.store.ApplyRemoteNoteCreated(payload.Note)
	})
	s.conn.Handle(realtime.EventUpdateNote, func(raw json.RawMessage) {
		var payload realtime.NotePayload
		if !s.decode(realtime.EventUpdateNote, raw, &payload) {
			return
		}
		s.store.ApplyRemoteNoteUpdated(payload.Note)
	})
	s.conn.Handle(realtime.EventDeleteNote, func(raw json.RawMessage) {
		var payload realtime.DeletePayload
		if !s.decode(realtime.EventDeleteNote, raw, &payload) {
			return
		}
		s.store.ApplyRemoteNoteDeleted(payload.EntityID)
	})
	s.conn.Handle(realtime.EventDeleteNotesBatch, func(raw json.RawMessage) {
		var payload realtime.BatchDeletePayload
		if !s.decode(realtime.EventDeleteNotesBatch, raw, &payload) {
			return
		}
		s.store.ApplyRemoteNotesDeleted(payload.NoteIDs)
	})
	s.conn.Handle(realtime.EventCreateSection, func(raw json.RawMessage) {
		var payload realtime.SectionPayload
		if !s.decode(realtime.EventCreateSection, raw, &payload) {
			return
		}
		s.store.ApplyRemoteSectionCreated(payload.Section)
	})
	s.conn.Handle(realtime.EventUpdateSection, func(raw json.RawMessage) {
		var payload realtime.SectionPayload
		if !s.decode(realtime.EventUpdateSection, raw, &payload) {
			return
		}
		s.store.ApplyRemoteSectionUpdated(payload.Section)
	})
	s.conn.Handle(realtime.EventDeleteSection, func(raw json.RawMessage) {
		var payload realtime.DeletePayload
		if !s.decode(realtime.EventDeleteSection, raw, &payload) {
			return
		}
		s.store.ApplyRemoteSectionDeleted(payload.EntityID)
	})
	s.conn.Handle(realtime.EventLockGranted, func(raw json.RawMessage) {
		var payload realtime.LockPayload
		if !s.decode(realtime.EventLockGranted, raw, &payload) {
			return
		}
		s.locks.ApplyGranted(payload.Lock)
	})
	s.conn.Handle(realtime.EventLockReleased, func(raw json.RawMessage) {
		var payload realtime.LockPayload
		if !s.decode(realtime.EventLockReleased, raw, &payload) {
			return
		}
		s.locks.ApplyReleased(payload.Lock.EntityID)
	})
	s.conn.Handle(realtime.EventBoardResync, func(raw json.RawMessage) {
		var payload realtime.ResyncPayload
		if !s.decode(realtime.EventBoardResync, raw, &payload) {
			return
		}
		s.store.ApplyResync(payload.Notes, payload.Sections)
	})
	s.conn.Handle(realtime.EventPresence, func(raw json.RawMessage) {
		if s.onPresence == nil {
			return
		}
		var payload realtime.PresencePayload
		if !s.decode(realtime.EventPresence, raw, &payload) {
			return
		}
		s.onPresence(payload)
	})
	s.conn.Handle(realtime.EventSelection, func(raw json.RawMessage) {
		if s.onPeerSelection == nil {
			return
		}
		var payload realtime.SelectionPayload
		if !s.decode(realtime.EventSelection, raw, &payload) {
			return
		}
		s.onPeerSelection(payload)
	})
	s.conn.Handle(realtime.EventClearSelection, func(raw json.RawMessage) {
		if s.onPeerSelection == nil {
			return
		}
		var payload realtime.SelectionPayload
		if !s.decode(realtime.EventClearSelection, raw, &payload) {
			return
		}
		payload.EntityIDs = nil
		s.onPeerSelection(payload)
	})
	s.conn.HandleClose(func(cause error) {
		// All lock state is connection scoped; a new connection starts from
		// a clean slate and learns holders from fresh grant broadcasts.
		s.locks.Reset()
		if s.onDisconnect != nil {
			s.onDisconnect(cause)
		}
	})
}

func (s *Session) decode(event string, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("session payload decode failed",
			zap.String("event", event),
			zap.Error(err))
		return false
	}
	return true
}
