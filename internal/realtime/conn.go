package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingURL    = errors.New("realtime: server url is required")
	errNotConnected  = errors.New("realtime: not connected")
	errAlreadyJoined = errors.New("realtime: connection already joined a board")
)

// Handler consumes a raw event payload delivered by the connection's read
// loop.
type Handler func(payload json.RawMessage)

// CloseHandler observes the end of the read loop. A nil cause means a clean
// close.
type CloseHandler func(cause error)

// ConnConfig assembles a client connection.
type ConnConfig struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/realtime.
	URL string
	// Token is the bearer access token presented at upgrade.
	Token  string
	Logger *zap.Logger
	Dialer *websocket.Dialer
}

// Conn is the single shared bidirectional connection for one client. It is
// explicitly constructed and passed by reference to the mutation engine,
// lock coordinator and reducer by the owning board session controller; there
// is no ambient global socket.
type Conn struct {
	connID string
	url    string
	token  string
	logger *zap.Logger
	dialer *websocket.Dialer

	mu            sync.Mutex
	ws            *websocket.Conn
	boardID       string
	handlers      map[string][]Handler
	closeHandlers []CloseHandler
	closed        bool
}

// NewConn constructs an unconnected client connection with a fresh
// connection identity.
func NewConn(cfg ConnConfig) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Conn{
		connID:   uuid.NewString(),
		url:      cfg.URL,
		token:    cfg.Token,
		logger:   logger,
		dialer:   dialer,
		handlers: make(map[string][]Handler),
	}, nil
}

// ConnID returns the connection identity included in lock and selection
// payloads.
func (c *Conn) ConnID() string {
	return c.connID
}

// Handle registers an event handler. Registration must happen before
// Connect; handlers run on the read loop goroutine.
func (c *Conn) Handle(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// HandleClose registers a callback invoked when the read loop exits. A nil
// error means a clean close.
func (c *Conn) HandleClose(handler CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandlers = append(c.closeHandlers, handler)
}

// Connect dials the server, joins the board room, and starts the read loop.
// One connection serves exactly one board; switching boards means closing
// and building a new connection.
func (c *Conn) Connect(ctx context.Context, boardID string) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return errAlreadyJoined
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.boardID = boardID
	c.closed = false
	c.mu.Unlock()

	if err := c.Emit(EventJoinBoard, JoinPayload{BoardID: boardID, ConnID: c.connID}); err != nil {
		c.Close()
		return err
	}

	go c.readLoop(ws)
	return nil
}

// Emit frames and writes an event. Writes are serialized; concurrent
// callers are safe.
func (c *Conn) Emit(event string, payload any) error {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("realtime encode %s: %w", event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errNotConnected
	}
	if err := c.ws.WriteJSON(envelope); err != nil {
		return fmt.Errorf("realtime write %s: %w", event, err)
	}
	return nil
}

// Close tears the connection down. The server releases this connection's
// locks and presence on disconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if ws == nil || alreadyClosed {
		return nil
	}
	return ws.Close()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	var loopErr error
	for {
		var envelope Envelope
		if err := ws.ReadJSON(&envelope); err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				loopErr = err
				c.logger.Warn("realtime read loop ended",
					zap.String("conn_id", c.connID),
					zap.Error(err))
			}
			break
		}
		c.dispatch(envelope)
	}

	c.Close()
	c.mu.Lock()
	closeHandlers := append([]CloseHandler{}, c.closeHandlers...)
	c.mu.Unlock()
	for _, handler := range closeHandlers {
		handler(loopErr)
	}
}

func (c *Conn) dispatch(envelope Envelope) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[envelope.Event]...)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(envelope.Payload)
	}
}
