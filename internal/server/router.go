// Package server exposes the persistence CRUD API, the notification
// dispatch endpoint, and the realtime websocket upgrade consumed by board
// clients.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamboard/boardsync/internal/board"
	"github.com/teamboard/boardsync/internal/identity"
	"github.com/teamboard/boardsync/internal/persist"
	"github.com/teamboard/boardsync/internal/realtime"
	"github.com/teamboard/boardsync/internal/storage"
)

const actorContextKey = "boardsync_actor"

var (
	errMissingStorage  = errors.New("storage service dependency required")
	errMissingTokens   = errors.New("identity manager dependency required")
	errMissingHub      = errors.New("realtime hub dependency required")
	errInvalidBearer   = errors.New("authorization header missing or invalid")
	websocketsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Storage *storage.Service
	Tokens  *identity.Manager
	Hub     *realtime.Hub
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Storage == nil {
		return nil, errMissingStorage
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		storage: deps.Storage,
		tokens:  deps.Tokens,
		hub:     deps.Hub,
		logger:  logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/boards/lookup", handler.handleBoardLookup)
	protected.GET("/boards/:boardID/notes", handler.handleListNotes)
	protected.POST("/boards/:boardID/notes", handler.handleCreateNote)
	protected.PUT("/boards/:boardID/notes/:noteID", handler.handleUpdateNote)
	protected.POST("/boards/:boardID/notes/batch", handler.handleBatchUpdateNotes)
	protected.POST("/boards/:boardID/notes/batch-delete", handler.handleBatchDeleteNotes)
	protected.DELETE("/boards/:boardID/notes/:noteID", handler.handleDeleteNote)
	protected.GET("/boards/:boardID/sections", handler.handleListSections)
	protected.POST("/boards/:boardID/sections", handler.handleCreateSection)
	protected.PUT("/boards/:boardID/sections/:sectionID", handler.handleUpdateSection)
	protected.DELETE("/boards/:boardID/sections/:sectionID", handler.handleDeleteSection)
	protected.POST("/notifications", handler.handleNotification)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	storage *storage.Service
	tokens  *identity.Manager
	hub     *realtime.Hub
	logger  *zap.Logger
}

// authorizeRequest resolves the acting identity from the Bearer header, or
// from the access_token query parameter for websocket upgrades, which
// browsers cannot attach headers to.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = c.Query("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidBearer.Error()})
		return
	}
	actor, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) board.Actor {
	value, _ := c.Get(actorContextKey)
	actor, _ := value.(board.Actor)
	return actor
}

type boardLookupPayload struct {
	ProjectRef string `json:"projectRef"`
}

func (h *httpHandler) handleBoardLookup(c *gin.Context) {
	var request boardLookupPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	found, err := h.storage.LookupBoard(c.Request.Context(), request.ProjectRef)
	if err != nil {
		h.logger.Error("board lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	notes, err := h.storage.ListNotes(c.Request.Context(), c.Param("boardID"))
	if err != nil {
		h.logger.Error("note list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var note board.Note
	if err := c.ShouldBindJSON(&note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	note.BoardID = c.Param("boardID")
	actor := h.actor(c)
	if note.CreatedBy == "" {
		note.CreatedBy = actor.ID
	}
	note.UpdatedBy = actor.ID
	created, err := h.storage.CreateNote(c.Request.Context(), note)
	if err != nil {
		h.logger.Error("note create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var note board.Note
	if err := c.ShouldBindJSON(&note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	note.ID = c.Param("noteID")
	note.BoardID = c.Param("boardID")
	note.UpdatedBy = h.actor(c).ID
	if err := h.storage.UpdateNote(c.Request.Context(), note); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("note update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type batchUpdatePayload struct {
	Changes []persist.NoteChange `json:"changes"`
}

func (h *httpHandler) handleBatchUpdateNotes(c *gin.Context) {
	var request batchUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.storage.UpdateNotes(c.Request.Context(), c.Param("boardID"), request.Changes); err != nil {
		h.logger.Error("batch note update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch_update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type batchDeletePayload struct {
	IDs []string `json:"ids"`
}

func (h *httpHandler) handleBatchDeleteNotes(c *gin.Context) {
	var request batchDeletePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.storage.DeleteNotes(c.Request.Context(), c.Param("boardID"), request.IDs); err != nil {
		h.logger.Error("batch note delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch_delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	if err := h.storage.DeleteNote(c.Request.Context(), c.Param("boardID"), c.Param("noteID")); err != nil {
		h.logger.Error("note delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListSections(c *gin.Context) {
	sections, err := h.storage.ListSections(c.Request.Context(), c.Param("boardID"))
	if err != nil {
		h.logger.Error("section list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": sections})
}

func (h *httpHandler) handleCreateSection(c *gin.Context) {
	var section board.Section
	if err := c.ShouldBindJSON(&section); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	section.BoardID = c.Param("boardID")
	created, err := h.storage.CreateSection(c.Request.Context(), section)
	if err != nil {
		h.logger.Error("section create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateSection(c *gin.Context) {
	var section board.Section
	if err := c.ShouldBindJSON(&section); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	section.ID = c.Param("sectionID")
	section.BoardID = c.Param("boardID")
	if err := h.storage.UpdateSection(c.Request.Context(), section); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("section update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteSection(c *gin.Context) {
	if err := h.storage.DeleteSection(c.Request.Context(), c.Param("boardID"), c.Param("sectionID")); err != nil {
		h.logger.Error("section delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNotification accepts a fire-and-forget dispatch: the caller gets 202
// regardless of ledger write outcome, which is logged server-side.
func (h *httpHandler) handleNotification(c *gin.Context) {
	var notification persist.Notification
	if err := c.ShouldBindJSON(&notification); err != nil || notification.Recipient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	metadataJSON := ""
	if len(notification.Metadata) > 0 {
		raw, err := json.Marshal(notification.Metadata)
		if err == nil {
			metadataJSON = string(raw)
		}
	}
	if err := h.storage.SaveNotification(c.Request.Context(), notification.Recipient, notification.EventType, metadataJSON); err != nil {
		h.logger.Error("notification ledger write failed",
			zap.String("recipient", notification.Recipient),
			zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}

// handleRealtime upgrades to a websocket and hands the connection to the
// hub, which owns it until disconnect.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	actor := h.actor(c)
	ws, err := websocketsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.ServeConn(ws, actor)
}
