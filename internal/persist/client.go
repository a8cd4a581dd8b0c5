package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teamboard/boardsync/internal/board"
)

var errMissingBaseURL = errors.New("persist: base url is required")

const defaultRequestTimeout = 15 * time.Second

// ClientConfig assembles an HTTP persistence client.
type ClientConfig struct {
	// BaseURL is the REST API root, e.g. http://host:8080.
	BaseURL string
	// Token is the bearer access token attached to every request.
	Token      string
	HTTPClient *http.Client
}

// Client talks to the board CRUD API over HTTP. It implements API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ API = (*Client)(nil)

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: base, token: cfg.Token, httpClient: httpClient}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("persist encode: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("persist request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("persist %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("persist %s %s: status %d: %s", method, path, response.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("persist decode %s: %w", path, err)
	}
	return nil
}

// LookupBoard finds or creates the board for an external project reference.
func (c *Client) LookupBoard(ctx context.Context, projectRef string) (board.Board, error) {
	var result board.Board
	err := c.do(ctx, http.MethodPost, "/boards/lookup", map[string]string{"projectRef": projectRef}, &result)
	return result, err
}

// ListNotes fetches all notes on a board.
func (c *Client) ListNotes(ctx context.Context, boardID string) ([]board.Note, error) {
	var result struct {
		Notes []board.Note `json:"notes"`
	}
	err := c.do(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID)+"/notes", nil, &result)
	return result.Notes, err
}

// CreateNote persists a note and returns it with its authoritative id.
func (c *Client) CreateNote(ctx context.Context, note board.Note) (board.Note, error) {
	var result board.Note
	err := c.do(ctx, http.MethodPost, "/boards/"+url.PathEscape(note.BoardID)+"/notes", note, &result)
	return result, err
}

// UpdateNote overwrites a note document.
func (c *Client) UpdateNote(ctx context.Context, note board.Note) error {
	path := "/boards/" + url.PathEscape(note.BoardID) + "/notes/" + url.PathEscape(note.ID)
	return c.do(ctx, http.MethodPut, path, note, nil)
}

// UpdateNotes issues one batched partial-change request.
func (c *Client) UpdateNotes(ctx context.Context, boardID string, changes []NoteChange) error {
	path := "/boards/" + url.PathEscape(boardID) + "/notes/batch"
	return c.do(ctx, http.MethodPost, path, map[string]any{"changes": changes}, nil)
}

// DeleteNote removes a single note.
func (c *Client) DeleteNote(ctx context.Context, boardID, noteID string) error {
	path := "/boards/" + url.PathEscape(boardID) + "/notes/" + url.PathEscape(noteID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DeleteNotes removes a batch of notes by id list.
func (c *Client) DeleteNotes(ctx context.Context, boardID string, noteIDs []string) error {
	path := "/boards/" + url.PathEscape(boardID) + "/notes/batch-delete"
	return c.do(ctx, http.MethodPost, path, map[string]any{"ids": noteIDs}, nil)
}

// ListSections fetches all sections on a board.
func (c *Client) ListSections(ctx context.Context, boardID string) ([]board.Section, error) {
	var result struct {
		Sections []board.Section `json:"sections"`
	}
	err := c.do(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID)+"/sections", nil, &result)
	return result.Sections, err
}

// CreateSection persists a section and returns it with its authoritative id.
func (c *Client) CreateSection(ctx context.Context, section board.Section) (board.Section, error) {
	var result board.Section
	err := c.do(ctx, http.MethodPost, "/boards/"+url.PathEscape(section.BoardID)+"/sections", section, &result)
	return result, err
}

// UpdateSection overwrites a section document.
func (c *Client) UpdateSection(ctx context.Context, section board.Section) error {
	path := "/boards/" + url.PathEscape(section.BoardID) + "/sections/" + url.PathEscape(section.ID)
	return c.do(ctx, http.MethodPut, path, section, nil)
}

// DeleteSection removes a section.
func (c *Client) DeleteSection(ctx context.Context, boardID, sectionID string) error {
	path := "/boards/" + url.PathEscape(boardID) + "/sections/" + url.PathEscape(sectionID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Notify dispatches a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, notification Notification) error {
	return c.do(ctx, http.MethodPost, "/notifications", notification, nil)
}
