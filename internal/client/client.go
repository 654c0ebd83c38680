// Package client talks to a tablesync server: REST calls for the store, and
// websocket streams for committed changes and presence.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/internal/table"
)

// Identity headers understood by the server.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps 404 responses to table.ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return table.ErrNotFound
	}
	return nil
}

// Client is bound to one server and one acting user.
type Client struct {
	base   *url.URL
	actor  table.Actor
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New returns a client for the server at baseURL.
func New(baseURL string, actor table.Actor, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", u.Scheme)
	}
	return &Client{
		base:   u,
		actor:  actor,
		http:   &http.Client{Timeout: 15 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Actor returns the user the client acts as.
func (c *Client) Actor() table.Actor { return c.actor }

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) identify(h http.Header) {
	h.Set(headerUserID, c.actor.UserID)
	h.Set(headerUserRole, string(c.actor.Role))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.identify(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// CreateRoom creates a room owned by the client's user. A nil layout uses the
// server's default.
func (c *Client) CreateRoom(ctx context.Context, name string, layout *table.Layout) (table.Room, error) {
	var room table.Room
	body := map[string]any{"name": name}
	if layout != nil {
		body["layout"] = layout
	}
	err := c.do(ctx, http.MethodPost, "/rooms", body, &room)
	return room, err
}

// GetRoom loads a room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (table.Room, error) {
	var room table.Room
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &room)
	if errors.Is(err, table.ErrNotFound) {
		return table.Room{}, table.ErrRoomNotFound
	}
	return room, err
}

// Snapshot fetches every persisted entity in a room.
func (c *Client) Snapshot(ctx context.Context, roomID string) (table.Snapshot, error) {
	var snap table.Snapshot
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/entities", nil, &snap)
	return snap, err
}

// Room returns the store for one room.
func (c *Client) Room(roomID string) *RoomStore {
	return &RoomStore{c: c, roomID: roomID}
}

// RoomStore performs row writes against one room.
type RoomStore struct {
	c      *Client
	roomID string
}

func (s *RoomStore) entities(kind table.Kind) string {
	return "/rooms/" + url.PathEscape(s.roomID) + "/entities/" + string(kind)
}

// Insert writes new rows.
func (s *RoomStore) Insert(ctx context.Context, kind table.Kind, rows []table.Entity) error {
	return s.c.do(ctx, http.MethodPost, s.entities(kind), rows, nil)
}

// Update replaces one row.
func (s *RoomStore) Update(ctx context.Context, kind table.Kind, id string, row table.Entity) error {
	return s.c.do(ctx, http.MethodPut, s.entities(kind)+"/"+url.PathEscape(id), row, nil)
}

// Delete removes one row.
func (s *RoomStore) Delete(ctx context.Context, kind table.Kind, id string) error {
	return s.c.do(ctx, http.MethodDelete, s.entities(kind)+"/"+url.PathEscape(id), nil, nil)
}

// DeleteWhere removes every row of kind in roomID.
func (s *RoomStore) DeleteWhere(ctx context.Context, kind table.Kind, roomID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/entities/" + string(kind)
	return s.c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UpdateRoom replaces the room settings.
func (s *RoomStore) UpdateRoom(ctx context.Context, roomID string, settings table.RoomSettings) error {
	return s.c.do(ctx, http.MethodPatch, "/rooms/"+url.PathEscape(roomID)+"/settings", settings, nil)
}

// wsURL converts path on the server into a websocket URL carrying the
// client's identity as query parameters.
func (c *Client) wsURL(path string, query url.Values) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("user", c.actor.UserID)
	query.Set("role", string(c.actor.Role))
	u.RawQuery = query.Encode()
	return u.String()
}
