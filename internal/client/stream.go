package client

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/internal/table"
)

const writeWait = 10 * time.Second

// Stream is a live change subscription for one room and kind.
type Stream struct {
	conn    *websocket.Conn
	roomID  string
	kind    table.Kind
	logger  *slog.Logger
	changes chan table.Change

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe opens a change stream. Failures are reported as
// *table.SubscriptionError.
func (c *Client) Subscribe(ctx context.Context, roomID string, kind table.Kind) (*Stream, error) {
	target := c.wsURL("/ws/rooms/"+url.PathEscape(roomID)+"/changes", url.Values{"kind": {string(kind)}})
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &table.SubscriptionError{Room: roomID, Kind: kind, Err: err}
	}

	s := &Stream{
		conn:    conn,
		roomID:  roomID,
		kind:    kind,
		logger:  c.logger,
		changes: make(chan table.Change, 64),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Changes delivers changes in commit order. It is closed when the stream ends.
func (s *Stream) Changes() <-chan table.Change { return s.changes }

// Err reports why the stream ended. It is nil while the stream is live and
// after a local Close. Callers still Close an ended stream to release it.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.changes)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.mu.Lock()
				s.err = &table.SubscriptionError{Room: s.roomID, Kind: s.kind, Err: err}
				s.mu.Unlock()
			}
			return
		}

		change, err := table.UnmarshalChange(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable change", slog.String("room", s.roomID), slog.String("kind", string(s.kind)), slog.String("error", err.Error()))
			continue
		}
		select {
		case s.changes <- change:
		case <-s.closed:
			return
		}
	}
}
