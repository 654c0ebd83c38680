package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/internal/presence"
	"tablesync/internal/table"
)

// PresenceChannel is a room's presence broadcast channel over a websocket.
// It implements presence.Channel.
type PresenceChannel struct {
	conn   *websocket.Conn
	roomID string
	logger *slog.Logger

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]func(json.RawMessage)

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// JoinPresence connects to the presence channel of roomID.
func (c *Client) JoinPresence(ctx context.Context, roomID string) (*PresenceChannel, error) {
	target := c.wsURL("/ws/rooms/"+url.PathEscape(roomID)+"/presence", nil)
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &table.SubscriptionError{Room: roomID, Err: err}
	}

	ch := &PresenceChannel{
		conn:     conn,
		roomID:   roomID,
		logger:   c.logger,
		handlers: make(map[string][]func(json.RawMessage)),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// Send broadcasts msg to the other users in the room. Once the connection
// has dropped it returns the *table.SubscriptionError reported by Err.
func (p *PresenceChannel) Send(ctx context.Context, msg presence.Broadcast) error {
	select {
	case <-p.done:
		if err := p.Err(); err != nil {
			return err
		}
		return &table.SubscriptionError{Room: p.roomID, Err: net.ErrClosed}
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteJSON(msg)
}

// On registers handler for event. Handlers run on the read goroutine.
func (p *PresenceChannel) On(event string, handler func(json.RawMessage)) {
	p.handlersMu.Lock()
	p.handlers[event] = append(p.handlers[event], handler)
	p.handlersMu.Unlock()
}

// Done is closed once the connection has ended.
func (p *PresenceChannel) Done() <-chan struct{} { return p.done }

// Err reports why the channel ended. It is nil while live and after a local
// Close.
func (p *PresenceChannel) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Close leaves the channel.
func (p *PresenceChannel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

func (p *PresenceChannel) readLoop() {
	defer close(p.done)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.logger.Warn("presence channel closed", slog.String("room", p.roomID), slog.String("error", err.Error()))
				p.errMu.Lock()
				p.err = &table.SubscriptionError{Room: p.roomID, Err: err}
				p.errMu.Unlock()
			}
			return
		}
		var msg presence.Broadcast
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "broadcast" {
			continue
		}
		p.handlersMu.RLock()
		handlers := p.handlers[msg.Event]
		p.handlersMu.RUnlock()
		for _, h := range handlers {
			h(msg.Payload)
		}
	}
}
