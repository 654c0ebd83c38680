package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tablesync/internal/presence"
	"tablesync/internal/table"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
)

// pingPeriod must stay below pongWait so a live peer always answers in time.
func pingPeriod(pongWait time.Duration) time.Duration {
	return (pongWait * 9) / 10
}

// handleChanges streams committed changes of one kind in a room. Each frame is
// one change encoded with table.MarshalChange.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	kind, err := table.ParseKind(r.URL.Query().Get("kind"))
	if err != nil || !kind.Persisted() {
		writeError(w, http.StatusBadRequest, "kind must be token, card or fog")
		return
	}

	// Subscribe before the handshake completes so a client that refetches
	// right after connecting cannot miss a commit.
	sub, cancel := s.changes.add(room.ID, kind)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade change stream", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.logger.Info("change stream opened", slog.String("room", room.ID), slog.String("kind", string(kind)))
	defer s.logger.Info("change stream closed", slog.String("room", room.ID), slog.String("kind", string(kind)))

	done := make(chan struct{})
	go drainReads(conn, s.pongWait, done)

	ticker := time.NewTicker(pingPeriod(s.pongWait))
	defer ticker.Stop()

	for {
		select {
		case c := <-sub.ch:
			raw, err := table.MarshalChange(c)
			if err != nil {
				s.logger.Error("marshal change", slog.String("error", err.Error()))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-sub.lagged:
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber lagging")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// expectPongs arms the read deadline and extends it on every pong.
func expectPongs(conn *websocket.Conn, pongWait time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// keepAlive pings conn until stop closes. A failed ping closes the
// connection, which ends the handler's read loop.
func keepAlive(conn *websocket.Conn, pongWait time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod(pongWait))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// drainReads consumes control frames until the peer goes away.
func drainReads(conn *websocket.Conn, pongWait time.Duration, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	expectPongs(conn, pongWait)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type peer struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (p *peer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// presenceHub tracks presence peers per room. It keeps no presence state;
// messages are relayed as received.
type presenceHub struct {
	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}
}

func newPresenceHub() *presenceHub {
	return &presenceHub{rooms: make(map[string]map[*peer]struct{})}
}

func (h *presenceHub) join(roomID string, p *peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*peer]struct{})
	}
	h.rooms[roomID][p] = struct{}{}
	return len(h.rooms[roomID])
}

func (h *presenceHub) leave(roomID string, p *peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.rooms[roomID]
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.rooms, roomID)
	}
	return len(peers)
}

func (h *presenceHub) count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// others copies the room's peers except p so writes happen without the lock.
func (h *presenceHub) others(roomID string, p *peer) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.rooms[roomID]))
	for other := range h.rooms[roomID] {
		if other != p {
			out = append(out, other)
		}
	}
	return out
}

// handlePresence relays presence broadcasts between the users of a room. The
// sender never receives its own messages. When a connection ends the server
// announces a leave on the user's behalf.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	actor := actorFromContext(r.Context())
	if actor.UserID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	if actor.IsGM() && !canActAsGM(room, actor) {
		http.Error(w, "only the room creator can connect as GM", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade presence", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	p := &peer{userID: actor.UserID, conn: conn}
	peers := s.presence.join(room.ID, p)
	s.logger.Info("presence connected", slog.String("room", room.ID), slog.String("user", actor.UserID), slog.Int("peers", peers))
	defer func() {
		remaining := s.presence.leave(room.ID, p)
		s.logger.Info("presence disconnected", slog.String("room", room.ID), slog.String("user", actor.UserID), slog.Int("peers", remaining))
		s.announceLeave(room.ID, p)
	}()

	conn.SetReadLimit(s.cfg.MaxBodySize)
	expectPongs(conn, s.pongWait)
	stop := make(chan struct{})
	defer close(stop)
	go keepAlive(conn, s.pongWait, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg presence.Broadcast
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "broadcast" || msg.Event == "" {
			s.logger.Warn("dropping malformed presence message", slog.String("room", room.ID), slog.String("user", actor.UserID))
			continue
		}
		s.relay(room.ID, p, raw)
	}
}

func (s *Server) relay(roomID string, from *peer, payload []byte) {
	for _, p := range s.presence.others(roomID, from) {
		if err := p.write(payload); err != nil {
			s.logger.Warn("relay presence", slog.String("room", roomID), slog.String("user", p.userID), slog.String("error", err.Error()))
		}
	}
}

func (s *Server) announceLeave(roomID string, p *peer) {
	msg, err := presence.NewBroadcast(presence.EventLeave, map[string]string{"userId": p.userID})
	if err != nil {
		s.logger.Error("marshal leave", slog.String("error", err.Error()))
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal leave", slog.String("error", err.Error()))
		return
	}
	s.relay(roomID, p, raw)
}
