package server

import (
	"log/slog"
	"sync"

	"tablesync/internal/table"
)

// changeHub fans committed changes out to change-stream subscribers, keyed by
// room and kind. It is the store's Feed.
type changeHub struct {
	mu     sync.Mutex
	rooms  map[string]map[*changeSub]struct{}
	buffer int
	logger *slog.Logger
}

type changeSub struct {
	kind table.Kind
	ch   chan table.Change
	// closed when the hub drops the subscriber for falling behind
	lagged chan struct{}
}

func newChangeHub(buffer int, logger *slog.Logger) *changeHub {
	if buffer < 1 {
		buffer = 1
	}
	return &changeHub{
		rooms:  make(map[string]map[*changeSub]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *changeHub) add(roomID string, kind table.Kind) (*changeSub, func()) {
	sub := &changeSub{
		kind:   kind,
		ch:     make(chan table.Change, h.buffer),
		lagged: make(chan struct{}),
	}
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*changeSub]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		h.drop(roomID, sub)
		h.mu.Unlock()
	}
}

// drop must be called with h.mu held. It reports whether sub was registered.
func (h *changeHub) drop(roomID string, sub *changeSub) bool {
	subs := h.rooms[roomID]
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
	return true
}

// Publish delivers c to every subscriber of its kind in roomID. It never
// blocks: a subscriber with a full buffer is dropped and told so, and its
// client recovers by refetching.
func (h *changeHub) Publish(roomID string, c table.Change) {
	kind := c.Ref().Kind
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[roomID] {
		if sub.kind != kind {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			if h.drop(roomID, sub) {
				close(sub.lagged)
			}
			h.logger.Warn("dropping lagging subscriber", slog.String("room", roomID), slog.String("kind", string(kind)))
		}
	}
}

func (h *changeHub) count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}
