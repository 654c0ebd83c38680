// Package presence tracks ephemeral per-user state: cursors and pings. Nothing
// here is ever written to the authoritative store.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tablesync/internal/table"
)

// Broadcast event names.
const (
	EventCursor = "cursor"
	EventPing   = "ping"
	EventLeave  = "leave"
)

// Broadcast is the presence channel envelope.
type Broadcast struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Channel is a per-room fire-and-forget broadcast channel. Delivery is at
// most once and the sender does not receive its own messages.
type Channel interface {
	Send(ctx context.Context, msg Broadcast) error
	On(event string, handler func(json.RawMessage))
	// Done is closed when the channel stops delivering.
	Done() <-chan struct{}
	// Err reports why the channel ended: nil while live and after Close,
	// a *table.SubscriptionError after a drop.
	Err() error
	Close() error
}

// NewBroadcast wraps payload in the channel envelope.
func NewBroadcast(event string, payload any) (Broadcast, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Broadcast{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Broadcast{Type: "broadcast", Event: event, Payload: raw}, nil
}

// DefaultPingTTL is used for pings that arrive without a ttl.
const DefaultPingTTL = 2 * time.Second

// Tracker holds the presence map and the ping collection for one client.
type Tracker struct {
	mu       sync.Mutex
	self     string
	ttl      time.Duration
	now      func() time.Time
	cursors  map[string]table.PresenceEntry
	pings    map[string]table.Ping
	onChange func()
}

// NewTracker builds a tracker for the local user self. Cursors idle for
// longer than ttl are pruned. A nil now uses time.Now.
func NewTracker(self string, ttl time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		self:    self,
		ttl:     ttl,
		now:     now,
		cursors: make(map[string]table.PresenceEntry),
		pings:   make(map[string]table.Ping),
	}
}

// OnChange registers fn to run after the visible presence state changes.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) changed() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ApplyCursor records a remote cursor. LastSeenAt is the local receipt time.
func (t *Tracker) ApplyCursor(e table.PresenceEntry) {
	if e.UserID == "" || e.UserID == t.self {
		return
	}
	t.mu.Lock()
	e.LastSeenAt = t.now()
	t.cursors[e.UserID] = e
	t.mu.Unlock()
	t.changed()
}

// ApplyLeave drops a user's cursor immediately.
func (t *Tracker) ApplyLeave(userID string) {
	t.mu.Lock()
	_, ok := t.cursors[userID]
	delete(t.cursors, userID)
	t.mu.Unlock()
	if ok {
		t.changed()
	}
}

// ApplyPing adds a ping that removes itself after its ttl.
func (t *Tracker) ApplyPing(p table.Ping) table.Ping {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	ttl := time.Duration(p.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = DefaultPingTTL
		p.TTLMillis = ttl.Milliseconds()
	}
	t.mu.Lock()
	p.ExpiresAt = t.now().Add(ttl)
	t.pings[p.ID] = p
	t.mu.Unlock()
	t.changed()
	return p
}

// Cursors returns live cursors sorted by user id.
func (t *Tracker) Cursors() []table.PresenceEntry {
	t.Prune()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]table.PresenceEntry, 0, len(t.cursors))
	for _, e := range t.cursors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Pings returns unexpired pings, oldest first.
func (t *Tracker) Pings() []table.Ping {
	t.Prune()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]table.Ping, 0, len(t.pings))
	for _, p := range t.pings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune drops idle cursors and expired pings and returns how many went.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	now := t.now()
	removed := 0
	for id, e := range t.cursors {
		if t.ttl > 0 && now.Sub(e.LastSeenAt) > t.ttl {
			delete(t.cursors, id)
			removed++
		}
	}
	for id, p := range t.pings {
		if !now.Before(p.ExpiresAt) {
			delete(t.pings, id)
			removed++
		}
	}
	t.mu.Unlock()
	if removed > 0 {
		t.changed()
	}
	return removed
}

// Bind feeds every presence event received on ch into t.
func Bind(ch Channel, t *Tracker, logger *slog.Logger) {
	ch.On(EventCursor, func(raw json.RawMessage) {
		var e table.PresenceEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn("decode cursor", slog.String("error", err.Error()))
			return
		}
		t.ApplyCursor(e)
	})
	ch.On(EventPing, func(raw json.RawMessage) {
		var p table.Ping
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Warn("decode ping", slog.String("error", err.Error()))
			return
		}
		t.ApplyPing(p)
	})
	ch.On(EventLeave, func(raw json.RawMessage) {
		var msg struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("decode leave", slog.String("error", err.Error()))
			return
		}
		t.ApplyLeave(msg.UserID)
	})
}

// Publish sends the local cursor.
func Publish(ctx context.Context, ch Channel, e table.PresenceEntry) error {
	msg, err := NewBroadcast(EventCursor, e)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// PublishPing sends a ping. Callers add it to their own tracker as well,
// since the channel does not echo.
func PublishPing(ctx context.Context, ch Channel, p table.Ping) error {
	msg, err := NewBroadcast(EventPing, p)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// PublishLeave announces that userID left the room.
func PublishLeave(ctx context.Context, ch Channel, userID string) error {
	msg, err := NewBroadcast(EventLeave, map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}
