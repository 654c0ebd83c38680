// Package reconcile merges authoritative change events into a mirror.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"tablesync/internal/mirror"
	"tablesync/internal/table"
)

// Subscription delivers committed changes for one room and kind. Changes is
// closed when delivery stops; Err then reports why (nil after Close).
type Subscription interface {
	Changes() <-chan table.Change
	Err() error
	Close() error
}

// Engine applies remote changes. Remote rows always overwrite local optimistic
// state for the same id, since they reflect the authoritative store.
type Engine struct {
	roomID   string
	mirror   *mirror.Mirror
	seq      sync.Locker
	logger   *slog.Logger
	onChange func(table.Ref)

	trackMu  sync.Mutex
	trackers map[*tracker]struct{}
}

type tracker struct {
	refs map[table.Ref]struct{}
}

// New builds an engine for roomID. seq serializes reconciliation with local
// dispatcher actions; pass the same locker to both.
func New(roomID string, m *mirror.Mirror, seq sync.Locker, logger *slog.Logger) *Engine {
	return &Engine{roomID: roomID, mirror: m, seq: seq, logger: logger, trackers: make(map[*tracker]struct{})}
}

// Track records every ref a remote change touches from now until stop is
// called. A refetch uses it to keep rows that moved past its snapshot. Call
// stop while holding seq so no change slips in between stop and the merge.
func (e *Engine) Track() (stop func() map[table.Ref]struct{}) {
	t := &tracker{refs: make(map[table.Ref]struct{})}
	e.trackMu.Lock()
	e.trackers[t] = struct{}{}
	e.trackMu.Unlock()
	return func() map[table.Ref]struct{} {
		e.trackMu.Lock()
		defer e.trackMu.Unlock()
		delete(e.trackers, t)
		return t.refs
	}
}

func (e *Engine) touched(ref table.Ref) {
	e.trackMu.Lock()
	for t := range e.trackers {
		t.refs[ref] = struct{}{}
	}
	e.trackMu.Unlock()
}

// OnChange registers fn to be called after every effective mirror write.
func (e *Engine) OnChange(fn func(table.Ref)) {
	e.onChange = fn
}

// Apply merges c and reports whether the mirror changed. Redelivered events
// and deletes of unknown ids are no-ops.
func (e *Engine) Apply(c table.Change) bool {
	ref := c.Ref()
	if !ref.Kind.Persisted() {
		e.logger.Warn("ignoring change for local-only kind", slog.String("kind", string(ref.Kind)), slog.String("id", ref.ID))
		return false
	}

	e.seq.Lock()
	var changed bool
	switch v := c.(type) {
	case table.Insert:
		changed = e.upsert(v.Entity)
	case table.Update:
		changed = e.upsert(v.Entity)
	case table.Delete:
		e.touched(v.Target)
		changed = e.mirror.Remove(v.Target)
	}
	e.seq.Unlock()

	if changed && e.onChange != nil {
		e.onChange(ref)
	}
	return changed
}

func (e *Engine) upsert(ent table.Entity) bool {
	if room := ent.Meta().RoomID; room != "" && room != e.roomID {
		e.logger.Warn("ignoring change for another room", slog.String("room", room), slog.String("id", ent.Meta().ID))
		return false
	}
	e.touched(table.RefOf(ent))
	return e.mirror.Upsert(ent)
}

// Run applies changes from sub until the context ends or delivery stops.
// A dropped subscription is returned so the caller can re-subscribe.
func (e *Engine) Run(ctx context.Context, sub Subscription) error {
	changes := sub.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return sub.Err()
			}
			e.Apply(c)
		}
	}
}
