// Package dispatch originates every change to a room. Each action computes the
// next state from the mirror, applies it optimistically, then persists it.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"tablesync/internal/mirror"
	"tablesync/internal/table"
)

// Store is the authoritative persistence surface. Every call is per row or
// per room; no cross-entity transaction is assumed.
type Store interface {
	Insert(ctx context.Context, kind table.Kind, rows []table.Entity) error
	Update(ctx context.Context, kind table.Kind, id string, row table.Entity) error
	Delete(ctx context.Context, kind table.Kind, id string) error
	// DeleteWhere removes every row of kind in roomID as one operation.
	DeleteWhere(ctx context.Context, kind table.Kind, roomID string) error
	UpdateRoom(ctx context.Context, roomID string, settings table.RoomSettings) error
}

// Config wires a Dispatcher. Rand and NewID are optional.
type Config struct {
	RoomID   string
	Actor    table.Actor
	Layout   table.Layout
	Settings table.RoomSettings
	Mirror   *mirror.Mirror
	Store    Store
	Seq      sync.Locker
	Logger   *slog.Logger
	Rand     *rand.Rand
	NewID    func() string
}

// Dispatcher is bound to one room and one acting user.
type Dispatcher struct {
	room     string
	actor    table.Actor
	layout   table.Layout
	settings table.RoomSettings
	mirror   *mirror.Mirror
	store    Store
	seq      sync.Locker
	logger   *slog.Logger
	rng      *rand.Rand
	newID    func() string
}

// New builds a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		room:     cfg.RoomID,
		actor:    cfg.Actor,
		layout:   cfg.Layout,
		settings: cfg.Settings,
		mirror:   cfg.Mirror,
		store:    cfg.Store,
		seq:      cfg.Seq,
		logger:   cfg.Logger,
		rng:      cfg.Rand,
		newID:    cfg.NewID,
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.NewString() }
	}
	if d.seq == nil {
		d.seq = &sync.Mutex{}
	}
	return d
}

// Actor returns the acting user.
func (d *Dispatcher) Actor() table.Actor { return d.actor }

// Settings returns the locally known room settings.
func (d *Dispatcher) Settings() table.RoomSettings {
	d.seq.Lock()
	defer d.seq.Unlock()
	return d.settings
}

// stage computes the next rows under the sequencing lock and writes them to
// the mirror before any network call is made.
func (d *Dispatcher) stage(compute func() ([]table.Entity, error)) ([]table.Entity, error) {
	d.seq.Lock()
	defer d.seq.Unlock()
	rows, err := compute()
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		d.mirror.Upsert(r)
	}
	return rows, nil
}

// persistUpdates writes rows one by one. A failure does not stop the
// remaining writes and never rolls the mirror back.
func (d *Dispatcher) persistUpdates(ctx context.Context, op string, rows []table.Entity) error {
	var errs []error
	for _, r := range rows {
		kind := r.Kind()
		if !kind.Persisted() {
			continue
		}
		id := r.Meta().ID
		if err := d.store.Update(ctx, kind, id, r); err != nil {
			errs = append(errs, d.persistFailed(op, kind, id, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) persistInsert(ctx context.Context, op string, kind table.Kind, rows []table.Entity) error {
	if len(rows) == 0 {
		return nil
	}
	if err := d.store.Insert(ctx, kind, rows); err != nil {
		return d.persistFailed(op, kind, "", err)
	}
	return nil
}

func (d *Dispatcher) persistFailed(op string, kind table.Kind, id string, err error) error {
	d.logger.Error("persist failed",
		slog.String("op", op),
		slog.String("room", d.room),
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.String("error", err.Error()))
	return &table.PersistenceError{Op: op, Kind: kind, ID: id, Err: err}
}

// heldByOther reports whether e is held by a user other than the actor.
// The GM is never blocked.
func (d *Dispatcher) heldByOther(e table.Entity) bool {
	owner := e.Meta().OwnerID
	return owner != "" && owner != d.actor.UserID && !d.actor.IsGM()
}

func (d *Dispatcher) lookup(op, id string) (table.Entity, error) {
	e, ok := d.mirror.Find(id)
	if !ok {
		return nil, table.Invalid(op, "unknown entity %s", id)
	}
	return e, nil
}

// topZ returns the highest z-order among entities of kind, or -1.
func (d *Dispatcher) topZ(kind table.Kind) int {
	top := -1
	for _, e := range d.mirror.List(mirror.OfKind(kind)) {
		if z := e.Meta().ZOrder; z > top {
			top = z
		}
	}
	return top
}
