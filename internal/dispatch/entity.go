package dispatch

import (
	"context"

	"tablesync/internal/spatial"
	"tablesync/internal/table"
)

// Flip turns a card over. It reports false without error when the card is
// held by someone other than the actor.
func (d *Dispatcher) Flip(ctx context.Context, id string) (bool, error) {
	return d.cardAction(ctx, "flip", id, func(c *table.Card) { c.FaceUp = !c.FaceUp })
}

// Rotate taps or untaps a card, with the same ownership rule as Flip.
func (d *Dispatcher) Rotate(ctx context.Context, id string) (bool, error) {
	return d.cardAction(ctx, "rotate", id, func(c *table.Card) { c.Tapped = !c.Tapped })
}

func (d *Dispatcher) cardAction(ctx context.Context, op, id string, edit func(*table.Card)) (bool, error) {
	skipped := false
	rows, err := d.stage(func() ([]table.Entity, error) {
		e, err := d.lookup(op, id)
		if err != nil {
			return nil, err
		}
		c, ok := e.(table.Card)
		if !ok {
			return nil, table.Invalid(op, "%s %s is not a card", e.Kind(), id)
		}
		if d.heldByOther(c) {
			skipped = true
			return nil, nil
		}
		edit(&c)
		return []table.Entity{c}, nil
	})
	if err != nil || skipped {
		return false, err
	}
	return true, d.persistUpdates(ctx, op, rows)
}

// DropToken places a new token on the map, snapped to the grid.
func (d *Dispatcher) DropToken(ctx context.Context, at table.Position, size float64, imageRef, ownerID string) (string, error) {
	rows, err := d.stage(func() ([]table.Entity, error) {
		if size <= 0 {
			return nil, table.Invalid("drop token", "size must be positive")
		}
		x, y := spatial.SnapToGrid(at.X, at.Y, d.layout.CellSize)
		tok := table.Token{
			Synced: table.Synced{
				ID:       d.newID(),
				RoomID:   d.room,
				Position: table.Position{X: x, Y: y},
				ZOrder:   d.topZ(table.KindToken) + 1,
				OwnerID:  ownerID,
			},
			Size:        size,
			ImageRef:    imageRef,
			StatusFlags: []string{},
		}
		return []table.Entity{tok}, nil
	})
	if err != nil {
		return "", err
	}
	return rows[0].Meta().ID, d.persistInsert(ctx, "drop token", table.KindToken, rows)
}

// ToggleStatus flips a status flag on a token.
func (d *Dispatcher) ToggleStatus(ctx context.Context, id, flag string) error {
	return d.tokenAction(ctx, "toggle status", id, func(t table.Token) table.Token { return t.ToggleStatus(flag) })
}

// SetHidden hides a token from everyone but its controller and the GM.
func (d *Dispatcher) SetHidden(ctx context.Context, id string, hidden bool) error {
	return d.tokenAction(ctx, "set hidden", id, func(t table.Token) table.Token {
		t.Hidden = hidden
		return t
	})
}

func (d *Dispatcher) tokenAction(ctx context.Context, op, id string, edit func(table.Token) table.Token) error {
	rows, err := d.stage(func() ([]table.Entity, error) {
		e, err := d.lookup(op, id)
		if err != nil {
			return nil, err
		}
		t, ok := e.(table.Token)
		if !ok {
			return nil, table.Invalid(op, "%s %s is not a token", e.Kind(), id)
		}
		return []table.Entity{edit(t)}, nil
	})
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, op, rows)
}

// RemoveEntity deletes a single token, card or counter. Fog shapes are only
// removed by ResetFog.
func (d *Dispatcher) RemoveEntity(ctx context.Context, id string) error {
	d.seq.Lock()
	e, err := d.lookup("remove", id)
	if err == nil {
		switch {
		case e.Kind() == table.KindFog:
			err = table.Invalid("remove", "fog shapes are append-only")
		case d.heldByOther(e):
			err = table.Invalid("remove", "%s %s is held by another user", e.Kind(), id)
		default:
			d.mirror.Remove(table.RefOf(e))
		}
	}
	d.seq.Unlock()
	if err != nil {
		return err
	}

	if !e.Kind().Persisted() {
		return nil
	}
	if err := d.store.Delete(ctx, e.Kind(), id); err != nil {
		return d.persistFailed("remove", e.Kind(), id, err)
	}
	return nil
}

// AddCounter creates a local-only counter. It is never persisted.
func (d *Dispatcher) AddCounter(label string, value int, at table.Position) string {
	d.seq.Lock()
	defer d.seq.Unlock()
	c := table.Counter{
		Synced: table.Synced{ID: d.newID(), RoomID: d.room, Position: at, ZOrder: d.topZ(table.KindCounter) + 1},
		Label:  label,
		Value:  value,
	}
	d.mirror.Upsert(c)
	return c.ID
}

// AdjustCounter adds delta to a counter's value.
func (d *Dispatcher) AdjustCounter(id string, delta int) (int, error) {
	d.seq.Lock()
	defer d.seq.Unlock()
	e, ok := d.mirror.Get(table.Ref{Kind: table.KindCounter, ID: id})
	if !ok {
		return 0, table.Invalid("adjust counter", "unknown counter %s", id)
	}
	c := e.(table.Counter)
	c.Value += delta
	d.mirror.Upsert(c)
	return c.Value, nil
}

// RemoveCounter drops a counter from the mirror.
func (d *Dispatcher) RemoveCounter(id string) bool {
	d.seq.Lock()
	defer d.seq.Unlock()
	return d.mirror.Remove(table.Ref{Kind: table.KindCounter, ID: id})
}
