package dispatch

import (
	"context"

	"tablesync/internal/spatial"
	"tablesync/internal/table"
)

// Container tells MoveEntity which placement policy applies.
type Container int

const (
	// ContainerAuto picks by kind: tokens snap to the map grid, cards are
	// classified into table zones, counters move freely.
	ContainerAuto Container = iota
	ContainerMap
	ContainerTable
)

// MoveEntity resolves a raw pointer position into a canonical one and moves
// the entity there.
func (d *Dispatcher) MoveEntity(ctx context.Context, id string, rawX, rawY float64, hint Container) error {
	rows, err := d.stage(func() ([]table.Entity, error) {
		e, err := d.lookup("move", id)
		if err != nil {
			return nil, err
		}
		next, err := d.place(e, rawX, rawY, hint)
		if err != nil {
			return nil, err
		}
		return []table.Entity{next}, nil
	})
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, "move", rows)
}

func (d *Dispatcher) place(e table.Entity, x, y float64, hint Container) (table.Entity, error) {
	if e.Kind() == table.KindFog {
		return nil, table.Invalid("move", "fog shapes cannot be moved")
	}
	if hint == ContainerAuto {
		switch e.Kind() {
		case table.KindToken:
			hint = ContainerMap
		case table.KindCard:
			hint = ContainerTable
		}
	}

	switch hint {
	case ContainerMap:
		// Owner is kept as previously set.
		meta := e.Meta()
		meta.Position.X, meta.Position.Y = spatial.SnapToGrid(x, y, d.layout.CellSize)
		return e.WithMeta(meta), nil
	case ContainerTable:
		if c, ok := e.(table.Card); ok {
			return d.placeCard(c, x, y)
		}
	}
	meta := e.Meta()
	meta.Position = table.Position{X: x, Y: y}
	return e.WithMeta(meta), nil
}

func (d *Dispatcher) placeCard(c table.Card, x, y float64) (table.Entity, error) {
	if d.heldByOther(c) {
		return nil, table.Invalid("move", "card %s is held by another user", c.ID)
	}

	zone, _ := spatial.Locate(x, y, d.layout.Zones)
	switch zone.Label {
	case table.ZoneHand:
		c.OwnerID = d.actor.UserID
		c.FaceUp = true
		c.Tapped = false
		c.Position = table.Position{X: x, Y: y}
		return c, nil
	case table.ZoneDeck, table.ZoneDiscard:
		c.Position = zone.Center
		c.FaceUp = zone.Label == table.ZoneDiscard
	default:
		c.Position = table.Position{X: x, Y: y}
	}
	c.OwnerID = ""
	c.ZOrder = d.topZ(table.KindCard) + 1
	return c, nil
}
