package dispatch

import (
	"context"
	"log/slog"
	"slices"

	"tablesync/internal/mirror"
	"tablesync/internal/table"
)

// RevealFog appends one shape through points. Existing shapes are never
// edited.
func (d *Dispatcher) RevealFog(ctx context.Context, points []table.Position, width float64) (string, error) {
	rows, err := d.stage(func() ([]table.Entity, error) {
		if len(points) < 2 {
			return nil, table.Invalid("reveal", "a shape needs at least 2 points, got %d", len(points))
		}
		shape := table.FogShape{
			Synced: table.Synced{
				ID:       d.newID(),
				RoomID:   d.room,
				Position: points[0],
				ZOrder:   d.topZ(table.KindFog) + 1,
			},
			Points: slices.Clone(points),
			Width:  width,
		}
		return []table.Entity{shape}, nil
	})
	if err != nil {
		return "", err
	}
	return rows[0].Meta().ID, d.persistInsert(ctx, "reveal", table.KindFog, rows)
}

// ResetFog deletes every fog shape in the room. The store removes them in a
// single operation.
func (d *Dispatcher) ResetFog(ctx context.Context) error {
	d.seq.Lock()
	for _, e := range d.mirror.List(mirror.OfKind(table.KindFog)) {
		d.mirror.Remove(table.RefOf(e))
	}
	d.seq.Unlock()

	if err := d.store.DeleteWhere(ctx, table.KindFog, d.room); err != nil {
		return d.persistFailed("reset fog", table.KindFog, "", err)
	}
	return nil
}

// SetFogEnabled toggles fog of war. Toggling always resets exploration.
func (d *Dispatcher) SetFogEnabled(ctx context.Context, enabled bool) error {
	return d.changeSettings(ctx, "toggle fog", func(s *table.RoomSettings) { s.FogEnabled = enabled })
}

// SetBackground swaps the map image, which also resets exploration.
func (d *Dispatcher) SetBackground(ctx context.Context, ref string) error {
	return d.changeSettings(ctx, "set background", func(s *table.RoomSettings) { s.BackgroundRef = ref })
}

func (d *Dispatcher) changeSettings(ctx context.Context, op string, edit func(*table.RoomSettings)) error {
	if !d.actor.IsGM() {
		return table.Invalid(op, "only the GM can change room settings")
	}
	d.seq.Lock()
	edit(&d.settings)
	settings := d.settings
	d.seq.Unlock()

	if err := d.store.UpdateRoom(ctx, d.room, settings); err != nil {
		d.logger.Error("update room failed",
			slog.String("room", d.room),
			slog.String("op", op),
			slog.String("error", err.Error()))
		return &table.PersistenceError{Op: op, Err: err}
	}
	return d.ResetFog(ctx)
}
