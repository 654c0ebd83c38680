package dispatch

import (
	"context"
	"sort"

	"tablesync/internal/mirror"
	"tablesync/internal/spatial"
	"tablesync/internal/table"
)

// jitter is the maximum per-axis offset applied by a shuffle.
const jitter = 2.0

// stackAt returns the table-pool cards within radius of anchor.
func (d *Dispatcher) stackAt(anchor table.Position, radius float64) []table.Card {
	var out []table.Card
	for _, e := range d.mirror.List(mirror.TablePool(table.KindCard)) {
		c := e.(table.Card)
		if spatial.Within(c.Position, anchor, radius) {
			out = append(out, c)
		}
	}
	return out
}

// ShuffleStack permutes the z-order of the stack at anchor, nudges every card
// by a small random offset and turns them face down. The writes that follow
// are independent; a disconnect midway leaves the stack partially shuffled.
func (d *Dispatcher) ShuffleStack(ctx context.Context, anchor table.Position, radius float64) error {
	rows, err := d.stage(func() ([]table.Entity, error) {
		stack := d.stackAt(anchor, radius)
		if len(stack) < 2 {
			return nil, table.Invalid("shuffle", "need at least 2 cards in the stack, found %d", len(stack))
		}

		zs := make([]int, len(stack))
		for i, c := range stack {
			zs[i] = c.ZOrder
		}
		d.rng.Shuffle(len(zs), func(i, j int) { zs[i], zs[j] = zs[j], zs[i] })

		rows := make([]table.Entity, 0, len(stack))
		for i, c := range stack {
			c.ZOrder = zs[i]
			c.Position.X += (d.rng.Float64()*2 - 1) * jitter
			c.Position.Y += (d.rng.Float64()*2 - 1) * jitter
			c.FaceUp = false
			rows = append(rows, c)
		}
		return rows, nil
	})
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, "shuffle", rows)
}

// DealEntities hands countPerRecipient cards from the top of the stack at
// anchor to each recipient, one full round at a time.
func (d *Dispatcher) DealEntities(ctx context.Context, anchor table.Position, radius float64, countPerRecipient int, recipients []string) error {
	rows, err := d.stage(func() ([]table.Entity, error) {
		if countPerRecipient < 1 || len(recipients) == 0 {
			return nil, table.Invalid("deal", "nothing to deal")
		}
		stack := d.stackAt(anchor, radius)
		sort.SliceStable(stack, func(i, j int) bool { return stack[i].ZOrder > stack[j].ZOrder })

		need := countPerRecipient * len(recipients)
		if len(stack) < need {
			return nil, table.Invalid("deal", "need %d cards, stack has %d", need, len(stack))
		}

		rows := make([]table.Entity, 0, need)
		next := 0
		for round := 0; round < countPerRecipient; round++ {
			for _, r := range recipients {
				c := stack[next]
				next++
				c.OwnerID = r
				c.FaceUp = true
				c.Tapped = false
				rows = append(rows, c)
			}
		}
		return rows, nil
	})
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, "deal", rows)
}

// GatherToStack moves every table-pool card onto target face down, restacking
// them in their current order. Callers confirm with the user first.
func (d *Dispatcher) GatherToStack(ctx context.Context, target table.Position) error {
	rows, err := d.stage(func() ([]table.Entity, error) {
		pool := d.mirror.List(mirror.TablePool(table.KindCard))
		rows := make([]table.Entity, 0, len(pool))
		for i, e := range pool {
			c := e.(table.Card)
			c.Position = target
			c.FaceUp = false
			c.ZOrder = i
			rows = append(rows, c)
		}
		return rows, nil
	})
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, "gather", rows)
}

// SpawnCards adds one face-down card per front image, stacked at at. A nil
// position spawns on the deck zone.
func (d *Dispatcher) SpawnCards(ctx context.Context, at *table.Position, fronts []string, back string) ([]string, error) {
	rows, err := d.stage(func() ([]table.Entity, error) {
		if len(fronts) == 0 {
			return nil, table.Invalid("spawn", "no cards to spawn")
		}
		pos := table.Position{}
		if at != nil {
			pos = *at
		} else if center, ok := d.layout.ZoneCenter(table.ZoneDeck); ok {
			pos = center
		}

		z := d.topZ(table.KindCard)
		rows := make([]table.Entity, 0, len(fronts))
		for _, front := range fronts {
			z++
			rows = append(rows, table.Card{
				Synced:        table.Synced{ID: d.newID(), RoomID: d.room, Position: pos, ZOrder: z},
				FrontImageRef: front,
				BackImageRef:  back,
			})
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.Meta().ID
	}
	return ids, d.persistInsert(ctx, "spawn", table.KindCard, rows)
}

// ClearTable deletes every card in the room, held or not.
func (d *Dispatcher) ClearTable(ctx context.Context) error {
	d.seq.Lock()
	for _, e := range d.mirror.List(mirror.OfKind(table.KindCard)) {
		d.mirror.Remove(table.RefOf(e))
	}
	d.seq.Unlock()

	if err := d.store.DeleteWhere(ctx, table.KindCard, d.room); err != nil {
		return d.persistFailed("clear", table.KindCard, "", err)
	}
	return nil
}
