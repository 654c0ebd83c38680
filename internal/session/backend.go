package session

import (
	"context"

	"tablesync/internal/client"
	"tablesync/internal/dispatch"
	"tablesync/internal/presence"
	"tablesync/internal/reconcile"
	"tablesync/internal/table"
)

// Remote adapts a server client to Backend.
func Remote(c *client.Client) Backend {
	return remote{c: c}
}

type remote struct {
	c *client.Client
}

func (r remote) GetRoom(ctx context.Context, roomID string) (table.Room, error) {
	return r.c.GetRoom(ctx, roomID)
}

func (r remote) Snapshot(ctx context.Context, roomID string) (table.Snapshot, error) {
	return r.c.Snapshot(ctx, roomID)
}

func (r remote) Store(roomID string) dispatch.Store {
	return r.c.Room(roomID)
}

func (r remote) Subscribe(ctx context.Context, roomID string, kind table.Kind) (reconcile.Subscription, error) {
	s, err := r.c.Subscribe(ctx, roomID, kind)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r remote) JoinPresence(ctx context.Context, roomID string) (presence.Channel, error) {
	ch, err := r.c.JoinPresence(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
