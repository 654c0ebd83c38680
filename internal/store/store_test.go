package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/table"
)

type recordingFeed struct {
	mu      sync.Mutex
	changes []table.Change
	rooms   []string
}

func (f *recordingFeed) Publish(roomID string, c table.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
	f.changes = append(f.changes, c)
}

func (f *recordingFeed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes, f.rooms = nil, nil
}

func newTestStore(t *testing.T) (*Store, *recordingFeed, table.Room) {
	t.Helper()
	feed := &recordingFeed{}
	s, err := Open(filepath.Join(t.TempDir(), "data", "tablesync.db"), feed)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	room, err := s.CreateRoom(context.Background(), table.Room{
		Name:      "Crypt",
		CreatedBy: "gm",
		Layout: table.Layout{CellSize: 50, Zones: []table.Zone{
			{Label: table.ZoneDeck, Center: table.Position{X: 1, Y: 2}, Radius: 30},
		}},
	})
	require.NoError(t, err)
	return s, feed, room
}

func TestRoomRoundTrip(t *testing.T) {
	s, _, room := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Crypt", got.Name)
	assert.Equal(t, room.Layout, got.Layout)
	assert.False(t, got.FogEnabled)

	require.NoError(t, s.UpdateRoom(ctx, room.ID, table.RoomSettings{FogEnabled: true, BackgroundRef: "cave.png"}))
	got, err = s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, got.FogEnabled)
	assert.Equal(t, "cave.png", got.BackgroundRef)

	_, err = s.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, table.ErrRoomNotFound)
	assert.ErrorIs(t, s.UpdateRoom(ctx, "missing", table.RoomSettings{}), table.ErrRoomNotFound)
}

func TestEntityLifecycleEmitsChanges(t *testing.T) {
	s, feed, room := newTestStore(t)
	ctx := context.Background()

	tok := table.Token{
		Synced:      table.Synced{ID: "t1", RoomID: room.ID, Position: table.Position{X: 50, Y: 100}, OwnerID: "bob"},
		Size:        2,
		ImageRef:    "orc.png",
		StatusFlags: []string{"bloodied"},
	}
	card := table.Card{Synced: table.Synced{ID: "c1", RoomID: room.ID, ZOrder: 3}, FrontImageRef: "ace.png", BackImageRef: "back.png"}
	require.NoError(t, s.Insert(ctx, table.KindToken, []table.Entity{tok}))
	require.NoError(t, s.Insert(ctx, table.KindCard, []table.Entity{card}))

	card.FaceUp = true
	card.OwnerID = "alice"
	require.NoError(t, s.Update(ctx, table.KindCard, "c1", card))

	snap, err := s.Snapshot(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, snap.Tokens, 1)
	require.Len(t, snap.Cards, 1)
	assert.Equal(t, tok, snap.Tokens[0])
	assert.Equal(t, card, snap.Cards[0])

	require.NoError(t, s.Delete(ctx, table.KindToken, "t1"))

	require.Len(t, feed.changes, 4)
	assert.IsType(t, table.Insert{}, feed.changes[0])
	upd, ok := feed.changes[2].(table.Update)
	require.True(t, ok)
	assert.False(t, upd.Old.(table.Card).FaceUp)
	assert.True(t, upd.Entity.(table.Card).FaceUp)
	del, ok := feed.changes[3].(table.Delete)
	require.True(t, ok)
	assert.Equal(t, table.Ref{Kind: table.KindToken, ID: "t1"}, del.Target)
	for _, r := range feed.rooms {
		assert.Equal(t, room.ID, r)
	}
}

func TestUpdateAndDeleteUnknownRows(t *testing.T) {
	s, feed, room := newTestStore(t)
	ctx := context.Background()
	card := table.Card{Synced: table.Synced{ID: "nope", RoomID: room.ID}}

	assert.ErrorIs(t, s.Update(ctx, table.KindCard, "nope", card), table.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, table.KindCard, "nope"), table.ErrNotFound)
	assert.Error(t, s.Update(ctx, table.KindCard, "other-id", card))
	assert.Empty(t, feed.changes)
}

func TestInsertRejectsUnknownRoomAndCounters(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, table.KindCard, []table.Entity{table.Card{Synced: table.Synced{ID: "c", RoomID: "ghost"}}})
	assert.Error(t, err)

	err = s.Insert(ctx, table.KindCounter, []table.Entity{table.Counter{Synced: table.Synced{ID: "n"}}})
	assert.Error(t, err)
}

func TestInsertAssignsMissingIDs(t *testing.T) {
	s, feed, room := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, table.KindCard, []table.Entity{table.Card{Synced: table.Synced{RoomID: room.ID}}}))
	require.Len(t, feed.changes, 1)
	assert.NotEmpty(t, feed.changes[0].Ref().ID)
}

func TestDeleteWhereClearsOnlyTheRoom(t *testing.T) {
	s, feed, room := newTestStore(t)
	ctx := context.Background()
	other, err := s.CreateRoom(ctx, table.Room{Name: "Other"})
	require.NoError(t, err)

	shape := func(id, roomID string) table.Entity {
		return table.FogShape{
			Synced: table.Synced{ID: id, RoomID: roomID},
			Points: []table.Position{{X: 0, Y: 0}, {X: 10, Y: 10}},
			Width:  20,
		}
	}
	require.NoError(t, s.Insert(ctx, table.KindFog, []table.Entity{shape("f1", room.ID), shape("f2", room.ID), shape("f3", room.ID)}))
	require.NoError(t, s.Insert(ctx, table.KindFog, []table.Entity{shape("keep", other.ID)}))
	feed.reset()

	require.NoError(t, s.DeleteWhere(ctx, table.KindFog, room.ID))

	snap, err := s.Snapshot(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Fog)
	assert.Len(t, feed.changes, 3)

	snap, err = s.Snapshot(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, snap.Fog, 1)
	assert.Equal(t, []table.Position{{X: 0, Y: 0}, {X: 10, Y: 10}}, snap.Fog[0].Points)
}

func TestSnapshotNeverContainsPresence(t *testing.T) {
	s, _, room := newTestStore(t)
	snap, err := s.Snapshot(context.Background(), room.ID)
	require.NoError(t, err)
	for _, e := range snap.Entities() {
		assert.True(t, e.Kind().Persisted())
	}
	assert.NotNil(t, snap.Cards)
}
