package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/mirror"
	"tablesync/internal/table"
)

type call struct {
	op   string
	kind table.Kind
	id   string
}

type fakeStore struct {
	mu       sync.Mutex
	calls    []call
	fail     error
	onWrite  func()
	settings table.RoomSettings
}

func (s *fakeStore) record(op string, kind table.Kind, id string) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: op, kind: kind, id: id})
	return s.fail
}

func (s *fakeStore) Insert(_ context.Context, kind table.Kind, rows []table.Entity) error {
	return s.record("insert", kind, fmt.Sprint(len(rows)))
}

func (s *fakeStore) Update(_ context.Context, kind table.Kind, id string, _ table.Entity) error {
	return s.record("update", kind, id)
}

func (s *fakeStore) Delete(_ context.Context, kind table.Kind, id string) error {
	return s.record("delete", kind, id)
}

func (s *fakeStore) DeleteWhere(_ context.Context, kind table.Kind, roomID string) error {
	return s.record("deleteWhere", kind, roomID)
}

func (s *fakeStore) UpdateRoom(_ context.Context, roomID string, settings table.RoomSettings) error {
	s.settings = settings
	return s.record("updateRoom", "", roomID)
}

func (s *fakeStore) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.op
	}
	return out
}

var testLayout = table.Layout{
	CellSize: 50,
	Zones: []table.Zone{
		{Label: table.ZoneDeck, Center: table.Position{X: 100, Y: 100}, Radius: 40},
		{Label: table.ZoneDiscard, Center: table.Position{X: 300, Y: 100}, Radius: 40},
		{Label: table.ZoneHand, Center: table.Position{X: 500, Y: 900}, Radius: 150},
	},
}

func newDispatcher(t *testing.T, actor table.Actor) (*Dispatcher, *mirror.Mirror, *fakeStore) {
	t.Helper()
	m := mirror.New()
	st := &fakeStore{}
	seq := 0
	d := New(Config{
		RoomID: "room",
		Actor:  actor,
		Layout: testLayout,
		Mirror: m,
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:   rand.New(rand.NewPCG(1, 2)),
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	return d, m, st
}

var alice = table.Actor{UserID: "alice", Role: table.RolePlayer}

func putCard(m *mirror.Mirror, id string, pos table.Position, z int, owner string) {
	m.Upsert(table.Card{Synced: table.Synced{ID: id, RoomID: "room", Position: pos, ZOrder: z, OwnerID: owner}, FaceUp: true})
}

func getCard(t *testing.T, m *mirror.Mirror, id string) table.Card {
	t.Helper()
	e, ok := m.Get(table.Ref{Kind: table.KindCard, ID: id})
	require.True(t, ok, "card %s missing", id)
	return e.(table.Card)
}

func TestMoveTokenIsOptimistic(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	m.Upsert(table.Token{Synced: table.Synced{ID: "tok", RoomID: "room", OwnerID: "bob"}, Size: 1})

	var seen table.Position
	st.onWrite = func() {
		e, _ := m.Get(table.Ref{Kind: table.KindToken, ID: "tok"})
		seen = e.Meta().Position
	}

	require.NoError(t, d.MoveEntity(context.Background(), "tok", 73, 124, ContainerAuto))
	assert.Equal(t, table.Position{X: 50, Y: 100}, seen, "mirror updated before the store write")

	e, _ := m.Get(table.Ref{Kind: table.KindToken, ID: "tok"})
	assert.Equal(t, "bob", e.Meta().OwnerID, "token owner kept")
	assert.Equal(t, []string{"update"}, st.ops())
}

func TestMoveCardIntoHandAndBack(t *testing.T) {
	d, m, _ := newDispatcher(t, alice)
	m.Upsert(table.Card{Synced: table.Synced{ID: "c", RoomID: "room"}, Tapped: true})
	ctx := context.Background()

	require.NoError(t, d.MoveEntity(ctx, "c", 520, 880, ContainerAuto))
	c := getCard(t, m, "c")
	assert.Equal(t, "alice", c.OwnerID)
	assert.True(t, c.FaceUp)
	assert.False(t, c.Tapped)

	require.NoError(t, d.MoveEntity(ctx, "c", 700, 400, ContainerAuto))
	c = getCard(t, m, "c")
	assert.Empty(t, c.OwnerID)
	assert.True(t, c.FaceUp, "faceUp unchanged on a free drop")
	assert.Equal(t, table.Position{X: 700, Y: 400}, c.Position)
}

func TestMoveCardOntoStacks(t *testing.T) {
	d, m, _ := newDispatcher(t, alice)
	putCard(m, "c", table.Position{}, 0, "")
	putCard(m, "other", table.Position{}, 5, "")
	ctx := context.Background()

	require.NoError(t, d.MoveEntity(ctx, "c", 110, 95, ContainerAuto))
	c := getCard(t, m, "c")
	assert.Equal(t, table.Position{X: 100, Y: 100}, c.Position)
	assert.False(t, c.FaceUp)
	assert.Equal(t, 6, c.ZOrder)

	require.NoError(t, d.MoveEntity(ctx, "c", 290, 110, ContainerAuto))
	c = getCard(t, m, "c")
	assert.Equal(t, table.Position{X: 300, Y: 100}, c.Position)
	assert.True(t, c.FaceUp)
}

func TestMoveRejections(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	putCard(m, "bobs", table.Position{}, 0, "bob")
	m.Upsert(table.FogShape{Synced: table.Synced{ID: "fog", RoomID: "room"}})
	ctx := context.Background()

	assert.True(t, table.IsValidation(d.MoveEntity(ctx, "missing", 0, 0, ContainerAuto)))
	assert.True(t, table.IsValidation(d.MoveEntity(ctx, "bobs", 0, 0, ContainerAuto)))
	assert.True(t, table.IsValidation(d.MoveEntity(ctx, "fog", 0, 0, ContainerAuto)))
	assert.Empty(t, st.ops())
}

func TestShuffleRejectsSmallStacks(t *testing.T) {
	for _, n := range []int{0, 1} {
		t.Run(fmt.Sprintf("%d cards", n), func(t *testing.T) {
			d, m, st := newDispatcher(t, alice)
			for i := 0; i < n; i++ {
				putCard(m, fmt.Sprintf("c%d", i), table.Position{X: 10, Y: 10}, i, "")
			}
			putCard(m, "held", table.Position{X: 10, Y: 10}, 9, "bob")
			before := m.Version()

			err := d.ShuffleStack(context.Background(), table.Position{X: 10, Y: 10}, 20)
			assert.True(t, table.IsValidation(err))
			assert.Equal(t, before, m.Version())
			assert.Empty(t, st.ops())
		})
	}
}

func TestShuffleStack(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	for i := 0; i < 5; i++ {
		putCard(m, fmt.Sprintf("c%d", i), table.Position{X: 10, Y: 10}, i, "")
	}
	putCard(m, "far", table.Position{X: 500, Y: 500}, 99, "")

	require.NoError(t, d.ShuffleStack(context.Background(), table.Position{X: 10, Y: 10}, 20))

	zs := map[int]bool{}
	for i := 0; i < 5; i++ {
		c := getCard(t, m, fmt.Sprintf("c%d", i))
		assert.False(t, c.FaceUp)
		assert.InDelta(t, 10, c.Position.X, 2)
		assert.InDelta(t, 10, c.Position.Y, 2)
		zs[c.ZOrder] = true
	}
	assert.Len(t, zs, 5, "z-orders are a permutation")
	assert.True(t, getCard(t, m, "far").FaceUp, "cards outside the radius untouched")
	assert.Len(t, st.ops(), 5)
}

func TestDealRejectsShortStack(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	for i := 0; i < 3; i++ {
		putCard(m, fmt.Sprintf("c%d", i), table.Position{}, i, "")
	}

	err := d.DealEntities(context.Background(), table.Position{}, 10, 2, []string{"A", "B"})
	assert.True(t, table.IsValidation(err))
	for i := 0; i < 3; i++ {
		assert.Empty(t, getCard(t, m, fmt.Sprintf("c%d", i)).OwnerID)
	}
	assert.Empty(t, st.ops())
}

func TestDealRoundRobinFromTop(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	for i := 0; i < 5; i++ {
		m.Upsert(table.Card{Synced: table.Synced{ID: fmt.Sprintf("c%d", i), RoomID: "room", ZOrder: i}, Tapped: true})
	}

	require.NoError(t, d.DealEntities(context.Background(), table.Position{}, 10, 2, []string{"A", "B"}))

	owners := map[string]int{}
	for i := 0; i < 5; i++ {
		c := getCard(t, m, fmt.Sprintf("c%d", i))
		if c.OwnerID != "" {
			owners[c.OwnerID]++
			assert.True(t, c.FaceUp)
			assert.False(t, c.Tapped)
		}
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, owners)
	assert.Equal(t, "A", getCard(t, m, "c4").OwnerID)
	assert.Equal(t, "B", getCard(t, m, "c3").OwnerID)
	assert.Equal(t, "A", getCard(t, m, "c2").OwnerID)
	assert.Equal(t, "B", getCard(t, m, "c1").OwnerID)
	assert.Empty(t, getCard(t, m, "c0").OwnerID, "bottom card stays")
	assert.Len(t, st.ops(), 4)
}

func TestGatherToStack(t *testing.T) {
	d, m, _ := newDispatcher(t, alice)
	putCard(m, "a", table.Position{X: 1, Y: 1}, 7, "")
	putCard(m, "b", table.Position{X: 900, Y: 3}, 2, "")
	putCard(m, "held", table.Position{X: 5, Y: 5}, 1, "bob")
	target := table.Position{X: 100, Y: 100}

	require.NoError(t, d.GatherToStack(context.Background(), target))

	a, b := getCard(t, m, "a"), getCard(t, m, "b")
	assert.Equal(t, target, a.Position)
	assert.Equal(t, target, b.Position)
	assert.False(t, a.FaceUp)
	assert.Equal(t, 0, b.ZOrder)
	assert.Equal(t, 1, a.ZOrder)
	assert.Equal(t, table.Position{X: 5, Y: 5}, getCard(t, m, "held").Position)
}

func TestRevealAndResetFog(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	ctx := context.Background()
	m.Upsert(table.FogShape{Synced: table.Synced{ID: "old", RoomID: "room"}, Points: []table.Position{{X: 1}, {X: 2}}})

	_, err := d.RevealFog(ctx, []table.Position{{X: 1, Y: 1}}, 10)
	assert.True(t, table.IsValidation(err))

	pts := []table.Position{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	id, err := d.RevealFog(ctx, pts, 10)
	require.NoError(t, err)

	shapes := m.List(mirror.OfKind(table.KindFog))
	require.Len(t, shapes, 2)
	e, _ := m.Get(table.Ref{Kind: table.KindFog, ID: id})
	assert.Equal(t, pts, e.(table.FogShape).Points)
	old, _ := m.Get(table.Ref{Kind: table.KindFog, ID: "old"})
	assert.Len(t, old.(table.FogShape).Points, 2)

	require.NoError(t, d.ResetFog(ctx))
	assert.Empty(t, m.List(mirror.OfKind(table.KindFog)))
	assert.Equal(t, []string{"insert", "deleteWhere"}, st.ops())
}

func TestFogSettingsResetExploration(t *testing.T) {
	gm := table.Actor{UserID: "gm", Role: table.RoleGM}
	d, m, st := newDispatcher(t, gm)
	m.Upsert(table.FogShape{Synced: table.Synced{ID: "f", RoomID: "room"}})

	require.NoError(t, d.SetFogEnabled(context.Background(), true))
	assert.True(t, st.settings.FogEnabled)
	assert.Empty(t, m.List(mirror.OfKind(table.KindFog)))

	require.NoError(t, d.SetBackground(context.Background(), "maps/cave.png"))
	assert.Equal(t, "maps/cave.png", d.Settings().BackgroundRef)
	assert.Equal(t, []string{"updateRoom", "deleteWhere", "updateRoom", "deleteWhere"}, st.ops())

	p, _, _ := newDispatcher(t, alice)
	assert.True(t, table.IsValidation(p.SetFogEnabled(context.Background(), false)))
}

func TestFlipAndRotateOwnership(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	putCard(m, "bobs", table.Position{}, 0, "bob")
	putCard(m, "mine", table.Position{}, 1, "alice")
	ctx := context.Background()

	ok, err := d.Flip(ctx, "bobs")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, getCard(t, m, "bobs").FaceUp)

	ok, err = d.Rotate(ctx, "mine")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, getCard(t, m, "mine").Tapped)
	assert.Equal(t, []string{"update"}, st.ops())

	gm, gmMirror, _ := newDispatcher(t, table.Actor{UserID: "gm", Role: table.RoleGM})
	putCard(gmMirror, "bobs", table.Position{}, 0, "bob")
	ok, err = gm.Flip(ctx, "bobs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, getCard(t, gmMirror, "bobs").FaceUp)
}

func TestPersistenceFailureKeepsOptimisticState(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	st.fail = errors.New("connection refused")
	putCard(m, "c", table.Position{}, 0, "")

	err := d.MoveEntity(context.Background(), "c", 640, 20, ContainerAuto)
	var perr *table.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "c", perr.ID)
	assert.Equal(t, table.Position{X: 640, Y: 20}, getCard(t, m, "c").Position)
}

func TestSpawnDropAndRemove(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	ctx := context.Background()

	ids, err := d.SpawnCards(ctx, nil, []string{"ace.png", "king.png"}, "back.png")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	c := getCard(t, m, ids[1])
	assert.Equal(t, table.Position{X: 100, Y: 100}, c.Position)
	assert.False(t, c.FaceUp)
	assert.Equal(t, 1, c.ZOrder)

	tokID, err := d.DropToken(ctx, table.Position{X: 26, Y: 74}, 1, "orc.png", "")
	require.NoError(t, err)
	tok, _ := m.Get(table.Ref{Kind: table.KindToken, ID: tokID})
	assert.Equal(t, table.Position{X: 50, Y: 50}, tok.Meta().Position)

	require.NoError(t, d.ToggleStatus(ctx, tokID, "bloodied"))
	require.NoError(t, d.SetHidden(ctx, tokID, true))
	tok, _ = m.Get(table.Ref{Kind: table.KindToken, ID: tokID})
	assert.True(t, tok.(table.Token).Hidden)
	assert.True(t, tok.(table.Token).HasStatus("bloodied"))

	require.NoError(t, d.RemoveEntity(ctx, ids[0]))
	_, ok := m.Get(table.Ref{Kind: table.KindCard, ID: ids[0]})
	assert.False(t, ok)

	require.NoError(t, d.ClearTable(ctx))
	assert.Empty(t, m.List(mirror.OfKind(table.KindCard)))
	assert.Equal(t, []string{"insert", "insert", "update", "update", "delete", "deleteWhere"}, st.ops())
}

func TestRemoveFogIsRejected(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	m.Upsert(table.FogShape{Synced: table.Synced{ID: "f", RoomID: "room"}})
	assert.True(t, table.IsValidation(d.RemoveEntity(context.Background(), "f")))
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, st.ops())
}

func TestCountersNeverPersist(t *testing.T) {
	d, m, st := newDispatcher(t, alice)
	id := d.AddCounter("HP", 10, table.Position{X: 5, Y: 5})

	v, err := d.AdjustCounter(id, -3)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	require.NoError(t, d.MoveEntity(context.Background(), id, 40, 40, ContainerAuto))
	e, _ := m.Get(table.Ref{Kind: table.KindCounter, ID: id})
	assert.Equal(t, table.Position{X: 40, Y: 40}, e.Meta().Position)

	require.NoError(t, d.RemoveEntity(context.Background(), id))
	assert.Zero(t, m.Len())
	assert.Empty(t, st.ops())

	_, err = d.AdjustCounter("nope", 1)
	assert.True(t, table.IsValidation(err))

	other := d.AddCounter("Round", 1, table.Position{})
	assert.True(t, d.RemoveCounter(other))
	assert.False(t, d.RemoveCounter(other))
	assert.Empty(t, st.ops())
}
