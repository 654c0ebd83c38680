package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/mirror"
	"tablesync/internal/table"
)

func newEngine(t *testing.T) (*Engine, *mirror.Mirror) {
	t.Helper()
	m := mirror.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("room", m, &sync.Mutex{}, logger), m
}

func card(id string, faceUp bool) table.Card {
	return table.Card{Synced: table.Synced{ID: id, RoomID: "room"}, FaceUp: faceUp}
}

func TestInsertRedeliveryIsNoop(t *testing.T) {
	e, m := newEngine(t)
	renders := 0
	e.OnChange(func(table.Ref) { renders++ })

	assert.True(t, e.Apply(table.Insert{Entity: card("c1", false)}))
	assert.False(t, e.Apply(table.Insert{Entity: card("c1", false)}))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, renders)
}

func TestConfirmingInsertDoesNotDuplicateOptimisticRow(t *testing.T) {
	e, m := newEngine(t)
	m.Upsert(card("c1", true))

	assert.False(t, e.Apply(table.Insert{Entity: card("c1", true)}))
	assert.Equal(t, 1, m.Len())
}

func TestRemoteOverwritesOptimisticState(t *testing.T) {
	e, m := newEngine(t)
	m.Upsert(card("c1", true))

	require.True(t, e.Apply(table.Update{Entity: card("c1", false)}))
	got, _ := m.Get(table.Ref{Kind: table.KindCard, ID: "c1"})
	assert.False(t, got.(table.Card).FaceUp)
}

func TestDeleteBeforeInsertAndUnknownID(t *testing.T) {
	e, m := newEngine(t)
	ref := table.Ref{Kind: table.KindToken, ID: "ghost"}

	assert.False(t, e.Apply(table.Delete{Target: ref}))
	assert.Zero(t, m.Len())

	m.Upsert(table.Token{Synced: table.Synced{ID: "ghost", RoomID: "room"}})
	assert.True(t, e.Apply(table.Delete{Target: ref}))
	assert.Zero(t, m.Len())
}

func TestIgnoresForeignRoomsAndCounters(t *testing.T) {
	e, m := newEngine(t)
	other := table.Card{Synced: table.Synced{ID: "c1", RoomID: "elsewhere"}}
	assert.False(t, e.Apply(table.Insert{Entity: other}))
	assert.False(t, e.Apply(table.Insert{Entity: table.Counter{Synced: table.Synced{ID: "n", RoomID: "room"}}}))
	assert.Zero(t, m.Len())
}

func TestTrackRecordsRefsUntilStopped(t *testing.T) {
	e, _ := newEngine(t)
	e.Apply(table.Insert{Entity: card("before", false)})

	stop := e.Track()
	e.Apply(table.Update{Entity: card("c1", true)})
	e.Apply(table.Delete{Target: table.Ref{Kind: table.KindCard, ID: "c2"}})
	e.Apply(table.Insert{Entity: table.Card{Synced: table.Synced{ID: "c3", RoomID: "elsewhere"}}})
	refs := stop()
	e.Apply(table.Insert{Entity: card("after", false)})

	assert.Equal(t, map[table.Ref]struct{}{
		{Kind: table.KindCard, ID: "c1"}: {},
		{Kind: table.KindCard, ID: "c2"}: {},
	}, refs)
}

type chanSub struct {
	ch  chan table.Change
	err error
}

func (s *chanSub) Changes() <-chan table.Change { return s.ch }
func (s *chanSub) Err() error                   { return s.err }
func (s *chanSub) Close() error                 { return nil }

func TestRunSurfacesDroppedSubscription(t *testing.T) {
	e, m := newEngine(t)
	drop := &table.SubscriptionError{Room: "room", Kind: table.KindCard, Err: errors.New("connection reset")}
	sub := &chanSub{ch: make(chan table.Change, 2), err: drop}
	sub.ch <- table.Insert{Entity: card("c1", false)}
	close(sub.ch)

	err := e.Run(context.Background(), sub)
	var subErr *table.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 1, m.Len())
}

func TestRunStopsOnContext(t *testing.T) {
	e, _ := newEngine(t)
	sub := &chanSub{ch: make(chan table.Change)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, e.Run(ctx, sub), context.DeadlineExceeded)
}
