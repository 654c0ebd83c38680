// Package session joins one room as one user: it keeps the local mirror in
// sync with the server and exposes the dispatcher and presence tracker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tablesync/internal/dispatch"
	"tablesync/internal/mirror"
	"tablesync/internal/presence"
	"tablesync/internal/reconcile"
	"tablesync/internal/table"
)

// Backend is the server surface a session needs.
type Backend interface {
	GetRoom(ctx context.Context, roomID string) (table.Room, error)
	Snapshot(ctx context.Context, roomID string) (table.Snapshot, error)
	Store(roomID string) dispatch.Store
	Subscribe(ctx context.Context, roomID string, kind table.Kind) (reconcile.Subscription, error)
	JoinPresence(ctx context.Context, roomID string) (presence.Channel, error)
}

// Config describes who joins which room.
type Config struct {
	RoomID       string
	Actor        table.Actor
	Color        string
	DisplayLabel string
	// PresenceTTL is how long a silent cursor stays visible.
	PresenceTTL time.Duration
	// PingTTL is how long a published ping stays on screen.
	PingTTL time.Duration
	// PruneInterval controls how often expired cursors and pings are dropped.
	PruneInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Session is one user's live view of one room.
type Session struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	room       table.Room
	seq        sync.Mutex
	mirror     *mirror.Mirror
	dispatcher *dispatch.Dispatcher
	engine     *reconcile.Engine
	tracker    *presence.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	// resub serializes Resubscribe and Leave.
	resub sync.Mutex

	mu       sync.Mutex
	channel  presence.Channel
	subs     map[table.Kind]reconcile.Subscription
	onChange func()
	left     bool
}

// Join loads the room, opens its change streams and presence channel, and
// fills the mirror from a snapshot.
func Join(ctx context.Context, backend Backend, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 10 * time.Second
	}
	if cfg.PingTTL <= 0 {
		cfg.PingTTL = presence.DefaultPingTTL
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Second
	}
	logger := cfg.Logger.With(slog.String("room", cfg.RoomID), slog.String("user", cfg.Actor.UserID))

	room, err := backend.GetRoom(ctx, cfg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", cfg.RoomID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		room:    room,
		mirror:  mirror.New(),
		ctx:     runCtx,
		cancel:  cancel,
		errs:    make(chan error, len(table.PersistedKinds)+1),
		subs:    make(map[table.Kind]reconcile.Subscription),
	}
	s.dispatcher = dispatch.New(dispatch.Config{
		RoomID:   room.ID,
		Actor:    cfg.Actor,
		Layout:   room.Layout,
		Settings: table.RoomSettings{FogEnabled: room.FogEnabled, BackgroundRef: room.BackgroundRef},
		Mirror:   s.mirror,
		Store:    backend.Store(room.ID),
		Seq:      &s.seq,
		Logger:   logger,
	})
	s.engine = reconcile.New(room.ID, s.mirror, &s.seq, logger)
	s.engine.OnChange(func(table.Ref) { s.notify() })
	s.tracker = presence.NewTracker(cfg.Actor.UserID, cfg.PresenceTTL, cfg.Now)
	s.tracker.OnChange(s.notify)

	if err := s.Resubscribe(ctx); err != nil {
		_ = s.Leave(context.Background())
		return nil, err
	}

	s.wg.Add(1)
	go s.pruneLoop()
	logger.Info("joined room")
	return s, nil
}

// Room returns the room as loaded at join time.
func (s *Session) Room() table.Room { return s.room }

// Actions returns the dispatcher for local actions.
func (s *Session) Actions() *dispatch.Dispatcher { return s.dispatcher }

// Mirror returns the local mirror.
func (s *Session) Mirror() *mirror.Mirror { return s.mirror }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.tracker }

// Errors delivers *table.SubscriptionError values for dropped change streams
// and a dropped presence channel (empty Kind). The affected subscription is
// gone until Resubscribe.
func (s *Session) Errors() <-chan error { return s.errs }

// OnChange registers fn to run after the mirror or presence state changes.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Resubscribe rejoins the presence channel if it has dropped, opens a stream
// for every persisted kind that has none, then refetches. Calling it while
// everything is live only refetches.
func (s *Session) Resubscribe(ctx context.Context) error {
	s.resub.Lock()
	defer s.resub.Unlock()

	s.mu.Lock()
	left := s.left
	joined := s.channel != nil
	s.mu.Unlock()
	if left {
		return errors.New("session has left the room")
	}

	if !joined {
		ch, err := s.backend.JoinPresence(ctx, s.room.ID)
		if err != nil {
			return err
		}
		presence.Bind(ch, s.tracker, s.logger)
		s.mu.Lock()
		s.channel = ch
		s.mu.Unlock()

		s.wg.Add(1)
		go s.watchPresence(ch)
	}

	for _, kind := range table.PersistedKinds {
		s.mu.Lock()
		_, live := s.subs[kind]
		s.mu.Unlock()
		if live {
			continue
		}

		sub, err := s.backend.Subscribe(ctx, s.room.ID, kind)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subs[kind] = sub
		s.mu.Unlock()

		s.wg.Add(1)
		go s.watch(kind, sub)
	}
	return s.Refetch(ctx)
}

func (s *Session) watch(kind table.Kind, sub reconcile.Subscription) {
	defer s.wg.Done()
	err := s.engine.Run(s.ctx, sub)

	s.mu.Lock()
	if s.subs[kind] == sub {
		delete(s.subs, kind)
	}
	s.mu.Unlock()
	_ = sub.Close()

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Warn("change stream dropped", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	s.report(err)
}

func (s *Session) watchPresence(ch presence.Channel) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-ch.Done():
	}

	s.mu.Lock()
	if s.channel == ch {
		s.channel = nil
	}
	s.mu.Unlock()
	_ = ch.Close()

	err := ch.Err()
	if err == nil {
		return
	}
	var subErr *table.SubscriptionError
	if !errors.As(err, &subErr) {
		err = &table.SubscriptionError{Room: s.room.ID, Err: err}
	}
	s.logger.Warn("presence channel dropped", slog.String("error", err.Error()))
	s.report(err)
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Refetch replaces every persisted entity in the mirror with the server's
// current snapshot. Local counters are kept. Rows that remote changes touch
// while the snapshot is in flight keep their streamed state, which is at
// least as new as the snapshot's.
func (s *Session) Refetch(ctx context.Context) error {
	stop := s.engine.Track()
	snap, err := s.backend.Snapshot(ctx, s.room.ID)

	s.seq.Lock()
	touched := stop()
	if err != nil {
		s.seq.Unlock()
		return fmt.Errorf("refetch room %s: %w", s.room.ID, err)
	}
	fetched := snap.Entities()
	rows := make([]table.Entity, 0, len(fetched)+len(touched))
	for _, e := range fetched {
		if _, ok := touched[table.RefOf(e)]; !ok {
			rows = append(rows, e)
		}
	}
	for ref := range touched {
		if cur, ok := s.mirror.Get(ref); ok {
			rows = append(rows, cur)
		}
	}
	s.mirror.Replace(table.PersistedKinds, rows)
	s.seq.Unlock()
	s.notify()
	return nil
}

// ErrPresenceUnavailable is returned by the publish methods while the
// presence channel is down. Resubscribe rejoins it.
var ErrPresenceUnavailable = errors.New("presence channel unavailable")

func (s *Session) presenceChannel() (presence.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil, &table.SubscriptionError{Room: s.room.ID, Err: ErrPresenceUnavailable}
	}
	return s.channel, nil
}

// PublishCursor sends the local cursor. Position is in viewport percent.
func (s *Session) PublishCursor(ctx context.Context, pos table.Position) error {
	ch, err := s.presenceChannel()
	if err != nil {
		return err
	}
	return presence.Publish(ctx, ch, table.PresenceEntry{
		UserID:       s.cfg.Actor.UserID,
		Color:        s.cfg.Color,
		DisplayLabel: s.cfg.DisplayLabel,
		Position:     pos,
	})
}

// PublishPing shows a ping locally and sends it to everyone else.
func (s *Session) PublishPing(ctx context.Context, pos table.Position) (table.Ping, error) {
	p := s.tracker.ApplyPing(table.Ping{Position: pos, Color: s.cfg.Color, TTLMillis: s.cfg.PingTTL.Milliseconds()})
	ch, err := s.presenceChannel()
	if err != nil {
		return p, err
	}
	return p, presence.PublishPing(ctx, ch, p)
}

func (s *Session) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tracker.Prune()
		}
	}
}

// Leave announces the departure, closes every stream and waits for the
// session's goroutines. It is safe to call more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.resub.Lock()
	defer s.resub.Unlock()

	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	ch := s.channel
	subs := make([]reconcile.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := presence.PublishLeave(ctx, ch, s.cfg.Actor.UserID); err != nil {
			errs = append(errs, fmt.Errorf("announce leave: %w", err))
		}
	}
	s.cancel()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.logger.Info("left room")
	return errors.Join(errs...)
}
