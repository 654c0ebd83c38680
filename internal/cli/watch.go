package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tablesync/internal/client"
	"tablesync/internal/config"
	"tablesync/internal/mirror"
	"tablesync/internal/presence"
	"tablesync/internal/session"
	"tablesync/internal/table"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Room  string
	Color string
	Label string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room and print the table whenever it changes",
		Long: `Join a room as --user and keep a live mirror of it.

The table is printed as --user sees it: held cards of other players and
hidden tokens show no face. Dropped change streams are resubscribed.

Example:
  tablesync watch --server http://localhost:8080 --room <id> --user bob`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "room id (required)")
	cmd.Flags().StringVar(&opts.Color, "color", "#3b82f6", "cursor and ping color")
	cmd.Flags().StringVar(&opts.Label, "label", "", "display label, defaults to --user")
	_ = cmd.MarkFlagRequired("room")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	actor, err := opts.actor()
	if err != nil {
		return err
	}
	logger := opts.logger()
	cfg := config.LoadConfig()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(opts.Server, actor, logger)
	if err != nil {
		return err
	}
	label := opts.Label
	if label == "" {
		label = actor.UserID
	}
	s, err := session.Join(ctx, session.Remote(c), session.Config{
		RoomID:       opts.Room,
		Actor:        actor,
		Color:        opts.Color,
		DisplayLabel: label,
		PresenceTTL:  cfg.PresenceTTL,
		PingTTL:      cfg.PingTTL,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer s.Leave(context.Background())

	dirty := make(chan struct{}, 1)
	s.OnChange(func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	renderTable(out, s.Room(), s.Mirror(), s.Presence(), actor)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dirty:
			renderTable(out, s.Room(), s.Mirror(), s.Presence(), actor)
		case err := <-s.Errors():
			logger.Warn("resubscribing", slog.String("error", err.Error()))
			if err := resubscribe(ctx, s); err != nil {
				return err
			}
		}
	}
}

// resubscribe retries with a doubling delay until it succeeds or ctx ends.
func resubscribe(ctx context.Context, s *session.Session) error {
	delay := 250 * time.Millisecond
	for {
		err := s.Resubscribe(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

// renderTable prints the mirror as viewer sees it.
func renderTable(w io.Writer, room table.Room, m *mirror.Mirror, tracker *presence.Tracker, viewer table.Actor) {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (v%d) ==\n", room.Name, m.Version())
	for _, e := range m.List(nil) {
		meta := e.Meta()
		fmt.Fprintf(&b, "%-7s %-36s (%7.1f,%7.1f) z=%-3d %s\n",
			e.Kind(), meta.ID, meta.Position.X, meta.Position.Y, meta.ZOrder, describe(e, viewer))
	}
	for _, cur := range tracker.Cursors() {
		fmt.Fprintf(&b, "cursor  %-20s (%5.1f%%,%5.1f%%)\n", cur.DisplayLabel, cur.Position.X, cur.Position.Y)
	}
	for _, p := range tracker.Pings() {
		fmt.Fprintf(&b, "ping    %-20s (%7.1f,%7.1f)\n", p.Color, p.Position.X, p.Position.Y)
	}
	_, _ = io.WriteString(w, b.String())
}

func describe(e table.Entity, viewer table.Actor) string {
	visible := table.VisibleTo(e, viewer)
	switch v := e.(type) {
	case table.Card:
		face := v.BackImageRef
		if visible && (v.FaceUp || v.OwnerID != "") {
			face = v.FrontImageRef
		}
		s := face
		if v.OwnerID != "" {
			s += " held by " + v.OwnerID
		}
		if v.Tapped {
			s += " tapped"
		}
		return s
	case table.Token:
		if !visible {
			return "hidden"
		}
		s := v.ImageRef
		if v.Hidden {
			s += " hidden"
		}
		if len(v.StatusFlags) > 0 {
			s += " [" + strings.Join(v.StatusFlags, ",") + "]"
		}
		return s
	case table.FogShape:
		return fmt.Sprintf("%d points width %.0f", len(v.Points), v.Width)
	case table.Counter:
		return fmt.Sprintf("%s = %d", v.Label, v.Value)
	}
	return ""
}
