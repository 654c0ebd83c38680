// Package cli holds the tablesync command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tablesync/internal/table"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Server  string
	User    string
	Role    string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tablesync",
		Short:         "Real-time state sync for a shared virtual tabletop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "server base URL (client commands)")
	cmd.PersistentFlags().StringVar(&opts.User, "user", os.Getenv("USER"), "user id to act as (client commands)")
	cmd.PersistentFlags().StringVar(&opts.Role, "role", string(table.RolePlayer), "role to act as: gm or player")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCreateRoomCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func (o *RootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) actor() (table.Actor, error) {
	if o.User == "" {
		return table.Actor{}, fmt.Errorf("--user is required")
	}
	switch table.Role(o.Role) {
	case table.RoleGM, table.RolePlayer:
		return table.Actor{UserID: o.User, Role: table.Role(o.Role)}, nil
	}
	return table.Actor{}, fmt.Errorf("invalid role %q: must be gm or player", o.Role)
}
