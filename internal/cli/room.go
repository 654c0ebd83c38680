package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tablesync/internal/client"
	"tablesync/internal/config"
	"tablesync/internal/table"
)

// NewCreateRoomCommand creates the create-room command.
func NewCreateRoomCommand(rootOpts *RootOptions) *cobra.Command {
	var layoutFile string

	cmd := &cobra.Command{
		Use:   "create-room <name>",
		Short: "Create a room owned by --user and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := rootOpts.actor()
			if err != nil {
				return err
			}
			var layout *table.Layout
			if layoutFile != "" {
				l, err := config.LoadLayout(layoutFile)
				if err != nil {
					return err
				}
				layout = &l
			}

			c, err := client.New(rootOpts.Server, actor, rootOpts.logger())
			if err != nil {
				return err
			}
			room, err := c.CreateRoom(cmd.Context(), args[0], layout)
			if err != nil {
				return fmt.Errorf("create room: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(room)
		},
	}

	cmd.Flags().StringVar(&layoutFile, "layout", "", "YAML layout for the new room")
	return cmd
}
