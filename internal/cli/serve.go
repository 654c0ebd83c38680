package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tablesync/internal/config"
	"tablesync/internal/server"
)

// ServeOptions holds flags for the serve command. Empty flags keep the value
// from the environment.
type ServeOptions struct {
	*RootOptions
	Port    string
	DBPath  string
	Layout  string
	Origins string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative store and change feed",
		Long: `Run the HTTP and websocket server.

Configuration comes from PORT, DB_PATH, ALLOWED_ORIGINS, MAX_BODY_SIZE,
LAYOUT_FILE, PRESENCE_TTL, PING_TTL and SUBSCRIBER_BUFFER; flags override them.

Example:
  tablesync serve --port 9000 --db ./table.db --layout ./layout.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "listen port")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Layout, "layout", "", "YAML file with the default room layout")
	cmd.Flags().StringVar(&opts.Origins, "origins", "", "comma separated allowed origins")

	return cmd
}

func (o *ServeOptions) config() config.Config {
	cfg := config.LoadConfig()
	if o.Port != "" {
		cfg.Port = o.Port
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.Layout != "" {
		cfg.LayoutFile = o.Layout
	}
	if o.Origins != "" {
		cfg.AllowedOrigins = nil
		for _, origin := range strings.Split(o.Origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}
	return cfg
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(opts.config())
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
