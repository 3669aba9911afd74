package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kagent-dev/codegen/pkg/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until interrupted.

Endpoints: POST /generate, POST /chat, POST /update-file, GET /project/{id},
GET /download/{id}, GET /projects, GET /health and GET /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("debug") {
				cfg.Server.Debug = debug
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(ctx, cfg, server.WithLogger(opts.log))
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Attach raw model output previews to failure responses")

	return cmd
}
