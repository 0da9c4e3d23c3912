package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision API",
	Long: `Start the HTTP API that serves flag decisions and records outcomes.

Examples:
  mbandit serve              # Listen on MBANDIT_ADDR (default :8080)
  mbandit serve --port 3000  # Listen on port 3000`,
	RunE: runServe,
}

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on, overrides MBANDIT_ADDR")
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := envFrom(cmd)
	if err != nil {
		return err
	}

	cfg := server.Config{
		Addr:            rt.cfg.Server.Addr,
		ShutdownTimeout: rt.cfg.Server.ShutdownTimeout,
	}
	if servePort > 0 {
		cfg.Addr = fmt.Sprintf(":%d", servePort)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(cmd, func(_ context.Context, app *AppContext) error {
		return server.New(cfg, app.Engine, rt.logger).Run(ctx)
	})
}
