package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort  int
	serveHost  string
	serveDB    string
	serveDir   string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the funcbox server",
	Long: `Start the funcbox HTTP server.

The server will:
  - Open (and migrate) the SQLite database
  - Register every manifest in the manifests directory
  - Recover persisted triggers and start the schedule loop
  - Deliver queued events to event triggers
  - Serve the HTTP API

Use --watch to re-register manifests when they change on disk.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8090, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Host to bind to")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Path to the database file")
	serveCmd.Flags().StringVar(&serveDir, "manifests", "", "Directory of function manifests")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Re-register manifests when they change")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("host") {
		cfg.Server.Host = serveHost
	}
	if flags.Changed("db") {
		cfg.Database.Path = serveDB
	}
	if flags.Changed("manifests") {
		cfg.Functions.ManifestsDir = serveDir
	}
	if flags.Changed("watch") {
		cfg.Functions.Watch = serveWatch
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	srv := a.server()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	log.Info().
		Str("addr", cfg.Server.Address()).
		Str("database", cfg.Database.Path).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Bool("events", cfg.Events.Enabled).
		Msg("funcbox is running")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("server error: %w", serveErr)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown incomplete")
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to release resources")
	}
	return serveErr
}
