package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/config"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/db"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
	"github.com/teranos/hone/server"
	"github.com/teranos/hone/store"
)

// shutdownTimeout bounds graceful shutdown: the HTTP server drains its
// connections and in-flight runs get to write their terminal state.
const shutdownTimeout = 30 * time.Second

// ServeCmd starts the hone server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the hone server",
	Long: `Launch the hone server: REST API, live progress over SSE and
WebSocket, and Prometheus metrics. Optimization runs launched through the
API execute inside this process, so stopping the server stops their loops.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config, default from server.port)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Default the server to Info so startup and run lifecycle lines show
	// without requiring -v.
	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if verbosity == 0 {
		if err := logger.InitializeAtLevel(jsonLogs, zapcore.InfoLevel); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	st := store.NewStore(database)
	notifier := pipeline.NewNotifier(logger.Logger)
	registry := provider.NewRegistry(cfg, logger.ComponentLogger("ai"))
	images := dataset.NewImageLoader(logger.Logger)
	runner := pipeline.NewRunner(st, notifier, registry, images, logger.ComponentLogger("pipeline.runner"))
	srv := server.New(st, runner, notifier, registry, cfg, logger.ComponentLogger("server"))

	watcher := setupConfigWatcher(srv, registry)
	if watcher != nil {
		defer watcher.Stop()
	}

	port := servePort
	if port == 0 {
		port = cfg.GetServerPort()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		fmt.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- shutdown(srv, runner)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			fmt.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// shutdown stops the HTTP surface first so no new runs can launch, then
// drains the runner so in-flight runs record their stopped state.
func shutdown(srv *server.Server, runner *pipeline.Runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		return err
	}
	return runner.Shutdown(ctx)
}

// setupConfigWatcher watches the loaded config file and pushes reloaded
// configuration into the components that cache it. Returns nil when no
// config file exists, in which case edits require a restart.
func setupConfigWatcher(srv *server.Server, registry *provider.Registry) *config.ConfigWatcher {
	configPath := config.ActiveConfigFile()
	if configPath == "" {
		logger.Infow("No config file found, using defaults (config watching disabled)")
		return nil
	}

	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warnw("Failed to create config watcher, manual restart required for config changes",
			"error", err)
		return nil
	}

	// The global watcher lets UI-driven config writes mark themselves so
	// they do not loop back through the reload path.
	config.SetGlobalWatcher(watcher)

	watcher.OnReload(func(newCfg *config.Config) error {
		registry.SetConfig(newCfg)
		srv.SetConfig(newCfg)
		return nil
	})

	watcher.Start()
	logger.Infow("Config watcher started", "path", configPath)
	return watcher
}
