// Command agentdesk runs the session orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentdesk/agentdesk/internal/config"
	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/server"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/internal/storage"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		port      int
		directory string
	)

	root := &cobra.Command{
		Use:     "agentdesk",
		Short:   "Session orchestration server for concurrent coding-agent conversations",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(port, directory)
		},
	}

	root.PersistentFlags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")
	root.PersistentFlags().StringVarP(&directory, "directory", "d", "", "directory to load local config from")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(port, directory)
		},
	})

	return root
}

func serve(portOverride int, directory string) error {
	// .env is optional; real environment variables win either way.
	godotenv.Load()

	if directory == "" {
		if wd, err := os.Getwd(); err == nil {
			directory = wd
		}
	}

	cfg, err := config.Load(directory)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if portOverride > 0 {
		cfg.Port = portOverride
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bus := event.NewBus()
	defer bus.Close()

	store := storage.New(cfg.DataDir)
	eng := engine.NewSubprocess(cfg.EngineCommand)

	manager := session.NewManager(eng, bus, store, session.Options{
		HistoryLimit:       cfg.HistoryLimit,
		InteractionTimeout: cfg.InteractionTimeout,
		DefaultModel:       cfg.Model,
		ExecutionModel:     cfg.ExecutionModel,
		DefaultMode:        cfg.PermissionMode,
	})
	if err := manager.Load(); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Port
	srv := server.New(serverCfg, manager, bus)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Port).Str("version", version).Msg("agentdesk listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	manager.Shutdown()

	logging.Info().Msg("stopped")
	return nil
}
