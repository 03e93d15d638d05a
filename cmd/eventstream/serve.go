package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/eventstream/internal/audit"
	"github.com/rickgao/eventstream/internal/bus"
	"github.com/rickgao/eventstream/internal/config"
	"github.com/rickgao/eventstream/internal/connection"
	"github.com/rickgao/eventstream/internal/database"
	"github.com/rickgao/eventstream/internal/router"
	"github.com/rickgao/eventstream/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept streaming clients and deliver bus events to them",
	Long: `Start the HTTP server and subscribe to the broadcast bus.

Endpoints:
  GET /events/{client}   Server-Sent Events stream
  GET /ws/{client}       WebSocket stream
  GET /connections       connections held by this process
  GET /health            liveness, degraded while the bus is down
  GET /status            bus, router and audit statistics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting eventstream",
		"version", version.Version,
		"commit", version.Commit,
		"pod", cfg.Instance.PodName,
		"bus_driver", cfg.Bus.Driver,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session audit
	var recorder audit.Recorder = audit.Nop{}
	var pgRecorder *audit.PGRecorder
	if cfg.Audit.Enabled {
		logger.Info("connecting to audit database",
			"host", cfg.Audit.Database.Host,
			"port", cfg.Audit.Database.Port,
			"database", cfg.Audit.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Audit.Database, "eventstream-"+cfg.Instance.PodName)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer pool.Close()

		pgRecorder = audit.NewPGRecorder(auditConfig(cfg), pool, logger.With("component", "audit"))
		if err := pgRecorder.EnsureSchema(ctx); err != nil {
			return err
		}
		pgRecorder.Start(context.Background())
		recorder = pgRecorder
	}

	registry := connection.NewRegistry(registryConfig(cfg), recorder, logger.With("component", "registry"))

	b, err := bus.Open(busConfig(cfg), logger.With("component", "bus"))
	if err != nil {
		return err
	}
	rt := router.NewRouter(routerConfig(cfg), b, registry, logger.With("component", "router"))

	// The router outlives the signal context so that it is torn down only
	// after every connection has been closed.
	rt.Start(context.Background())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newServer(cfg.Instance.PodName, cfg.Connections.WriteTimeout, registry, rt, pgRecorder, logger.With("component", "http")).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "connections", registry.Count())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		shutdownErr := make(chan error, 1)
		go func() { shutdownErr <- srv.Shutdown(shutdownCtx) }()

		// Streaming handlers block until their entry closes; release them so
		// Shutdown can finish. A second sweep catches late registrations.
		registry.CloseAll()
		if err := <-shutdownErr; err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		registry.CloseAll()

		if err := rt.Disconnect(shutdownCtx); err != nil {
			logger.Warn("router disconnect failed", "error", err)
		}

		if pgRecorder != nil {
			if err := pgRecorder.Stop(shutdownCtx); err != nil {
				logger.Warn("audit recorder stop failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("eventstream stopped with error", "error", err)
		return err
	}

	logger.Info("eventstream stopped")
	return nil
}
