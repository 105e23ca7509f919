package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/brianhealey/drone-relay/internal/alerts"
	"github.com/brianhealey/drone-relay/internal/config"
	"github.com/brianhealey/drone-relay/internal/database"
	"github.com/brianhealey/drone-relay/internal/handlers"
	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/propagator"
	"github.com/brianhealey/drone-relay/internal/registry"
	"github.com/brianhealey/drone-relay/internal/router"
	"github.com/brianhealey/drone-relay/internal/tasks"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	// Configure logging
	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.Logger

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr()).
		Str("driver", cfg.Database.Driver).
		Str("db", cfg.Database.Path).
		Str("feed_mode", cfg.Feed.Mode).
		Bool("auth", cfg.Auth.Enabled).
		Msg("drone relay starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	gw := database.Open(database.Options{
		Driver:        cfg.Database.Driver,
		Path:          cfg.Database.Path,
		NATSURL:       cfg.Feed.NATSURL,
		SubjectPrefix: cfg.Feed.SubjectPrefix,
		FeedMode:      cfg.Feed.Mode,
		PollInterval:  cfg.Feed.PollInterval,
		Collections:   cfg.Feed.Collections,
	}, logger)
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := registry.New(logger)
	alertHandler := alerts.NewHandler(gw, reg, logger)
	reg.OnUnregister(func(c *registry.Connection) {
		if c.Role == models.RoleDrone {
			alertHandler.Forget(c.ClientID)
		}
	})
	rt := router.New(alertHandler, tasks.NewHandler(gw, reg, logger), reg, logger)
	prop := propagator.New(gw, reg, cfg.Feed.RetryDelay, logger)

	r := mux.NewRouter()
	handlers.New(cfg, reg, rt, gw, alertHandler, logger).Register(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("server ready to receive connections")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return prop.Run(gctx)
	})

	// Shutdown order: HTTP server, change propagation, then the store
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		// websocket connections are hijacked and outlive Shutdown
		n := reg.CloseAll(registry.CloseGoingAway, "server shutting down")
		logger.Info().Int("clients", n).Msg("closed client connections")
		if err := prop.Stop(); err != nil {
			logger.Warn().Err(err).Msg("failed to stop change propagation")
		}
		return nil
	})

	err := g.Wait()
	if cerr := gw.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("failed to close database")
	}
	return err
}
