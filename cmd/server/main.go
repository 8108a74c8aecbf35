package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"playbookd/internal/api"
	"playbookd/internal/catalog"
	"playbookd/internal/config"
	"playbookd/internal/engine"
	"playbookd/internal/monitor"
	"playbookd/internal/runner"
	"playbookd/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	store, cat := openStore(ctx, cfg)
	defer store.Close()

	backend := openBackend(ctx, cfg)

	eng := engine.New(store, cat, backend, metrics, engine.Options{
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		LiveBufferLines:  cfg.Engine.LiveBufferLines,
		SubscriberBuffer: cfg.Engine.SubscriberBuffer,
		DefaultTimeout:   cfg.Engine.DefaultTimeout,
		MaxTimeout:       cfg.Engine.MaxTimeout,
		TopicLinger:      cfg.Engine.TopicLinger,
	})

	// Executions left behind by a previous process are archived as failed so
	// the history never shows a task stuck in "running" forever.
	if err := eng.RecoverOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("orphan recovery failed")
	}

	server := api.NewServer(cfg, eng, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Running playbooks get a termination signal and a bounded wait to
		// finish archiving before the process exits.
		eng.Close(cfg.Server.ShutdownTimeout)

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("runner backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("driver", cfg.Database.Driver).
		Str("backend", cfg.Runner.Backend).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// openStore builds the persistence layer and the catalog view. The SQL stores
// double as the catalog; the memory driver seeds one from the catalog file.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, catalog.Store) {
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure postgres schema")
		}
		return pg, catalogFor(pg, cfg)

	case "sqlite":
		sq, err := storage.NewSQLite(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite database")
		}
		return sq, catalogFor(sq, cfg)

	default: // "memory", enforced by config validation
		mem := storage.NewMemory()
		if cfg.Catalog.File == "" {
			log.Warn().Msg("memory store with no catalog file, submissions will not resolve")
			return mem, catalog.NewMemory()
		}
		cat, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Catalog.File).Msg("failed to load catalog file")
		}
		return mem, cat
	}
}

// catalogFor prefers a file-seeded catalog when one is configured, otherwise
// the SQL store serves catalog lookups directly.
func catalogFor(sqlCat catalog.Store, cfg *config.Config) catalog.Store {
	if cfg.Catalog.File == "" {
		return sqlCat
	}
	cat, err := catalog.LoadFile(cfg.Catalog.File)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Catalog.File).Msg("failed to load catalog file")
	}
	return cat
}

func openBackend(ctx context.Context, cfg *config.Config) runner.Backend {
	switch cfg.Runner.Backend {
	case "containerd":
		client, err := runner.NewClient(ctx, cfg.Runner.ContainerdSocket, cfg.Runner.Namespace)
		if err != nil {
			log.Fatal().Err(err).Str("socket", cfg.Runner.ContainerdSocket).Msg("failed to connect to containerd")
		}
		backend, err := runner.NewContainerd(ctx, client, cfg.Runner.Image, cfg.Runner.Limits, cfg.Runner.Grace)
		if err != nil {
			log.Fatal().Err(err).Str("image", cfg.Runner.Image).Msg("failed to initialize containerd backend")
		}
		return backend

	default: // "local", enforced by config validation
		local := runner.NewLocal(cfg.Runner.Binary, cfg.Runner.Grace)
		local.ExtraArgs = cfg.Runner.ExtraArgs
		if !local.Healthy(ctx) {
			log.Warn().Str("binary", cfg.Runner.Binary).Msg("runner binary not found in PATH, executions will fail")
		}
		return local
	}
}
