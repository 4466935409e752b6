package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reelgrab/internal/api"
	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/engine"
	"reelgrab/internal/manager"
	"reelgrab/internal/scheduler"
	"reelgrab/internal/store"
	"reelgrab/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	session, err := engine.NewSession(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start torrent engine: %w", err)
	}

	provider := catalog.NewYTS(cfg.CatalogBaseURL, cfg.RateLimit, log)
	jobs := store.NewJobStore(db)
	schedules := store.NewScheduleStore(db)

	mgr := manager.New(cfg, session, jobs, provider, log)
	sup := scheduler.NewSupervisor(cfg, schedules, provider, mgr, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}

	if cfg.SchedulerEnabled {
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	router := api.NewRouter(cfg, log, mgr, sup)
	server := api.NewServer(cfg, router)

	go func() {
		if err := api.RunServer(ctx, server, cfg.ShutdownGrace); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Server started")

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully")

	shutdownCtx := context.Background()
	if cfg.SchedulerEnabled {
		sup.Shutdown(shutdownCtx)
	}
	mgr.Shutdown(shutdownCtx)

	return nil
}
