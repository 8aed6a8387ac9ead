// Package main is the entry point for the allocator service: scenario matrix
// generation, MILP capital allocation and the outbox-driven pipeline that
// sequences them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foliofund/allocator/internal/config"
	"github.com/foliofund/allocator/internal/database"
	"github.com/foliofund/allocator/internal/modules/matrixcache"
	"github.com/foliofund/allocator/internal/modules/optimizer"
	"github.com/foliofund/allocator/internal/modules/scenario"
	"github.com/foliofund/allocator/internal/modules/session"
	"github.com/foliofund/allocator/internal/modules/validation"
	"github.com/foliofund/allocator/internal/orchestrator"
	"github.com/foliofund/allocator/internal/outbox"
	"github.com/foliofund/allocator/internal/scheduler"
	"github.com/foliofund/allocator/internal/server"
	"github.com/foliofund/allocator/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting allocator")

	db, err := database.New(database.Config{
		Path: cfg.DatabasePath(),
		Name: "allocator",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	// Repositories and domain services.
	matrixRepo := matrixcache.NewRepository(db.Conn(), log)
	cache := matrixcache.New(matrixRepo, cfg.Cache.HotTTL, log)
	sessionRepo := session.NewRepository(db.Conn(), log)
	outboxRepo := outbox.NewRepository(db.Conn(), log)
	outboxRepo.MaxAttempts = cfg.Orchestrator.MaxAttempts

	sessions := session.NewService(db.Conn(), sessionRepo, outboxRepo, cache, log)
	generator := scenario.NewGenerator()
	engine := optimizer.NewEngine(log)
	validator := validation.NewGreedy(log)

	// Pipeline: worker pool, stage handlers, claim loop and reaper.
	queue := orchestrator.NewTaskQueue(cfg.Orchestrator.Workers, cfg.Orchestrator.ClaimBatch*2, log)
	handlers := orchestrator.NewHandlers(cache, generator, engine, validator, sessions, log)
	orch := orchestrator.New(outboxRepo, queue, handlers, orchestrator.Config{
		PollInterval:   cfg.Orchestrator.PollInterval,
		ClaimBatch:     cfg.Orchestrator.ClaimBatch,
		ReaperInterval: cfg.Orchestrator.ReaperInterval,
		StaleAfter:     cfg.Orchestrator.StaleAfter,
	}, log)
	orch.Start()

	// Periodic maintenance.
	sched := scheduler.New(log)
	if err := sched.AddJob("@every 10m", scheduler.NewCacheEvictionJob(cache, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache eviction job")
	}
	if err := sched.AddJob("@hourly", scheduler.NewWALCheckpointJob(db)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:      log,
		DB:       db,
		Config:   cfg,
		Sessions: sessions,
		Queue:    queue,
		Cache:    cache,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	orch.Stop()
	queue.Stop()
	sched.Stop()

	log.Info().Msg("Allocator stopped")
}
