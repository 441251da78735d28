// Package main provides the API server entry point for the token distributor.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/token-distributor/internal/api"
	"github.com/token-distributor/internal/app"
	"github.com/token-distributor/internal/config"
	"github.com/token-distributor/internal/job"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer deps.Close()

	runs := job.NewRunManager(deps.Runner, deps.RunLock, job.RunManagerConfig{
		MaxConcurrentRuns: int64(cfg.Distribution.MaxConcurrentRuns),
	})

	opts := []api.ServerOption{
		api.WithHealthCheck("postgres", deps.Postgres.Ping),
		api.WithHealthCheck("redis", deps.Redis.Ping),
		api.WithBreakers(deps.Breakers),
	}
	if deps.ClickHouse != nil {
		opts = append(opts, api.WithHealthCheck("clickhouse", deps.ClickHouse.Ping))
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
	}
	server := api.NewServer(serverConfig, deps.Campaigns, runs, opts...)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"distributor": deps.Signer.Address(),
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// in-flight runs stop after their current chunk and record it
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Distribution runs did not stop in time")
	}

	logger.Info("Server exited")
}
