package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stablecoin-settlement-engine/internal/api_gateway"
	apiservice "github.com/stablecoin-settlement-engine/internal/api_gateway/service"
	"github.com/stablecoin-settlement-engine/internal/config"
	"github.com/stablecoin-settlement-engine/internal/data/mongo"
	"github.com/stablecoin-settlement-engine/internal/data/postgres"
	"github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
	"github.com/stablecoin-settlement-engine/internal/platform/messaging/producers"
	"github.com/stablecoin-settlement-engine/internal/platform/persistence"
	"github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

func main() {
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("api_gateway")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	gateway, err := partner.NewGateway(partner.NewConfig(&cfg.Partner), nil, log)
	if err != nil {
		log.Error("Failed to initialize partner gateway", "error", err)
		os.Exit(1)
	}

	eventProducer, err := producers.NewEventProducer(log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize event Kafka producer", "error", err)
		os.Exit(1)
	}

	workerPool, err := service.NewWorkerPool(service.WorkerPoolConfig{Size: cfg.WorkerPool.Size}, log)
	if err != nil {
		log.Error("Failed to initialize worker pool", "error", err)
		os.Exit(1)
	}

	settlementRepo := postgres.NewSettlementRepository(log, postgresDB)
	attemptRepo := mongo.NewAttemptRepository(log, mongoDB.Database())

	// manual batches share the advisory lock with the processor's scheduler
	orchestrator := service.NewOrchestrator(
		service.NewOrchestratorConfig(&cfg.Settlement),
		settlementRepo,
		gateway,
		attemptRepo,
		eventProducer,
		service.NewCompositeBatchLock(&service.LocalBatchLock{}, postgresDB.AdvisoryLock(cfg.Postgres.BatchLockKey)),
		workerPool,
		log,
	)

	settlementService := apiservice.NewSettlementService(log, orchestrator, settlementRepo, attemptRepo, gateway, cfg.Settlement.GatewayTimeout)

	server := api_gateway.NewServer(log, cfg, settlementService, map[string]api_gateway.Pinger{
		"postgres": postgresDB,
		"mongodb":  mongoDB,
	})
	log.Info("REST server initialized")

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case serverErr = <-errChan:
		log.Error("Server error occurred", "error", serverErr)
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// stop accepting requests before the stores go away
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
		serverErr = err
	}

	log.Info("Shutting down worker pool", "running_workers", workerPool.Running())
	workerPool.Shutdown()

	if err := eventProducer.Close(); err != nil {
		log.Error("Error closing event Kafka producer", "error", err)
	}

	postgresDB.Close()

	if err := mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
		os.Exit(1)
	}
	log.Info("Server shutdown completed successfully")
}
