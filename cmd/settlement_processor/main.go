package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stablecoin-settlement-engine/internal/config"
	"github.com/stablecoin-settlement-engine/internal/data/mongo"
	"github.com/stablecoin-settlement-engine/internal/data/postgres"
	"github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
	"github.com/stablecoin-settlement-engine/internal/platform/messaging/consumers"
	"github.com/stablecoin-settlement-engine/internal/platform/messaging/producers"
	"github.com/stablecoin-settlement-engine/internal/platform/persistence"
	"github.com/stablecoin-settlement-engine/internal/settlement_processor/consumer"
	"github.com/stablecoin-settlement-engine/internal/settlement_processor/scheduler"
	"github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

func main() {
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("settlement_processor")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	log.Info("Starting Settlement Processor",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
		"partner_mode", cfg.Partner.Mode,
	)

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

	settlementRepo := postgres.NewSettlementRepository(log, postgresDB)
	attemptRepo := mongo.NewAttemptRepository(log, mongoDB.Database())
	if err := attemptRepo.EnsureIndexes(appCtx); err != nil {
		log.Warn("Failed to ensure attempt indexes", "error", err)
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

	dlqProducer, err := producers.NewDLQProducer(log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}

	workerPool, err := service.NewWorkerPool(service.WorkerPoolConfig{Size: cfg.WorkerPool.Size}, log)
	if err != nil {
		log.Error("Failed to initialize worker pool", "error", err)
		os.Exit(1)
	}

	// the advisory lock spans processes, including manual runs from the API gateway
	batchLock := service.NewCompositeBatchLock(
		&service.LocalBatchLock{},
		postgresDB.AdvisoryLock(cfg.Postgres.BatchLockKey),
	)

	orchestrator := service.NewOrchestrator(
		service.NewOrchestratorConfig(&cfg.Settlement),
		settlementRepo,
		gateway,
		attemptRepo,
		eventProducer,
		batchLock,
		workerPool,
		log,
	)

	paymentHandler := consumer.NewPaymentEventHandler(log, orchestrator, dlqProducer)
	kafkaConsumer := consumers.NewKafkaConsumer(log, &cfg.Kafka)

	batchScheduler := scheduler.NewScheduler(cfg.Settlement.BatchInterval, orchestrator, log)
	sweeper := scheduler.NewSweeper(cfg.Settlement.SweepInterval, cfg.Settlement.StaleAfter, settlementRepo, log)

	if err := kafkaConsumer.Subscribe(appCtx, paymentHandler.HandleMessage); err != nil {
		log.Error("Failed to subscribe to payment topic", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		batchScheduler.Start(appCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(appCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	log.Info("Shutdown signal received")

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// a running batch releases its unfinished records to PENDING before the scheduler returns
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Info("Scheduler and sweeper stopped")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	log.Info("Shutting down worker pool", "running_workers", workerPool.Running())
	workerPool.Shutdown()

	var shutdownErr error
	if err := kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
		shutdownErr = err
	}
	if err := eventProducer.Close(); err != nil {
		log.Error("Error closing event Kafka producer", "error", err)
		shutdownErr = err
	}
	if err := dlqProducer.Close(); err != nil {
		log.Error("Error closing DLQ Kafka producer", "error", err)
		shutdownErr = err
	}

	postgresDB.Close()

	if err := mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
		shutdownErr = err
	}

	if shutdownErr != nil {
		log.Error("Settlement Processor shutdown completed with errors")
		os.Exit(1)
	}
	log.Info("Settlement Processor shutdown completed successfully")
}
