package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/broadcast"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/config"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/dispatch"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/infer"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/storage"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/worker"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/logger"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/postgresql"
	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	store := storage.New(dbClient, appLogger.Logger)
	if err := store.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	broadcaster := broadcast.NewAMQPBroadcaster(rabbitClient, store, appLogger.Logger)
	queueManager := queue.NewManager(store, store, broadcaster, infer.SupportedModels(), appLogger.Logger)

	sidecarClient, err := infer.NewClient(&infer.ClientConfig{
		BaseURL: cfg.Inference.SidecarURL,
		Timeout: cfg.Inference.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize inference client: %w", err)
	}

	pool, err := infer.NewPool(&infer.PoolConfig{
		Size:                cfg.Inference.PoolSize,
		DeviceMemoryMB:      cfg.Inference.DeviceMemoryMB,
		ReservedMemoryMB:    cfg.Inference.ReservedMemoryMB,
		PollInterval:        cfg.Inference.PollInterval,
		MemoryCheckInterval: cfg.Inference.MemoryCheckInterval,
	}, queueManager, sidecarClient, store, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inference pool: %w", err)
	}

	processor, err := export.NewProcessor(&export.ProcessorConfig{
		RootDir:     cfg.Export.RootDir,
		Concurrency: cfg.Export.Concurrency,
	}, store, store, broadcaster, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize export processor: %w", err)
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		RabbitClient:      rabbitClient,
		Pool:              pool,
		Processor:         processor,
		ExportParallelism: cfg.Export.Concurrency,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with both work queues declared
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		VHost:           cfg.VHost,
		ExchangeName:    cfg.Exchange.Name,
		ExchangeDurable: cfg.Exchange.Durable,
		Queues: []rabbitmq.QueueBinding{
			{Name: dispatch.SegmentationQueue, RoutingKey: dispatch.SegmentationRoutingKey},
			{Name: dispatch.ExportQueue, RoutingKey: dispatch.ExportRoutingKey},
		},
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
		PrefetchCount:     cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
