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

	"github.com/cuongbtq/restora/internal/bootstrap"
	"github.com/cuongbtq/restora/internal/config"
	"github.com/cuongbtq/restora/internal/worker"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 30 * time.Second

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
	appLogger, err := bootstrap.Logger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.PostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.RabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	blobs, closeBlobs, err := bootstrap.BlobStore(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	defer closeBlobs()

	core, err := bootstrap.NewCore(cfg, dbClient, blobs, appLogger.Logger)
	if err != nil {
		return err
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Broker:        rabbitClient,
		Reconciler:    core.Engine,
		Jobs:          core.Jobs,
		Concurrency:   cfg.Worker.Concurrency,
		QueueSize:     cfg.Worker.MaxJobs,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout,
		PollInterval:  cfg.Worker.PollInterval,
		PollRate:      cfg.Worker.PollRate,
		PollBurst:     cfg.Worker.PollBurst,
		MaxJobAge:     cfg.Worker.MaxJobAge,
		SweepAge:      cfg.Worker.SweepAge,
		SweepLimit:    cfg.Worker.SweepLimit,
		QueueName:     cfg.RabbitMQ.Queue.Name,
	})

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	g.Go(func() error {
		// Wait for a signal or a consumer failure, then drain in-flight reconciles
		<-gctx.Done()
		appLogger.Info("Shutting down worker...")

		done := make(chan struct{})
		go func() {
			workerInstance.Stop()
			close(done)
		}()

		select {
		case <-done:
			appLogger.Info("Worker stopped gracefully")
		case <-time.After(shutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
				slog.Duration("timeout", shutdownTimeout),
			)
		}
		return nil
	})

	appLogger.Info("Worker service started successfully")

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
