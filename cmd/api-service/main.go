package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/restora/internal/api/handler"
	"github.com/cuongbtq/restora/internal/api/router"
	"github.com/cuongbtq/restora/internal/bootstrap"
	"github.com/cuongbtq/restora/internal/config"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/generation"
	"github.com/cuongbtq/restora/internal/ledger"
	"github.com/cuongbtq/restora/internal/payments"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/migrations"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	migrate := flag.Bool("migrate", true, "Apply pending database migrations on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.Logger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	if *migrate {
		if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

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

	credits := ledger.New(ledger.NewPostgresStore(dbClient.GetDB(), appLogger.Logger), appLogger.Logger, ledger.Options{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		RetryDelay:  cfg.Ledger.RetryDelay,
	})
	callbacks := provider.NewCallbackSigner(cfg.Providers.CallbackBaseURL, cfg.Providers.CallbackSecret)

	pricing := make(map[domain.JobKind]int64, len(cfg.Pricing))
	for kind, cost := range cfg.Pricing {
		pricing[domain.JobKind(kind)] = cost
	}

	jobService, err := generation.NewService(&generation.Config{
		Logger:    appLogger.Logger,
		Jobs:      core.Jobs,
		Ledger:    credits,
		Gateway:   core.Gateway,
		Poller:    core.Engine,
		Publisher: rabbitClient,
		Callbacks: callbacks,
		Pricing:   pricing,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize generation service: %w", err)
	}

	catalog := make(payments.Catalog, len(cfg.Payments.Packages))
	for _, p := range cfg.Payments.Packages {
		catalog[p.ID] = payments.Package{ID: p.ID, PriceID: p.PriceID, Credits: p.Credits}
	}
	checkout := payments.NewCheckoutClient(payments.Config{
		BaseURL:    cfg.Payments.BaseURL,
		SecretKey:  cfg.Payments.SecretKey,
		SuccessURL: cfg.Payments.SuccessURL,
		CancelURL:  cfg.Payments.CancelURL,
	}, catalog, nil, appLogger.Logger)
	fulfiller := payments.NewFulfiller(
		payments.NewVerifier(cfg.Payments.WebhookSecret, cfg.Payments.SignatureTolerance),
		catalog,
		credits,
		appLogger.Logger,
	)

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r, err := router.SetupRouter(&handler.Dependencies{
		Logger:         appLogger.Logger,
		Jobs:           jobService,
		Ledger:         credits,
		Reconciler:     core.Engine,
		Callbacks:      callbacks,
		Checkout:       checkout,
		Payments:       fulfiller,
		Blobs:          blobs,
		PublicBaseURL:  cfg.Storage.PublicBaseURL,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}, &router.Config{
		Service: cfg.App.Name,
		Auth: router.AuthConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		},
		AllowedOrigin: cfg.Server.AllowedOrigin,
		HealthChecks: map[string]router.HealthCheck{
			"database": dbClient.HealthCheck,
			"rabbitmq": func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return errors.New("rabbitmq connection is closed")
				}
				return nil
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Wait for interrupt signal or a server failure
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("API service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
