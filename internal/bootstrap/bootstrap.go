// Package bootstrap builds the components shared by the API and worker
// services from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/restora/internal/config"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/jobstore"
	"github.com/cuongbtq/restora/internal/provider"
	"github.com/cuongbtq/restora/internal/reconcile"
	"github.com/cuongbtq/restora/shared/blobstore"
	"github.com/cuongbtq/restora/shared/logger"
	"github.com/cuongbtq/restora/shared/postgresql"
	"github.com/cuongbtq/restora/shared/rabbitmq"
)

const (
	// ProviderPredictions is the adapter name of the prediction-style vendor API
	ProviderPredictions = "predictions"
	// ProviderTasks is the adapter name of the task-queue video API
	ProviderTasks = "tasks"

	defaultProviderTimeout = 30 * time.Second
)

// Logger initializes and configures the application logger
func Logger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// PostgreSQL initializes the PostgreSQL database client
func PostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

// RabbitMQ initializes the RabbitMQ client
func RabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// BlobStore opens the configured storage driver. The returned close func is
// never nil.
func BlobStore(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (blobstore.Store, func() error, error) {
	switch cfg.Driver {
	case config.StorageDriverGCS:
		store, err := blobstore.NewGCS(ctx, &blobstore.GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			CacheControl:    cfg.CacheControl,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StorageDriverFilesystem:
		store, err := blobstore.NewFileStore(cfg.BasePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Filesystem blob store initialized", slog.String("base_path", cfg.BasePath))
		return store, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Routes converts the configured routing table
func Routes(cfg map[string]config.ProviderRoute) map[domain.JobKind]provider.Route {
	routes := make(map[domain.JobKind]provider.Route, len(cfg))
	for kind, route := range cfg {
		routes[domain.JobKind(kind)] = provider.Route{Provider: route.Provider, Model: route.Model}
	}
	return routes
}

// Gateway builds the vendor adapters and the kind routing gateway
func Gateway(cfg *config.ProvidersConfig, logger *slog.Logger) (*provider.Gateway, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	client := &http.Client{Timeout: timeout}

	adapters := []provider.Adapter{
		provider.NewPredictions(ProviderPredictions, provider.HTTPConfig{
			BaseURL:  cfg.Predictions.BaseURL,
			APIToken: cfg.Predictions.APIToken,
		}, client),
		provider.NewTasks(ProviderTasks, provider.HTTPConfig{
			BaseURL:  cfg.Tasks.BaseURL,
			APIToken: cfg.Tasks.APIToken,
		}, client),
	}
	return provider.NewGateway(adapters, Routes(cfg.Routes), logger)
}

// Core is the reconciliation stack both services run
type Core struct {
	Jobs    *jobstore.Storage
	Gateway *provider.Gateway
	Engine  *reconcile.Engine
}

// NewCore wires the job store, provider gateway and reconciliation engine
func NewCore(cfg *config.Config, db *postgresql.Client, blobs blobstore.Store, logger *slog.Logger) (*Core, error) {
	gateway, err := Gateway(&cfg.Providers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider gateway: %w", err)
	}

	jobs := jobstore.NewStorage(db.GetDB(), logger)

	// Result downloads may be large videos and get their own timeout
	relocator := provider.NewRelocator(&http.Client{Timeout: 10 * time.Minute}, blobs, cfg.Storage.MaxResultBytes, logger)

	engine := reconcile.NewEngine(&reconcile.Config{
		Logger:          logger,
		Store:           jobs,
		Gateway:         gateway,
		Relocator:       relocator,
		RelocationLease: cfg.Worker.RelocationLease,
	})

	return &Core{Jobs: jobs, Gateway: gateway, Engine: engine}, nil
}
