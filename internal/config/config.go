package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/restora/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	StorageDriverGCS        = "gcs"
	StorageDriverFilesystem = "filesystem"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	RabbitMQ  RabbitMQConfig   `yaml:"rabbitmq"`
	Logging   LoggingConfig    `yaml:"logging"`
	App       AppConfig        `yaml:"app"`
	Worker    WorkerConfig     `yaml:"worker"`
	Storage   StorageConfig    `yaml:"storage"`
	Providers ProvidersConfig  `yaml:"providers"`
	Pricing   map[string]int64 `yaml:"pricing"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Auth      AuthConfig       `yaml:"auth"`
	Payments  PaymentsConfig   `yaml:"payments"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxJobs         int           `yaml:"max_jobs"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxJobAge       time.Duration `yaml:"max_job_age"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollRate        float64       `yaml:"poll_rate"`
	PollBurst       int           `yaml:"poll_burst"`
	SweepAge        time.Duration `yaml:"sweep_age"`
	SweepLimit      int           `yaml:"sweep_limit"`
	RelocationLease time.Duration `yaml:"relocation_lease"`
}

// StorageConfig selects and configures durable media storage
type StorageConfig struct {
	Driver          string `yaml:"driver"` // "gcs" or "filesystem"
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	CacheControl    string `yaml:"cache_control"`
	BasePath        string `yaml:"base_path"`
	PublicBaseURL   string `yaml:"public_base_url"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	MaxResultBytes  int64  `yaml:"max_result_bytes"`
}

// ProvidersConfig holds vendor endpoints and the kind routing table
type ProvidersConfig struct {
	CallbackBaseURL string                   `yaml:"callback_base_url"`
	CallbackSecret  string                   `yaml:"callback_secret"`
	Timeout         time.Duration            `yaml:"timeout"`
	Predictions     ProviderEndpoint         `yaml:"predictions"`
	Tasks           ProviderEndpoint         `yaml:"tasks"`
	Routes          map[string]ProviderRoute `yaml:"routes"`
}

// ProviderEndpoint holds one vendor API endpoint
type ProviderEndpoint struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

// ProviderRoute maps a job kind to a vendor and model
type ProviderRoute struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// LedgerConfig tunes compare-and-swap retries
type LedgerConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// AuthConfig holds session token verification settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// PaymentsConfig holds the payment provider settings and credit packages
type PaymentsConfig struct {
	BaseURL            string          `yaml:"base_url"`
	SecretKey          string          `yaml:"secret_key"`
	WebhookSecret      string          `yaml:"webhook_secret"`
	SignatureTolerance time.Duration   `yaml:"signature_tolerance"`
	SuccessURL         string          `yaml:"success_url"`
	CancelURL          string          `yaml:"cancel_url"`
	Packages           []PackageConfig `yaml:"packages"`
}

// PackageConfig is a purchasable credit bundle
type PackageConfig struct {
	ID      string `yaml:"id"`
	PriceID string `yaml:"price_id"`
	Credits int64  `yaml:"credits"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.Providers.CallbackSecret == "" {
		return fmt.Errorf("providers callback_secret is required")
	}

	if len(c.Pricing) == 0 {
		return fmt.Errorf("pricing must list at least one job kind")
	}

	for kind, cost := range c.Pricing {
		if !domain.JobKind(kind).Valid() {
			return fmt.Errorf("pricing lists unknown job kind %q", kind)
		}
		if !domain.ValidDebitAmount(cost) {
			return fmt.Errorf("invalid price for %s: %d (must be between %d and %d)", kind, cost, domain.MinDebitAmount, domain.MaxDebitAmount)
		}
		if _, ok := c.Providers.Routes[kind]; !ok {
			return fmt.Errorf("priced job kind %s has no provider route", kind)
		}
	}

	if c.Payments.WebhookSecret == "" {
		return fmt.Errorf("payments webhook_secret is required")
	}

	for _, pkg := range c.Payments.Packages {
		if pkg.ID == "" || pkg.Credits <= 0 {
			return fmt.Errorf("payment package %q must have an id and positive credits", pkg.ID)
		}
	}

	return nil
}

// validateShared checks the settings both services need
func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	switch c.Storage.Driver {
	case StorageDriverGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket is required for the gcs driver")
		}
	case StorageDriverFilesystem:
		if c.Storage.BasePath == "" {
			return fmt.Errorf("storage base_path is required for the filesystem driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %q (must be gcs or filesystem)", c.Storage.Driver)
	}

	for kind, route := range c.Providers.Routes {
		if !domain.JobKind(kind).Valid() {
			return fmt.Errorf("provider route for unknown job kind %q", kind)
		}
		if route.Provider == "" || route.Model == "" {
			return fmt.Errorf("provider route for %s needs provider and model", kind)
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.MaxJobAge <= 0 {
		return fmt.Errorf("worker max_job_age must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.PollRate <= 0 {
		return fmt.Errorf("worker poll_rate must be greater than 0")
	}

	return nil
}
