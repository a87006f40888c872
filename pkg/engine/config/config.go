// Package config loads engine settings from the environment and assembles the
// ingestion object graph from them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Queue types
const (
	QueueMemory = "memory"
	QueueSQS    = "sqs"
)

// Config holds every engine setting.
//
// Storage URLs take one of three forms:
//
//	memory://                        in-memory storage
//	file:///path/to/data             filesystem storage
//	s3://bucket?region=us-east-1     S3 storage; S3 settings below supply credentials
type Config struct {
	Port        string `env:"ENGINE_PORT" env-default:"8080"`
	Environment string `env:"ENGINE_ENVIRONMENT" env-default:"development"`

	DatabaseURL string `env:"ENGINE_DATABASE_URL" env-default:"memory"`
	DBSchema    string `env:"ENGINE_DB_SCHEMA" env-default:"public"`

	StorageURL          string `env:"ENGINE_STORAGE_URL" env-default:"memory://"`
	TransientStorageURL string `env:"ENGINE_TRANSIENT_STORAGE_URL" env-default:"memory://"`
	KeyPrefix           string `env:"ENGINE_KEY_PREFIX"`
	S3                  S3Config

	ImageProcessorURL string        `env:"ENGINE_IMAGE_PROCESSOR_URL"`
	TranscoderURL     string        `env:"ENGINE_TRANSCODER_URL"`
	HTTPTimeout       time.Duration `env:"ENGINE_HTTP_TIMEOUT" env-default:"5m"`

	CustomersWithoutStorageCheck []int         `env:"ENGINE_CUSTOMERS_WITHOUT_STORAGE_CHECK" env-separator:","`
	PolicyCacheTTL               time.Duration `env:"ENGINE_POLICY_CACHE_TTL" env-default:"1m"`

	QueueType        string   `env:"ENGINE_QUEUE_TYPE" env-default:"memory"`
	QueueNames       []string `env:"ENGINE_QUEUE_NAMES" env-default:"ingest" env-separator:","`
	QueueWorkers     int      `env:"ENGINE_QUEUE_WORKERS" env-default:"4"`
	QueueWaitSeconds int      `env:"ENGINE_QUEUE_WAIT_SECONDS" env-default:"20"`

	JWTSecret string `env:"ENGINE_JWT_SECRET"`
}

// S3Config holds credentials shared by S3 storage and the SQS queue source.
type S3Config struct {
	Region          string `env:"ENGINE_AWS_REGION" env-default:"us-east-1"`
	AccessKeyID     string `env:"ENGINE_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ENGINE_AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"ENGINE_S3_ENDPOINT"`
	SQSEndpoint     string `env:"ENGINE_SQS_ENDPOINT"`
	UsePathStyle    bool   `env:"ENGINE_S3_USE_PATH_STYLE" env-default:"false"`
	CreateBucket    bool   `env:"ENGINE_S3_CREATE_BUCKET" env-default:"false"`
}

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:                "8080",
		Environment:         "development",
		DatabaseURL:         "memory",
		DBSchema:            "public",
		StorageURL:          "memory://",
		TransientStorageURL: "memory://",
		S3:                  S3Config{Region: "us-east-1"},
		HTTPTimeout:         5 * time.Minute,
		PolicyCacheTTL:      time.Minute,
		QueueType:           QueueMemory,
		QueueNames:          []string{"ingest"},
		QueueWorkers:        4,
		QueueWaitSeconds:    20,
	}
}

// WithEnv reads ENGINE_* environment variables. Unset variables take their
// defaults, so apply it before other options.
func WithEnv() Option {
	return func(c *Config) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return nil
	}
}

// WithPort sets the HTTP port
func WithPort(port string) Option {
	return func(c *Config) error {
		if port == "" {
			return errors.New("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabaseURL sets the database, "memory" or a postgres URL
func WithDatabaseURL(databaseURL string) Option {
	return func(c *Config) error {
		c.DatabaseURL = databaseURL
		return nil
	}
}

// WithStorage sets the derivative and transient storage URLs
func WithStorage(storageURL, transientURL string) Option {
	return func(c *Config) error {
		c.StorageURL = storageURL
		c.TransientStorageURL = transientURL
		return nil
	}
}

// WithImageProcessor sets the image processor base URL
func WithImageProcessor(baseURL string) Option {
	return func(c *Config) error {
		c.ImageProcessorURL = baseURL
		return nil
	}
}

// WithTranscoder sets the transcoder base URL
func WithTranscoder(baseURL string) Option {
	return func(c *Config) error {
		c.TranscoderURL = baseURL
		return nil
	}
}

// WithCustomersWithoutStorageCheck exempts customers from storage checks
func WithCustomersWithoutStorageCheck(customers ...int) Option {
	return func(c *Config) error {
		c.CustomersWithoutStorageCheck = append(c.CustomersWithoutStorageCheck, customers...)
		return nil
	}
}

// WithQueue sets the queue type and names
func WithQueue(queueType string, names ...string) Option {
	return func(c *Config) error {
		c.QueueType = queueType
		if len(names) > 0 {
			c.QueueNames = names
		}
		return nil
	}
}

// WithJWTSecret protects the ingest endpoint with an HS256 bearer token
func WithJWTSecret(secret string) Option {
	return func(c *Config) error {
		c.JWTSecret = secret
		return nil
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if !c.UsesMemoryDatabase() && !isPostgresURL(c.DatabaseURL) {
		return fmt.Errorf("unsupported database url %q (use 'memory' or 'postgres://...')", c.DatabaseURL)
	}
	if err := validateStorageURL("storage", c.StorageURL); err != nil {
		return err
	}
	if err := validateStorageURL("transient storage", c.TransientStorageURL); err != nil {
		return err
	}
	for name, raw := range map[string]string{"image processor": c.ImageProcessorURL, "transcoder": c.TranscoderURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s url must be http or https, got %q", name, raw)
		}
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.QueueType != QueueMemory && c.QueueType != QueueSQS {
		return fmt.Errorf("queue type must be '%s' or '%s', got %q", QueueMemory, QueueSQS, c.QueueType)
	}
	if len(c.QueueNames) == 0 {
		return errors.New("at least one queue name is required")
	}
	if c.QueueWorkers <= 0 {
		return errors.New("queue workers must be positive")
	}
	return nil
}

// UsesMemoryDatabase reports whether the in-memory repository is configured.
func (c *Config) UsesMemoryDatabase() bool {
	return c.DatabaseURL == "" || c.DatabaseURL == "memory"
}

func isPostgresURL(raw string) bool {
	return strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://")
}

func validateStorageURL(name, raw string) error {
	if raw == "memory" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s url %q: %w", name, raw, err)
	}
	switch u.Scheme {
	case "memory":
		return nil
	case "file":
		if u.Path == "" {
			return fmt.Errorf("%s url %q must include a path", name, raw)
		}
		return nil
	case "s3":
		if u.Host == "" {
			return fmt.Errorf("%s url %q must include a bucket", name, raw)
		}
		return nil
	default:
		return fmt.Errorf("unsupported %s url %q (use 'memory://', 'file://...', or 's3://...')", name, raw)
	}
}
