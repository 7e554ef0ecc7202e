// Package config provides configuration management for the cloud importer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Blob      BlobConfig
	Drive     DriveConfig
	Local     LocalSourceConfig
	Import    ImportConfig
	Quota     QuotaConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MigrationsPath  string
	AutoMigrate     bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL renders the config as a postgres:// URL for golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// BlobConfig selects where imported bytes are written
type BlobConfig struct {
	Backend string // minio or filesystem
	Dir     string // root directory for the filesystem backend
	MinIO   MinIOConfig
}

// MinIOConfig holds S3-compatible object storage settings
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// DriveConfig holds Google Drive API settings
type DriveConfig struct {
	APIBase      string
	TokenURL     string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RequestsPerS float64
	Timeout      time.Duration

	// Budget is shared by all replicas through Redis; 0 disables it
	Budget         int
	BudgetReserved int
	BudgetWindow   time.Duration
}

// LocalSourceConfig enables importing from a directory on the server
type LocalSourceConfig struct {
	BaseDir string
}

// ImportConfig holds batch engine limits
type ImportConfig struct {
	DefaultBatchSize int
	MaxBatchSize     int
	ListLimit        int
	LockTTL          time.Duration
	TempDir          string
}

// QuotaConfig holds monthly import limits per tier
type QuotaConfig struct {
	FreeLimit int
	PaidLimit int
}

// SchedulerConfig holds client driver timings
type SchedulerConfig struct {
	PollInterval      time.Duration
	FirstPollDelay    time.Duration
	FirstTriggerDelay time.Duration
	StepTimeout       time.Duration
	BatchSize         int
}

// RateLimitConfig holds per-owner API request limits
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; the environment may be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "migrations/postgres"),
			AutoMigrate:     getEnvAsBool("AUTO_MIGRATE", false),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "cloud_importer"),
				User:           getEnv("POSTGRES_USER", "importer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Blob: BlobConfig{
			Backend: strings.ToLower(getEnv("ASSET_BLOB_BACKEND", "filesystem")),
			Dir:     getEnv("ASSET_BLOB_DIR", "data/assets"),
			MinIO: MinIOConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "imported-assets"),
				UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			},
		},
		Drive: DriveConfig{
			APIBase:      getEnv("DRIVE_API_BASE", "https://www.googleapis.com/drive/v3"),
			TokenURL:     getEnv("DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			AccessToken:  getEnv("DRIVE_ACCESS_TOKEN", ""),
			RefreshToken: getEnv("DRIVE_REFRESH_TOKEN", ""),
			ClientID:     getEnv("DRIVE_CLIENT_ID", ""),
			ClientSecret: getEnv("DRIVE_CLIENT_SECRET", ""),
			RequestsPerS: getEnvAsFloat("DRIVE_REQUESTS_PER_SECOND", 10),
			Timeout:      getEnvAsDuration("DRIVE_TIMEOUT", 60*time.Second),

			Budget:         getEnvAsInt("DRIVE_BUDGET", 0),
			BudgetReserved: getEnvAsInt("DRIVE_BUDGET_RESERVED", 0),
			BudgetWindow:   getEnvAsDuration("DRIVE_BUDGET_WINDOW", time.Second),
		},
		Local: LocalSourceConfig{
			BaseDir: getEnv("LOCAL_SOURCE_DIR", ""),
		},
		Import: ImportConfig{
			DefaultBatchSize: getEnvAsInt("IMPORT_DEFAULT_BATCH_SIZE", 25),
			MaxBatchSize:     getEnvAsInt("IMPORT_MAX_BATCH_SIZE", 100),
			ListLimit:        getEnvAsInt("IMPORT_LIST_LIMIT", 1000),
			LockTTL:          getEnvAsDuration("IMPORT_LOCK_TTL", 15*time.Minute),
			TempDir:          getEnv("IMPORT_TEMP_DIR", os.TempDir()),
		},
		Quota: QuotaConfig{
			FreeLimit: getEnvAsInt("QUOTA_FREE_LIMIT", 25),
			PaidLimit: getEnvAsInt("QUOTA_PAID_LIMIT", 1000),
		},
		Scheduler: SchedulerConfig{
			PollInterval:      getEnvAsDuration("SCHEDULER_POLL_INTERVAL", 3*time.Second),
			FirstPollDelay:    getEnvAsDuration("SCHEDULER_FIRST_POLL_DELAY", time.Second),
			FirstTriggerDelay: getEnvAsDuration("SCHEDULER_FIRST_TRIGGER_DELAY", 1500*time.Millisecond),
			StepTimeout:       getEnvAsDuration("SCHEDULER_STEP_TIMEOUT", 5*time.Minute),
			BatchSize:         getEnvAsInt("SCHEDULER_BATCH_SIZE", 25),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_SECOND", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Import.DefaultBatchSize <= 0 {
		return fmt.Errorf("IMPORT_DEFAULT_BATCH_SIZE must be positive, got %d", c.Import.DefaultBatchSize)
	}
	if c.Import.MaxBatchSize < c.Import.DefaultBatchSize {
		return fmt.Errorf("IMPORT_MAX_BATCH_SIZE (%d) must be >= IMPORT_DEFAULT_BATCH_SIZE (%d)",
			c.Import.MaxBatchSize, c.Import.DefaultBatchSize)
	}
	if c.Import.ListLimit <= 0 {
		return fmt.Errorf("IMPORT_LIST_LIMIT must be positive, got %d", c.Import.ListLimit)
	}
	if c.Quota.FreeLimit < 0 || c.Quota.PaidLimit < 0 {
		return fmt.Errorf("quota limits cannot be negative")
	}
	if c.Drive.Budget > 0 && c.Drive.BudgetReserved > c.Drive.Budget {
		return fmt.Errorf("DRIVE_BUDGET_RESERVED (%d) cannot exceed DRIVE_BUDGET (%d)", c.Drive.BudgetReserved, c.Drive.Budget)
	}
	switch c.Blob.Backend {
	case "minio", "filesystem":
	default:
		return fmt.Errorf("ASSET_BLOB_BACKEND must be minio or filesystem, got %q", c.Blob.Backend)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}
