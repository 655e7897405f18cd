// Package config provides configuration management for the onboarding workflow.
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
	Gosh      GoshConfig
	Queue     QueueConfig
	Upload    UploadConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// ServerConfig holds the admin HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// connection URL used by migrations and LISTEN connections.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// The job event sink is disabled when Host is empty.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// GoshConfig holds blockchain CLI configuration
type GoshConfig struct {
	SystemContractAddr string
	Endpoints          []string
	CLIPath            string
	CLITimeout         time.Duration
	CLIRatePerSecond   int
	ABI                ABIConfig
	// RepoDeployTimeout bounds a single deployRepository call.
	RepoDeployTimeout time.Duration
}

// ABIConfig holds paths to the contract ABI files passed to the CLI
type ABIConfig struct {
	SystemContract string
	Profile        string
	Dao            string
	Wallet         string
	Repository     string
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	KeyPrefix       string
	BackoffDelay    time.Duration
	StalledInterval time.Duration
	LockTTL         time.Duration
	ResultTTL       time.Duration

	CheckAccountRetries      int
	CheckWalletAccessRetries int
	StageRetries             int

	CheckConcurrency  int
	StageConcurrency  int
	UploadConcurrency map[string]int
}

// UploadConfig holds repository upload configuration
type UploadConfig struct {
	ScratchDir      string
	ScriptPath      string
	ScriptDir       string
	GitBaseURL      string
	CountObjects    bool
	SmallThreshold  int
	MediumThreshold int
}

// SchedulerConfig holds change-triggered scheduler configuration
type SchedulerConfig struct {
	// ResyncInterval triggers a reconciliation pass periodically. Zero disables it.
	ResyncInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "onboarding"),
				User:           getEnv("POSTGRES_USER", "postgres"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "onboarding"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 100),
			},
		},
		Gosh: GoshConfig{
			SystemContractAddr: getEnv("GOSH_SYSTEM_CONTRACT_ADDR", ""),
			Endpoints:          getEnvAsList("GOSH_ENDPOINTS", nil),
			CLIPath:            getEnv("GOSH_CLI_PATH", "tonos-cli"),
			CLITimeout:         getEnvAsDuration("GOSH_CLI_TIMEOUT", 2*time.Minute),
			CLIRatePerSecond:   getEnvAsInt("GOSH_CLI_RATE", 10),
			RepoDeployTimeout:  getEnvAsDuration("GOSH_REPO_DEPLOY_TIMEOUT", 3*time.Minute),
			ABI: ABIConfig{
				SystemContract: getEnv("GOSH_ABI_SYSTEM_CONTRACT", "contracts/systemcontract.abi.json"),
				Profile:        getEnv("GOSH_ABI_PROFILE", "contracts/profile.abi.json"),
				Dao:            getEnv("GOSH_ABI_DAO", "contracts/goshdao.abi.json"),
				Wallet:         getEnv("GOSH_ABI_WALLET", "contracts/goshwallet.abi.json"),
				Repository:     getEnv("GOSH_ABI_REPOSITORY", "contracts/repository.abi.json"),
			},
		},
		Queue: QueueConfig{
			KeyPrefix:                getEnv("QUEUE_KEY_PREFIX", "onboarding"),
			BackoffDelay:             getEnvAsDuration("QUEUE_BACKOFF_DELAY", 10*time.Second),
			StalledInterval:          getEnvAsDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
			LockTTL:                  getEnvAsDuration("QUEUE_LOCK_TTL", 60*time.Second),
			ResultTTL:                getEnvAsDuration("QUEUE_RESULT_TTL", 24*time.Hour),
			CheckAccountRetries:      getEnvAsInt("QUEUE_CHECK_ACCOUNT_RETRIES", 100),
			CheckWalletAccessRetries: getEnvAsInt("QUEUE_CHECK_WALLET_ACCESS_RETRIES", 100),
			StageRetries:             getEnvAsInt("QUEUE_STAGE_RETRIES", 5),
			CheckConcurrency:         getEnvAsInt("QUEUE_CHECK_CONCURRENCY", 10),
			StageConcurrency:         getEnvAsInt("QUEUE_STAGE_CONCURRENCY", 5),
			UploadConcurrency: map[string]int{
				"small":  getEnvAsInt("QUEUE_UPLOAD_SMALL_CONCURRENCY", 4),
				"medium": getEnvAsInt("QUEUE_UPLOAD_MEDIUM_CONCURRENCY", 2),
				"large":  getEnvAsInt("QUEUE_UPLOAD_LARGE_CONCURRENCY", 1),
			},
		},
		Upload: UploadConfig{
			ScratchDir:      getEnv("UPLOAD_SCRATCH_DIR", os.TempDir()),
			ScriptPath:      getEnv("UPLOAD_SCRIPT_PATH", "/app/bin/upload_repo.sh"),
			ScriptDir:       getEnv("UPLOAD_SCRIPT_DIR", "/app/bin"),
			GitBaseURL:      getEnv("UPLOAD_GIT_BASE_URL", "https://github.com"),
			CountObjects:    getEnvAsBool("UPLOAD_COUNT_OBJECTS", true),
			SmallThreshold:  getEnvAsInt("UPLOAD_SMALL_THRESHOLD", 1500),
			MediumThreshold: getEnvAsInt("UPLOAD_MEDIUM_THRESHOLD", 15000),
		},
		Scheduler: SchedulerConfig{
			ResyncInterval: getEnvAsDuration("SCHEDULER_RESYNC_INTERVAL", 5*time.Minute),
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

// Validate checks invariants that the rest of the application relies on
func (c *Config) Validate() error {
	if c.Upload.SmallThreshold <= 0 || c.Upload.MediumThreshold <= c.Upload.SmallThreshold {
		return fmt.Errorf("invalid bucket thresholds: small=%d medium=%d",
			c.Upload.SmallThreshold, c.Upload.MediumThreshold)
	}
	if c.Queue.BackoffDelay < 0 {
		return fmt.Errorf("queue backoff delay cannot be negative")
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
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated environment variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
