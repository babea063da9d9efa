// Package config provides configuration management for the Echofinity backend.
// Configuration is loaded from environment variables (and an optional config
// file) with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultPort     = 5000
	DefaultLogLevel = "info"
	DefaultDataDir  = ".echofinity"

	// EnvPrefix is prepended to every key when reading the environment,
	// e.g. ledger.driver is read from ECHOFINITY_LEDGER_DRIVER.
	EnvPrefix = "ECHOFINITY"

	// EnvConfigFile names an optional YAML/TOML/JSON config file.
	EnvConfigFile = "ECHOFINITY_CONFIG"

	// Database filename
	DBFilename = "echofinity.db"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"

	DefaultWorkerConcurrency = 2
	DefaultAITimeout         = 30 * time.Second
	DefaultMediaDelay        = 5 * time.Second
	DefaultQueueStream       = "jobs:v1:video-export"
)

// Keys understood by the configuration layer.
const (
	KeyPort              = "port"
	KeyLogLevel          = "log_level"
	KeyDataDir           = "data_dir"
	KeyLedgerDriver      = "ledger.driver"
	KeyPostgresDSN       = "ledger.postgres_dsn"
	KeyQueueDriver       = "queue.driver"
	KeyRedisURL          = "queue.redis_url"
	KeyQueueStream       = "queue.stream"
	KeyWorkerConcurrency = "worker.concurrency"
	KeyAIBaseURL         = "ai.base_url"
	KeyAITimeout         = "ai.timeout"
	KeyAIRateLimit       = "ai.rate_limit"
	KeyAIBurst           = "ai.burst"
	KeyJWTSecret         = "auth.jwt_secret"
	KeyPricingFile       = "pricing.file"
	KeyPricingStrict     = "pricing.strict"
	KeyMediaDelay        = "media.delay"
	KeyCORSOrigins       = "http.cors_origins"
	KeyTokenTTL          = "auth.token_ttl"
	KeyRefreshInterval   = "ledger.refresh_interval"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	LedgerDriver() string
	PostgresDSN() string
	QueueDriver() string
	RedisURL() string
	QueueStream() string
	WorkerConcurrency() int
	AIBaseURL() string
	AITimeout() time.Duration
	AIRateLimit() float64
	AIBurst() int
	JWTSecret() string
	PricingFile() string
	PricingStrict() bool
	MediaDelay() time.Duration
	CORSOrigins() []string
	TokenTTL() time.Duration
	RefreshInterval() time.Duration
}

// EnvConfig reads configuration through viper from the environment.
type EnvConfig struct {
	v *viper.Viper
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv(EnvConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return FromViper(v)
}

// FromViper applies defaults to v and validates the result.
func FromViper(v *viper.Viper) (*EnvConfig, error) {
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyDataDir, defaultDataDir())
	v.SetDefault(KeyLedgerDriver, DriverSQLite)
	v.SetDefault(KeyQueueDriver, DriverMemory)
	v.SetDefault(KeyRedisURL, "redis://127.0.0.1:6379/0")
	v.SetDefault(KeyQueueStream, DefaultQueueStream)
	v.SetDefault(KeyWorkerConcurrency, DefaultWorkerConcurrency)
	v.SetDefault(KeyAITimeout, DefaultAITimeout)
	v.SetDefault(KeyAIRateLimit, 0)
	v.SetDefault(KeyAIBurst, 1)
	v.SetDefault(KeyPricingStrict, false)
	v.SetDefault(KeyMediaDelay, DefaultMediaDelay)
	v.SetDefault(KeyCORSOrigins, []string{"*"})
	v.SetDefault(KeyTokenTTL, 7*24*time.Hour)
	v.SetDefault(KeyRefreshInterval, 24*time.Hour)

	cfg := &EnvConfig{v: v}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) validate() error {
	port := c.v.GetInt(KeyPort)
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s_PORT: port must be between 1 and 65535", EnvPrefix)
	}

	switch c.LedgerDriver() {
	case DriverSQLite:
	case DriverPostgres:
		if c.PostgresDSN() == "" {
			return fmt.Errorf("ledger driver %q requires %s_LEDGER_POSTGRES_DSN", DriverPostgres, EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.LedgerDriver())
	}

	switch c.QueueDriver() {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unknown queue driver %q", c.QueueDriver())
	}

	if c.WorkerConcurrency() < 1 {
		return fmt.Errorf("invalid %s_WORKER_CONCURRENCY: must be at least 1", EnvPrefix)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.v.GetInt(KeyPort)
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.v.GetString(KeyLogLevel)
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.v.GetString(KeyDataDir)
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.DataDir(), DBFilename)
}

func (c *EnvConfig) LedgerDriver() string {
	return strings.ToLower(c.v.GetString(KeyLedgerDriver))
}

func (c *EnvConfig) PostgresDSN() string {
	return c.v.GetString(KeyPostgresDSN)
}

func (c *EnvConfig) QueueDriver() string {
	return strings.ToLower(c.v.GetString(KeyQueueDriver))
}

func (c *EnvConfig) RedisURL() string {
	return c.v.GetString(KeyRedisURL)
}

func (c *EnvConfig) QueueStream() string {
	return c.v.GetString(KeyQueueStream)
}

// WorkerConcurrency is the number of export jobs processed in parallel.
func (c *EnvConfig) WorkerConcurrency() int {
	return c.v.GetInt(KeyWorkerConcurrency)
}

// AIBaseURL is the AI service root. Empty selects the stub client.
func (c *EnvConfig) AIBaseURL() string {
	return c.v.GetString(KeyAIBaseURL)
}

func (c *EnvConfig) AITimeout() time.Duration {
	return c.v.GetDuration(KeyAITimeout)
}

// AIRateLimit is the outbound request rate to the AI service in requests
// per second. Zero disables limiting.
func (c *EnvConfig) AIRateLimit() float64 {
	return c.v.GetFloat64(KeyAIRateLimit)
}

func (c *EnvConfig) AIBurst() int {
	return c.v.GetInt(KeyAIBurst)
}

func (c *EnvConfig) JWTSecret() string {
	return c.v.GetString(KeyJWTSecret)
}

func (c *EnvConfig) PricingFile() string {
	return c.v.GetString(KeyPricingFile)
}

func (c *EnvConfig) PricingStrict() bool {
	return c.v.GetBool(KeyPricingStrict)
}

// MediaDelay is how long the simulated media step takes.
func (c *EnvConfig) MediaDelay() time.Duration {
	return c.v.GetDuration(KeyMediaDelay)
}

// CORSOrigins lists browser origins allowed to call the API. A single
// comma separated env value is split.
func (c *EnvConfig) CORSOrigins() []string {
	origins := c.v.GetStringSlice(KeyCORSOrigins)
	if len(origins) == 1 && strings.Contains(origins[0], ",") {
		origins = strings.Split(origins[0], ",")
	}
	return origins
}

func (c *EnvConfig) TokenTTL() time.Duration {
	return c.v.GetDuration(KeyTokenTTL)
}

// RefreshInterval is how often serve resets daily allocations. Zero
// leaves it to the refresh-tokens command.
func (c *EnvConfig) RefreshInterval() time.Duration {
	return c.v.GetDuration(KeyRefreshInterval)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
