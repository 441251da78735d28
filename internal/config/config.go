// Package config provides configuration management for the token distributor.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"math"
	"math/big"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/token-distributor/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Ledger       LedgerConfig
	Distribution DistributionConfig
	RateLimit    RateLimitConfig
	Logging      LoggingConfig
}

// ServerConfig holds server configuration
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

// PostgresConfig holds Postgres configuration.
// Zero pool settings fall back to the storage defaults.
type PostgresConfig struct {
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConnections  int
	MinConnections  int
	ConnectTimeout  time.Duration
	MaxConnLifetime time.Duration
}

// SSL returns the sslmode, "disable" when unset
func (c PostgresConfig) SSL() string {
	if c.SSLMode == "" {
		return "disable"
	}
	return c.SSLMode
}

// URL returns the postgres:// URL used by the migration tool
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSL()),
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration.
// The chunk audit log is optional; when disabled the runner skips auditing.
type ClickHouseConfig struct {
	Enabled          bool
	Host             string
	Port             string
	Database         string
	User             string
	Password         string
	MaxOpenConns     int
	DialTimeout      time.Duration
	MaxExecutionTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	DialTimeout    time.Duration
	IOTimeout      time.Duration // read and write
}

// LedgerConfig holds the RPC and signing settings for the distribution network
type LedgerConfig struct {
	Network        string
	ChainID        int64
	RPCPrimary     string
	RPCSecondary   string
	RPCPerSecond   int
	RPCBudgetCU    int // CU per second shared through Redis, 0 disables
	RPCReservedCU  int // part of RPCBudgetCU kept for transaction submission
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	BatchContract  string
	PrivateKey     string
}

// DistributionConfig holds the tuning constants of the distribution engine
type DistributionConfig struct {
	PageSize          int
	ChunkSize         int
	Throttle          time.Duration
	FeeReserveWei     string // per recipient, decimal string of wei
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	LockTTL           time.Duration
	MaxConcurrentRuns int
}

// FeeReservePerRecipient parses FeeReserveWei
func (c DistributionConfig) FeeReservePerRecipient() (*big.Int, error) {
	v, ok := new(big.Int).SetString(c.FeeReserveWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid fee reserve %q", c.FeeReserveWei)
	}
	return v, nil
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
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
				Host:            getEnv("POSTGRES_HOST", "localhost"),
				Port:            getEnv("POSTGRES_PORT", "5432"),
				Database:        getEnv("POSTGRES_DB", "token_distributor"),
				User:            getEnv("POSTGRES_USER", "distributor"),
				Password:        getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections:  getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MinConnections:  getEnvAsInt("POSTGRES_MIN_CONNECTIONS", 2),
				ConnectTimeout:  getEnvAsDuration("POSTGRES_CONNECT_TIMEOUT", 10*time.Second),
				MaxConnLifetime: getEnvAsDuration("POSTGRES_MAX_CONN_LIFETIME", time.Hour),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:          getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:             getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:             getEnv("CLICKHOUSE_PORT", "9000"),
				Database:         getEnv("CLICKHOUSE_DB", "token_distributor"),
				User:             getEnv("CLICKHOUSE_USER", "default"),
				Password:         getEnv("CLICKHOUSE_PASSWORD", ""),
				MaxOpenConns:     getEnvAsInt("CLICKHOUSE_MAX_OPEN_CONNS", 5),
				DialTimeout:      getEnvAsDuration("CLICKHOUSE_DIAL_TIMEOUT", 10*time.Second),
				MaxExecutionTime: getEnvAsDuration("CLICKHOUSE_MAX_EXECUTION_TIME", 30*time.Second),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
				DialTimeout:    getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
				IOTimeout:      getEnvAsDuration("REDIS_IO_TIMEOUT", 3*time.Second),
			},
		},
		Ledger: LedgerConfig{
			Network:        getEnv("LEDGER_NETWORK", string(types.NetworkSepolia)),
			ChainID:        getEnvAsInt64("LEDGER_CHAIN_ID", 11155111),
			RPCPrimary:     getEnv("LEDGER_RPC_PRIMARY", ""),
			RPCSecondary:   getEnv("LEDGER_RPC_SECONDARY", ""),
			RPCPerSecond:   getEnvAsInt("LEDGER_RPC_RPS", 10),
			RPCBudgetCU:    getEnvAsInt("LEDGER_RPC_BUDGET_CU", 0),
			RPCReservedCU:  getEnvAsInt("LEDGER_RPC_RESERVED_CU", 0),
			ConfirmTimeout: getEnvAsDuration("LEDGER_CONFIRM_TIMEOUT", 120*time.Second),
			PollInterval:   getEnvAsDuration("LEDGER_POLL_INTERVAL", 2*time.Second),
			BatchContract:  getEnv("LEDGER_BATCH_CONTRACT", ""),
			PrivateKey:     getEnv("DISTRIBUTOR_PRIVATE_KEY", ""),
		},
		Distribution: DistributionConfig{
			PageSize:          getEnvAsInt("DISTRIBUTION_PAGE_SIZE", 200),
			ChunkSize:         getEnvAsInt("DISTRIBUTION_CHUNK_SIZE", 8),
			Throttle:          getEnvAsDuration("DISTRIBUTION_THROTTLE", 2*time.Second),
			FeeReserveWei:     getEnv("DISTRIBUTION_FEE_RESERVE_WEI", "100000000000000"),
			MaxAttempts:       getEnvAsInt("DISTRIBUTION_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvAsDuration("DISTRIBUTION_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:     getEnvAsDuration("DISTRIBUTION_RETRY_MAX_DELAY", 15*time.Second),
			LockTTL:           getEnvAsDuration("DISTRIBUTION_LOCK_TTL", 2*time.Minute),
			MaxConcurrentRuns: getEnvAsInt("DISTRIBUTION_MAX_CONCURRENT_RUNS", 1),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the settings the distribution engine cannot run without.
// Ledger credentials are checked separately by ValidateLedger so that read-only
// tooling (migrations) does not need them.
func (c *Config) Validate() error {
	d := c.Distribution
	if d.PageSize <= 0 {
		return fmt.Errorf("DISTRIBUTION_PAGE_SIZE must be positive, got %d", d.PageSize)
	}
	if d.ChunkSize <= 0 {
		return fmt.Errorf("DISTRIBUTION_CHUNK_SIZE must be positive, got %d", d.ChunkSize)
	}
	if d.ChunkSize > d.PageSize {
		return fmt.Errorf("DISTRIBUTION_CHUNK_SIZE (%d) cannot exceed DISTRIBUTION_PAGE_SIZE (%d)", d.ChunkSize, d.PageSize)
	}
	if d.Throttle < 0 {
		return fmt.Errorf("DISTRIBUTION_THROTTLE cannot be negative")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("DISTRIBUTION_MAX_ATTEMPTS must be positive, got %d", d.MaxAttempts)
	}
	if d.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("DISTRIBUTION_MAX_CONCURRENT_RUNS must be positive, got %d", d.MaxConcurrentRuns)
	}
	if _, err := d.FeeReservePerRecipient(); err != nil {
		return fmt.Errorf("DISTRIBUTION_FEE_RESERVE_WEI: %w", err)
	}

	pg := c.Database.Postgres
	if pg.MaxConnections <= 0 || pg.MaxConnections > math.MaxInt32 {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be between 1 and %d, got %d", math.MaxInt32, pg.MaxConnections)
	}
	if pg.MinConnections < 0 || pg.MinConnections > pg.MaxConnections {
		return fmt.Errorf("POSTGRES_MIN_CONNECTIONS (%d) must be between 0 and POSTGRES_MAX_CONNECTIONS (%d)", pg.MinConnections, pg.MaxConnections)
	}
	if c.Database.Redis.MaxConnections <= 0 {
		return fmt.Errorf("REDIS_MAX_CONNECTIONS must be positive, got %d", c.Database.Redis.MaxConnections)
	}
	return nil
}

// ValidateLedger checks the ledger connection and signing settings
func (c *Config) ValidateLedger() error {
	l := c.Ledger
	if !types.IsKnownNetwork(l.Network) {
		return fmt.Errorf("unknown LEDGER_NETWORK %q", l.Network)
	}
	if l.RPCPrimary == "" {
		return fmt.Errorf("LEDGER_RPC_PRIMARY is required")
	}
	if l.ChainID <= 0 {
		return fmt.Errorf("LEDGER_CHAIN_ID must be positive")
	}
	if l.BatchContract == "" {
		return fmt.Errorf("LEDGER_BATCH_CONTRACT is required")
	}
	if l.PrivateKey == "" {
		return fmt.Errorf("DISTRIBUTOR_PRIVATE_KEY is required")
	}
	if l.ConfirmTimeout <= 0 {
		return fmt.Errorf("LEDGER_CONFIRM_TIMEOUT must be positive")
	}
	if l.RPCBudgetCU < 0 || l.RPCReservedCU < 0 {
		return fmt.Errorf("LEDGER_RPC_BUDGET_CU and LEDGER_RPC_RESERVED_CU cannot be negative")
	}
	if l.RPCBudgetCU > 0 && l.RPCReservedCU >= l.RPCBudgetCU {
		return fmt.Errorf("LEDGER_RPC_RESERVED_CU must be below LEDGER_RPC_BUDGET_CU")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

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
