// Package config provides configuration management for the shareledger
// service. Settings come from an optional YAML file, with environment
// variables taking precedence and sensible defaults for everything else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the shareledger service
type Config struct {
	// Service identification
	ServiceName string `yaml:"service_name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`

	// Storage backend selection: memory | leveldb | badger | redis | postgres
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`

	// Retention policy
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
	MaxShareHistoryDays  int `yaml:"max_share_history_days"`

	// Kafka ingestion
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	// Batch acknowledgment flushing
	AckBatchSize     int           `yaml:"ack_batch_size"`
	AckFlushInterval time.Duration `yaml:"ack_flush_interval"`

	// ZMQ block-found feed
	ZMQEndpoint string `yaml:"zmq_endpoint"`

	// Redis backend
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// PostgreSQL backend
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresDatabase string `yaml:"postgres_database"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// InfluxDB metrics
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`

	// Health monitoring
	HealthInterval time.Duration `yaml:"health_interval"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load loads configuration, lowest precedence first: defaults, then the
// YAML file when path is non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceName: "shareledger",
		Version:     "dev",
		Environment: "development",

		Backend:      "memory",
		DatabasePath: "./data/shareledger",

		CleanupIntervalHours: 24,
		MaxShareHistoryDays:  7,

		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "shareledger",

		AckBatchSize:     100,
		AckFlushInterval: 30 * time.Second,

		ZMQEndpoint: "tcp://localhost:28400",

		RedisAddr: "localhost:6379",

		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresDatabase: "shareledger",
		PostgresUser:     "shareledger",
		PostgresSSLMode:  "disable",

		InfluxURL:    "http://localhost:8086",
		InfluxOrg:    "shareledger",
		InfluxBucket: "accounting",

		HealthInterval: 15 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.Backend = getEnv("BACKEND", c.Backend)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)

	c.CleanupIntervalHours = getEnvInt("CLEANUP_INTERVAL_HOURS", c.CleanupIntervalHours)
	c.MaxShareHistoryDays = getEnvInt("MAX_SHARE_HISTORY_DAYS", c.MaxShareHistoryDays)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)

	c.AckBatchSize = getEnvInt("ACK_BATCH_SIZE", c.AckBatchSize)
	c.AckFlushInterval = getEnvDuration("ACK_FLUSH_INTERVAL", c.AckFlushInterval)

	c.ZMQEndpoint = getEnv("ZMQ_ENDPOINT", c.ZMQEndpoint)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnvInt("POSTGRES_PORT", c.PostgresPort)
	c.PostgresDatabase = getEnv("POSTGRES_DATABASE", c.PostgresDatabase)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)

	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.HealthInterval = getEnvDuration("HEALTH_INTERVAL", c.HealthInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

var validBackends = map[string]bool{
	"memory":   true,
	"leveldb":  true,
	"badger":   true,
	"redis":    true,
	"postgres": true,
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if !validBackends[c.Backend] {
		return fmt.Errorf("BACKEND must be one of memory, leveldb, badger, redis, postgres; got %q", c.Backend)
	}

	if (c.Backend == "leveldb" || c.Backend == "badger") && c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH cannot be empty for the %s backend", c.Backend)
	}

	if c.CleanupIntervalHours <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_HOURS must be positive")
	}

	if c.MaxShareHistoryDays <= 0 {
		return fmt.Errorf("MAX_SHARE_HISTORY_DAYS must be positive")
	}

	if c.AckBatchSize <= 0 {
		return fmt.Errorf("ACK_BATCH_SIZE must be positive")
	}

	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty")
	}

	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("POSTGRES_PORT must be between 1 and 65535")
	}

	return nil
}

// CleanupInterval returns the retention sweep cadence as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// ShareHistoryHorizon returns the share retention horizon as a duration.
func (c *Config) ShareHistoryHorizon() time.Duration {
	return time.Duration(c.MaxShareHistoryDays) * 24 * time.Hour
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
