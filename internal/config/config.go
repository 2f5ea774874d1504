// Package config provides configuration management for the reply service
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper" // v1.17.0
)

// Config represents the main configuration structure for the reply service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stores    StoresConfig    `mapstructure:"stores"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Batching  BatchingConfig  `mapstructure:"batching"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration for the conversation store
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DSN builds the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// RedisConfig holds Redis configuration for staging, locks and queues
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoresConfig names the persisted state locations
type StoresConfig struct {
	StageTable         string `mapstructure:"stage_table"`
	LockTable          string `mapstructure:"lock_table"`
	ConversationsTable string `mapstructure:"conversations_table"`
}

// QueuesConfig names the per-channel delay queues and the handoff queue
type QueuesConfig struct {
	WhatsApp        string        `mapstructure:"whatsapp"`
	SMS             string        `mapstructure:"sms"`
	Email           string        `mapstructure:"email"`
	Handoff         string        `mapstructure:"handoff"`
	VisibilityTime  time.Duration `mapstructure:"visibility_timeout"`
	MaxReceiveCount int           `mapstructure:"max_receive_count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// BatchingConfig controls the ingest burst window
type BatchingConfig struct {
	Window     time.Duration `mapstructure:"window"`
	LockBuffer time.Duration `mapstructure:"lock_buffer"`
	StageTTL   time.Duration `mapstructure:"stage_ttl"`
}

// ProcessorConfig controls reply processing
type ProcessorConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatExtension time.Duration `mapstructure:"heartbeat_extension"`
	LeaseStaleAfter    time.Duration `mapstructure:"lease_stale_after"`
	Concurrency        int           `mapstructure:"concurrency"`
}

// AssistantConfig controls the AI run lifecycle
type AssistantConfig struct {
	PollBudget  time.Duration `mapstructure:"poll_budget"`
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollCap     time.Duration `mapstructure:"poll_cap"`
	BaseURL     string        `mapstructure:"base_url"`
}

// ProviderConfig holds channel-provider API configuration
type ProviderConfig struct {
	APIEndpoint   string        `mapstructure:"api_endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// Named environment values recognized directly, without the env prefix.
// These are the deployment-facing knobs shared with the outbound engine.
var namedEnvBindings = map[string]string{
	"stores.stage_table":            "STAGE_TABLE",
	"stores.lock_table":             "LOCK_TABLE",
	"stores.conversations_table":    "CONVERSATIONS_TABLE",
	"queues.whatsapp":               "WHATSAPP_QUEUE",
	"queues.sms":                    "SMS_QUEUE",
	"queues.email":                  "EMAIL_QUEUE",
	"queues.handoff":                "HANDOFF_QUEUE",
	"batching.window_seconds":       "BATCH_WINDOW_SECONDS",
	"processor.heartbeat_interval":  "HEARTBEAT_INTERVAL",
	"processor.heartbeat_extension": "HEARTBEAT_EXTENSION",
	"assistant.poll_budget":         "AI_POLL_BUDGET",
	"log_level":                     "LOG_LEVEL",
}

// LoadConfig loads and validates the service configuration from environment
// variables and an optional config file
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("REPLY_SVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, env := range namedEnvBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/reply-service/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Continue with environment variables if config file is not found
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// BATCH_WINDOW_SECONDS is a bare integer in the deployment contract
	if secs := v.GetInt("batching.window_seconds"); secs > 0 {
		cfg.Batching.Window = time.Duration(secs) * time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration parameters
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.migrate", false)
	v.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Store defaults
	v.SetDefault("stores.stage_table", "staged_fragments")
	v.SetDefault("stores.lock_table", "trigger_locks")
	v.SetDefault("stores.conversations_table", "conversations")

	// Queue defaults
	v.SetDefault("queues.whatsapp", "replies:whatsapp")
	v.SetDefault("queues.sms", "replies:sms")
	v.SetDefault("queues.email", "replies:email")
	v.SetDefault("queues.handoff", "replies:handoff")
	v.SetDefault("queues.visibility_timeout", "15m")
	v.SetDefault("queues.max_receive_count", 3)
	v.SetDefault("queues.poll_interval", "1s")

	// Batching defaults: W = 10s, lock TTL = W + buffer
	v.SetDefault("batching.window", "10s")
	v.SetDefault("batching.lock_buffer", "60s")
	v.SetDefault("batching.stage_ttl", "24h")

	// Processor defaults: H < V/2, E > H
	v.SetDefault("processor.heartbeat_interval", "5m")
	v.SetDefault("processor.heartbeat_extension", "10m")
	v.SetDefault("processor.lease_stale_after", "30m")
	v.SetDefault("processor.concurrency", 8)

	// Assistant defaults
	v.SetDefault("assistant.poll_budget", "120s")
	v.SetDefault("assistant.poll_initial", "500ms")
	v.SetDefault("assistant.poll_cap", "5s")

	// Provider defaults
	v.SetDefault("provider.api_endpoint", "https://api.provider.example.com/2010-04-01")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.retry_attempts", 3)
	v.SetDefault("provider.retry_delay", "2s")

	v.SetDefault("log_level", "info")
}

// validate checks if all required configuration values are present and valid
func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}

	if cfg.Redis.Host == "" {
		return fmt.Errorf("Redis host is required")
	}
	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("invalid Redis port: %d", cfg.Redis.Port)
	}

	if cfg.Batching.Window <= 0 {
		return fmt.Errorf("batch window must be positive")
	}
	if cfg.Batching.LockBuffer <= 0 {
		return fmt.Errorf("lock buffer must be positive")
	}

	if cfg.Processor.HeartbeatInterval >= cfg.Queues.VisibilityTime/2 {
		return fmt.Errorf("heartbeat interval %s must be less than half the visibility timeout %s",
			cfg.Processor.HeartbeatInterval, cfg.Queues.VisibilityTime)
	}
	if cfg.Processor.HeartbeatExtension <= cfg.Processor.HeartbeatInterval {
		return fmt.Errorf("heartbeat extension %s must exceed the heartbeat interval %s",
			cfg.Processor.HeartbeatExtension, cfg.Processor.HeartbeatInterval)
	}

	if cfg.Queues.MaxReceiveCount <= 0 {
		return fmt.Errorf("queue max receive count must be positive")
	}

	return nil
}

// LockTTL is the trigger-lock lifetime: the batch window plus a buffer so a
// lock never expires before its scheduled trigger fires
func (cfg *Config) LockTTL() time.Duration {
	return cfg.Batching.Window + cfg.Batching.LockBuffer
}

// QueueForChannel maps an inbound channel to its delay-queue name
func (cfg *Config) QueueForChannel(channel string) (string, error) {
	switch channel {
	case "whatsapp":
		return cfg.Queues.WhatsApp, nil
	case "sms":
		return cfg.Queues.SMS, nil
	case "email":
		return cfg.Queues.Email, nil
	default:
		return "", fmt.Errorf("no queue configured for channel %q", channel)
	}
}
