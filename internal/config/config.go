package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Engine       EngineConfig
	SLA          SLAConfig
	Breaker      BreakerConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN selects the
// in-memory store and registry.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Enabled      bool
	EventChannel string
	KeyPrefix    string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// Backlog drivers.
const (
	BacklogDriverMemory = "memory"
	BacklogDriverRedis  = "redis"
)

// EngineConfig tunes the command pool and the escalation engine.
type EngineConfig struct {
	Workers                int
	QueueDepth             int
	CallTimeout            time.Duration
	RetryAttempts          int
	RetryInitialInterval   time.Duration
	RetryMaxInterval       time.Duration
	LowConfidenceThreshold float64
	SweepSchedule          string
	BacklogDriver          string
}

// SLAConfig points at an optional YAML policy file.
type SLAConfig struct {
	PolicyFile string
}

// BreakerConfig configures the circuit breaker around store calls.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// NotificationConfig holds outbound notification endpoints.
type NotificationConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	backlogDriver := strings.ToLower(getEnv("ENGINE_BACKLOG_DRIVER", BacklogDriverMemory))
	if backlogDriver != BacklogDriverMemory && backlogDriver != BacklogDriverRedis {
		return nil, fmt.Errorf("invalid ENGINE_BACKLOG_DRIVER %q", backlogDriver)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-routing-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           redisDB,
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			EventChannel: getEnv("REDIS_EVENT_CHANNEL", "ticket-events"),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "routing"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Engine: EngineConfig{
			Workers:                getEnvAsInt("ENGINE_WORKERS", 8),
			QueueDepth:             getEnvAsInt("ENGINE_QUEUE_DEPTH", 256),
			CallTimeout:            getEnvAsDuration("ENGINE_CALL_TIMEOUT", 2*time.Second),
			RetryAttempts:          getEnvAsInt("ENGINE_RETRY_ATTEMPTS", 3),
			RetryInitialInterval:   getEnvAsDuration("ENGINE_RETRY_INITIAL_INTERVAL", 50*time.Millisecond),
			RetryMaxInterval:       getEnvAsDuration("ENGINE_RETRY_MAX_INTERVAL", time.Second),
			LowConfidenceThreshold: getEnvAsFloat("ENGINE_LOW_CONFIDENCE_THRESHOLD", 0.3),
			SweepSchedule:          getEnv("ENGINE_SWEEP_SCHEDULE", "@every 1m"),
			BacklogDriver:          backlogDriver,
		},
		SLA: SLAConfig{
			PolicyFile: os.Getenv("SLA_POLICY_FILE"),
		},
		Breaker: BreakerConfig{
			MaxRequests:  uint32(getEnvAsInt("BREAKER_MAX_REQUESTS", 5)),
			Interval:     getEnvAsDuration("BREAKER_INTERVAL", time.Minute),
			Timeout:      getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
			FailureRatio: getEnvAsFloat("BREAKER_FAILURE_RATIO", 0.6),
			MinRequests:  uint32(getEnvAsInt("BREAKER_MIN_REQUESTS", 10)),
		},
		Notification: NotificationConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    getEnvAsDuration("NOTIFY_WEBHOOK_TIMEOUT", 5*time.Second),
		},
	}

	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 1
	}
	if cfg.Engine.QueueDepth <= 0 {
		cfg.Engine.QueueDepth = 1
	}
	if cfg.Engine.RetryAttempts <= 0 {
		cfg.Engine.RetryAttempts = 1
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
