package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port     string
	LogLevel string

	// Storage
	StorageDriver string
	DatabaseURL   string
	SQLitePath    string
	QueryTimeout  time.Duration

	// Mutation lanes
	Lanes     int
	LaneDepth int

	// Realtime sessions
	DenyMode       string
	SendQueue      int
	WriteTimeout   time.Duration
	AllowedOrigins []string

	// Persistence circuit breaker
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Trigger framework
	PluginsConfigPath   string
	TriggerRetryMax     int
	TriggerRetryBackoff time.Duration
	TriggerRPCTimeout   time.Duration

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. DATABASE_URL is
// required when STORAGE_DRIVER is postgres; an unknown driver panics.
func Load() Config {
	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StorageDriver:       getEnv("STORAGE_DRIVER", DriverPostgres),
		SQLitePath:          getEnv("SQLITE_PATH", "sheetsync.db"),
		QueryTimeout:        getEnvDuration("QUERY_TIMEOUT", 5*time.Second),
		Lanes:               getEnvInt("LANES", 16),
		LaneDepth:           getEnvInt("LANE_DEPTH", 1024),
		DenyMode:            getEnv("DENY_MODE", "silent"),
		SendQueue:           getEnvInt("SEND_QUEUE", 64),
		WriteTimeout:        getEnvDuration("WRITE_TIMEOUT", 5*time.Second),
		AllowedOrigins:      getEnvList("WS_ALLOWED_ORIGINS"),
		BreakerMaxFailures:  getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerResetTimeout: getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		PluginsConfigPath:   getEnv("PLUGINS_CONFIG_PATH", ""),
		TriggerRetryMax:     getEnvInt("TRIGGER_RETRY_MAX", 3),
		TriggerRetryBackoff: getEnvDuration("TRIGGER_RETRY_BACKOFF", 100*time.Millisecond),
		TriggerRPCTimeout:   getEnvDuration("TRIGGER_RPC_TIMEOUT", 5*time.Second),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	switch cfg.StorageDriver {
	case DriverPostgres:
		cfg.DatabaseURL = getEnvRequired("DATABASE_URL")
	case DriverSQLite:
	default:
		panic("unknown STORAGE_DRIVER " + strconv.Quote(cfg.StorageDriver))
	}
	return cfg
}

func getEnvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("required environment variable " + key + " is not set")
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return n
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return d
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
