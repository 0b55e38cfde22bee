// Package config loads the launcher's configuration from environment
// variables per spec §6, in the teacher's getEnv* style
// (internal/config/config.go's helper family), generalized from Bananas'
// own env var set onto the Resque CLI surface: QUEUE, COUNT, INTERVAL,
// APP_INCLUDE, REDIS_BACKEND, REDIS_DATABASE, REDIS_NAMESPACE, PREFIX,
// LOGGING.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goresque/goresque/internal/logger"
)

// LogVerbosity is the coarse LOGGING=<NONE|NORMAL|VERBOSE> knob from the
// external launcher surface (spec §6); it is translated into the richer
// tiered logger.Config underneath.
type LogVerbosity string

const (
	LoggingNone    LogVerbosity = "NONE"
	LoggingNormal  LogVerbosity = "NORMAL"
	LoggingVerbose LogVerbosity = "VERBOSE"
)

// Config holds everything the worker launcher needs to construct a runtime.
type Config struct {
	// RedisBackend is passed through verbatim to redisconn: host:port, a
	// unix:///path socket, or a redis:// or rediss:// URL. A single-slash
	// unix:/path is not recognized and is used as a TCP address.
	RedisBackend string
	// RedisDatabase selects the logical Redis database.
	RedisDatabase int
	// RedisNamespace is the key prefix. PREFIX is accepted as a legacy
	// alias and takes precedence only when REDIS_NAMESPACE is unset.
	RedisNamespace string
	// RedisPassword is optional.
	RedisPassword string

	// Queue is the raw QUEUE env var: a comma-separated list of queue
	// names, or "*" for the wildcard worker.
	Queue string
	// Count is the number of worker processes/goroutines to start.
	Count int
	// Interval is how long a worker sleeps between empty polls. Zero
	// selects the single-shot test mode described in spec §4.8.
	Interval time.Duration
	// AppInclude is a path the host may use to load handler registrations;
	// the core only threads it through, it never interprets the path.
	AppInclude string

	// Logging is the coarse external verbosity knob.
	Logging LogVerbosity
	// Logger is the full tiered logging configuration, derived from
	// Logging plus LOG_* overrides.
	Logger *logger.Config
}

// Queues splits the Queue field into its component names. A bare "*"
// yields []string{"*"}.
func (c *Config) Queues() []string {
	parts := strings.Split(c.Queue, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// LoadConfig reads the launcher configuration from the environment.
func LoadConfig() (*Config, error) {
	namespace := getEnv("REDIS_NAMESPACE", "")
	if namespace == "" {
		namespace = getEnv("PREFIX", "resque")
	}

	cfg := &Config{
		RedisBackend:   getEnv("REDIS_BACKEND", "localhost:6379"),
		RedisDatabase:  getEnvAsInt("REDIS_DATABASE", 0),
		RedisNamespace: namespace,
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),

		Queue:      getEnv("QUEUE", "*"),
		Count:      getEnvAsInt("COUNT", 1),
		Interval:   getEnvAsDuration("INTERVAL", 5*time.Second),
		AppInclude: getEnv("APP_INCLUDE", ""),

		Logging: LogVerbosity(getEnv("LOGGING", string(LoggingNormal))),
	}
	cfg.Logger = loadLoggingConfig(cfg.Logging)

	if cfg.Count < 1 {
		return nil, fmt.Errorf("COUNT must be at least 1")
	}
	if cfg.RedisDatabase < 0 {
		return nil, fmt.Errorf("REDIS_DATABASE cannot be negative")
	}
	switch cfg.Logging {
	case LoggingNone, LoggingNormal, LoggingVerbose:
	default:
		return nil, fmt.Errorf("invalid LOGGING value: %s (must be NONE, NORMAL, or VERBOSE)", cfg.Logging)
	}
	if err := cfg.Logger.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig derives a tiered logger.Config from the coarse LOGGING
// knob, then layers LOG_* environment overrides on top, matching the
// teacher's loadLoggingConfig shape.
func loadLoggingConfig(verbosity LogVerbosity) *logger.Config {
	cfg := logger.DefaultConfig()

	switch verbosity {
	case LoggingNone:
		cfg.Console.Enabled = false
		cfg.Level = logger.LevelError
	case LoggingVerbose:
		cfg.Level = logger.LevelDebug
	default:
		cfg.Level = logger.LevelInfo
	}

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/goresque/worker.log")

	cfg.Elasticsearch.Enabled = getEnvAsBool("LOG_ES_ENABLED", false)
	if addrs := getEnv("LOG_ES_ADDRESSES", ""); addrs != "" {
		cfg.Elasticsearch.Addresses = strings.Split(addrs, ",")
	}

	return cfg
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
