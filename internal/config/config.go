// Package config provides configuration loading for personad.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the complete personad configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Storage       StorageConfig       `koanf:"storage"`
	Cache         CacheConfig         `koanf:"cache"`
	Scoring       ScoringConfig       `koanf:"scoring"`
	Events        EventsConfig        `koanf:"events"`
	Index         IndexConfig         `koanf:"index"`
	Registry      RegistryConfig      `koanf:"registry"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
}

// LoggingConfig selects level and encoding for the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig selects and configures the durable persona/score backend.
//
// Keys are flat so that every one of them can be set from the environment
// (STORAGE_SQLITE_PATH -> storage.sqlite_path).
type StorageConfig struct {
	Backend string `koanf:"backend"`
	// Fallback names a local backend used when the primary is unreachable.
	// Only "file" and "none" are recognized.
	Fallback      string `koanf:"fallback"`
	FileDir       string `koanf:"file_dir"`
	Watch         bool   `koanf:"watch"`
	SQLitePath    string `koanf:"sqlite_path"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix"`
}

// CacheConfig configures the score cache.
type CacheConfig struct {
	TTL         Duration `koanf:"ttl"`
	MaxEntries  int      `koanf:"max_entries"`
	CacheMisses bool     `koanf:"cache_misses"`
}

// ScoringConfig tunes score aggregation.
type ScoringConfig struct {
	LatencyCeilingMS float64 `koanf:"latency_ceiling_ms"`
	FeedbackLogSize  int     `koanf:"feedback_log_size"`
	SerializeUpdates bool    `koanf:"serialize_updates"`
	// RedactFeedback scrubs secrets from free-text feedback before it is stored.
	RedactFeedback bool `koanf:"redact_feedback"`
	// RedactionAllowlist is an optional TOML allowlist of patterns to keep.
	RedactionAllowlist string `koanf:"redaction_allowlist"`
}

// EventsConfig configures the usage event publisher. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// IndexConfig configures the semantic persona index.
type IndexConfig struct {
	Enabled bool `koanf:"enabled"`
	// Path persists the index; empty keeps it in memory.
	Path string `koanf:"path"`
	// Embedder is "hash", "ollama", or "openai".
	Embedder       string `koanf:"embedder"`
	EmbedderModel  string `koanf:"embedder_model"`
	EmbedderURL    string `koanf:"embedder_url"`
	EmbedderAPIKey Secret `koanf:"embedder_api_key"`
}

// RegistryConfig configures the persona registry.
type RegistryConfig struct {
	LoadBuiltins bool `koanf:"load_builtins"`
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	ServiceName     string  `koanf:"service_name"`
	EnableMetrics   bool    `koanf:"enable_metrics"`
	EnableTracing   bool    `koanf:"enable_tracing"`
	TraceSampleRate float64 `koanf:"trace_sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend:     BackendFile,
			Fallback:    "none",
			FileDir:     "~/.config/personad/personas",
			SQLitePath:  "~/.config/personad/personad.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "personad",
		},
		Cache: CacheConfig{
			TTL:         Duration(60 * time.Second),
			MaxEntries:  100,
			CacheMisses: true,
		},
		Scoring: ScoringConfig{
			LatencyCeilingMS: 5000,
			FeedbackLogSize:  20,
			RedactFeedback:   true,
		},
		Events: EventsConfig{
			SubjectPrefix: "personad.usage",
		},
		Registry: RegistryConfig{
			LoadBuiltins: true,
		},
		Observability: ObservabilityConfig{
			ServiceName:     "personad",
			EnableMetrics:   true,
			TraceSampleRate: 1.0,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	switch c.Storage.Fallback {
	case "", "none", BackendFile:
	default:
		errs = append(errs, fmt.Errorf("storage.fallback %q is not supported", c.Storage.Fallback))
	}
	if c.Storage.Backend == BackendFile && c.Storage.FileDir == "" {
		errs = append(errs, errors.New("storage.file_dir is required for the file backend"))
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
	}
	if c.Storage.Backend == BackendRedis && c.Storage.RedisAddr == "" {
		errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
	}

	if c.Cache.TTL.Duration() <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries))
	}

	if c.Scoring.LatencyCeilingMS <= 0 {
		errs = append(errs, errors.New("scoring.latency_ceiling_ms must be positive"))
	}
	if c.Scoring.FeedbackLogSize < 0 {
		errs = append(errs, errors.New("scoring.feedback_log_size cannot be negative"))
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit cannot be negative"))
	}
	if r := c.Observability.TraceSampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_rate must be within [0,1], got %v", r))
	}

	switch c.Index.Embedder {
	case "", "hash", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("index.embedder %q is not supported", c.Index.Embedder))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
