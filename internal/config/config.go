// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SearchPaths are checked in order for probgate.yaml (or .json/.toml) when
// Load is called without an explicit path.
var SearchPaths = []string{".", "/etc/probgate", "$HOME/.probgate"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// BasePath is the prefix every route is mounted under.
	BasePath string `mapstructure:"base_path"`
	// StaticDir serves the landing page from disk when set; otherwise the
	// embedded page is used.
	StaticDir              string `mapstructure:"static_dir"`
	MaxBodyBytes           int64  `mapstructure:"max_body_bytes"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// EngineConfig describes how the external computation engine is invoked:
// <command> <args...> <problem_text>.
type EngineConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"work_dir"`
	Env     []string `mapstructure:"env"`
	// TimeoutSeconds of 0 waits for the engine indefinitely.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxConcurrency of 0 leaves the number of engine processes unbounded.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RateLimitConfig configures per-client admission on /calculate.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AuditConfig controls the asynchronous invocation record pipeline.
type AuditConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	QueueDepth       int    `mapstructure:"queue_depth"`
	Workers          int    `mapstructure:"workers"`
	EnqueueTimeoutMs int    `mapstructure:"enqueue_timeout_ms"`
	WriteTimeoutMs   int    `mapstructure:"write_timeout_ms"`
	ArchiveMalformed bool   `mapstructure:"archive_malformed"`
	ArchivePrefix    string `mapstructure:"archive_prefix"`
}

// StorageConfig selects the blob store used for archived engine output.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls the Postgres record store. An empty DSN keeps
// records in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// EventsConfig selects where completion events are published.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for Google Cloud Pub/Sub notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// RedisConfig points at the Redis server used for PUBLISH events.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MQTTConfig points at the MQTT broker used for completion events.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("probgate")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Hosting platforms hand out the listen port through PORT.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_path", "/")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.max_body_bytes", 100*1024)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("engine.command", "python")
	v.SetDefault("engine.args", []string{"app.py"})
	v.SetDefault("engine.timeout_seconds", 0)
	v.SetDefault("engine.max_concurrency", 0)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.queue_depth", 256)
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.enqueue_timeout_ms", 50)
	v.SetDefault("audit.write_timeout_ms", 2000)
	v.SetDefault("audit.archive_malformed", true)
	v.SetDefault("audit.archive_prefix", "invocations")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("database.table", "invocations")
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.topic", "probgate.invocations")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "probgate")
	v.SetDefault("telemetry.tracing_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("engine.command is required")
	}
	if c.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("engine.timeout_seconds must be >= 0")
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0 when rate limiting is enabled")
	}
	if c.Audit.Enabled && c.Audit.Workers <= 0 {
		return fmt.Errorf("audit.workers must be > 0 when auditing is enabled")
	}
	if c.Audit.Enabled && c.Audit.WriteTimeoutMs <= 0 {
		return fmt.Errorf("audit.write_timeout_ms must be > 0 when auditing is enabled")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.Database.DSN != "" && !validTableName.MatchString(c.Database.Table) {
		return fmt.Errorf("database.table %q is not a valid table name", c.Database.Table)
	}
	return c.validateEvents()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "", "memory":
		return nil
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateEvents() error {
	switch c.Events.Backend {
	case "", "none":
		return nil
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub events backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis events backend")
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required for the mqtt events backend")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("unknown events.backend %q", c.Events.Backend)
	}
	if c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events are published")
	}
	return nil
}

// EngineTimeout converts the engine budget into a duration; zero means none.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// ShutdownTimeout is the grace period for draining HTTP on shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
