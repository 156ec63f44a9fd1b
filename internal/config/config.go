// Package config loads server configuration from an optional TOML file and
// the environment. Environment variables cover the deployment surface
// (addresses, store selection, credentials); engine tuning lives in the file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/hermes/internal/model"
)

// Store driver and transport names accepted by Config.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	TransportMailbox = "mailbox"
	TransportRedis   = "redis"
)

const (
	envListenAddr  = "HERMES_LISTEN_ADDR"
	envLogLevel    = "HERMES_LOG_LEVEL"
	envStoreDriver = "HERMES_STORE_DRIVER"
	envDBPath      = "HERMES_DB_PATH"
	envPostgresDSN = "HERMES_POSTGRES_DSN"
	envTransport   = "HERMES_TRANSPORT"
	envRedisAddr   = "HERMES_REDIS_ADDR"
	envCORSOrigins = "HERMES_CORS_ORIGINS"
)

// Config holds the full server configuration.
type Config struct {
	ListenAddr  string
	LogLevel    slog.Level
	CORSOrigins []string

	StoreDriver string
	DBPath      string
	PostgresDSN string

	Transport       string
	RedisAddr       string
	MailboxCapacity int

	DispatchInterval  time.Duration
	SweepInterval     time.Duration
	SendTimeout       time.Duration
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffCap        time.Duration

	OfflineAfter time.Duration
	MaxInFlight  int
}

// fileConfig is the TOML schema. Duration fields are strings like "500ms".
type fileConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	LogLevel    string   `toml:"log_level"`
	CORSOrigins []string `toml:"cors_origins"`

	Store struct {
		Driver      string `toml:"driver"`
		DBPath      string `toml:"db_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"store"`

	Transport struct {
		Kind            string `toml:"kind"`
		RedisAddr       string `toml:"redis_addr"`
		MailboxCapacity int    `toml:"mailbox_capacity"`
	} `toml:"transport"`

	Engine struct {
		DispatchInterval  duration `toml:"dispatch_interval"`
		SweepInterval     duration `toml:"sweep_interval"`
		SendTimeout       duration `toml:"send_timeout"`
		DefaultTimeout    duration `toml:"default_timeout"`
		DefaultMaxRetries *int     `toml:"default_max_retries"`
		BackoffBase       duration `toml:"backoff_base"`
		BackoffCap        duration `toml:"backoff_cap"`
	} `toml:"engine"`

	Agents struct {
		OfflineAfter duration `toml:"offline_after"`
		MaxInFlight  int      `toml:"max_in_flight"`
	} `toml:"agents"`
}

// duration wraps time.Duration so TOML can decode it from a string.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load builds the configuration: defaults, then the TOML file at path if
// given, then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:        ":8080",
		LogLevel:          slog.LevelInfo,
		CORSOrigins:       []string{"*"},
		StoreDriver:       StoreSQLite,
		DBPath:            "hermes.db",
		Transport:         TransportMailbox,
		RedisAddr:         "localhost:6379",
		MailboxCapacity:   256,
		DispatchInterval:  500 * time.Millisecond,
		SweepInterval:     time.Second,
		SendTimeout:       5 * time.Second,
		DefaultTimeout:    60 * time.Second,
		DefaultMaxRetries: 3,
		BackoffBase:       time.Second,
		BackoffCap:        time.Minute,
		OfflineAfter:      90 * time.Second,
		MaxInFlight:       4,
	}
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}

	if fc.Store.Driver != "" {
		cfg.StoreDriver = fc.Store.Driver
	}
	if fc.Store.DBPath != "" {
		cfg.DBPath = fc.Store.DBPath
	}
	if fc.Store.PostgresDSN != "" {
		cfg.PostgresDSN = fc.Store.PostgresDSN
	}

	if fc.Transport.Kind != "" {
		cfg.Transport = fc.Transport.Kind
	}
	if fc.Transport.RedisAddr != "" {
		cfg.RedisAddr = fc.Transport.RedisAddr
	}
	if fc.Transport.MailboxCapacity > 0 {
		cfg.MailboxCapacity = fc.Transport.MailboxCapacity
	}

	if fc.Engine.DispatchInterval.Duration > 0 {
		cfg.DispatchInterval = fc.Engine.DispatchInterval.Duration
	}
	if fc.Engine.SweepInterval.Duration > 0 {
		cfg.SweepInterval = fc.Engine.SweepInterval.Duration
	}
	if fc.Engine.SendTimeout.Duration > 0 {
		cfg.SendTimeout = fc.Engine.SendTimeout.Duration
	}
	if fc.Engine.DefaultTimeout.Duration > 0 {
		cfg.DefaultTimeout = fc.Engine.DefaultTimeout.Duration
	}
	if fc.Engine.DefaultMaxRetries != nil {
		cfg.DefaultMaxRetries = *fc.Engine.DefaultMaxRetries
	}
	if fc.Engine.BackoffBase.Duration > 0 {
		cfg.BackoffBase = fc.Engine.BackoffBase.Duration
	}
	if fc.Engine.BackoffCap.Duration > 0 {
		cfg.BackoffCap = fc.Engine.BackoffCap.Duration
	}

	if fc.Agents.OfflineAfter.Duration > 0 {
		cfg.OfflineAfter = fc.Agents.OfflineAfter.Duration
	}
	if fc.Agents.MaxInFlight > 0 {
		cfg.MaxInFlight = fc.Agents.MaxInFlight
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv(envStoreDriver); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envPostgresDSN); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv(envTransport); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite store: %w", model.ErrValidation)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres store: %w", model.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown store driver %q: %w", c.StoreDriver, model.ErrValidation)
	}

	switch c.Transport {
	case TransportMailbox:
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis transport: %w", model.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown transport %q: %w", c.Transport, model.ErrValidation)
	}

	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative: %w", model.ErrValidation)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive: %w", model.ErrValidation)
	}
	return nil
}

// splitList parses a comma-separated environment value into its elements,
// trimming whitespace and dropping empties.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
