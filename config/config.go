// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Signing   SigningConfig   `yaml:"signing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cache     CacheConfig     `yaml:"cache"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	Migrate         bool          `yaml:"migrate"`
}

type SigningConfig struct {
	// BaseURL prefixes links in invitation messages.
	BaseURL             string        `yaml:"base_url"`
	SessionSecret       string        `yaml:"session_secret"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	CertificateIssuer   string        `yaml:"certificate_issuer"`
	CertificateValidity time.Duration `yaml:"certificate_validity"`
	ReminderConcurrency int           `yaml:"reminder_concurrency"`
}

type SchedulerConfig struct {
	// Interval of zero disables the in-process scheduler.
	Interval        time.Duration `yaml:"interval"`
	ReminderCadence time.Duration `yaml:"reminder_cadence"`
}

// Notification transports.
const (
	TransportLog     = "log"
	TransportWebhook = "webhook"
	TransportOutbox  = "outbox"
)

type NotifyConfig struct {
	Transport      string        `yaml:"transport"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	// Relay settings apply when Transport is outbox.
	RelayInterval  time.Duration `yaml:"relay_interval"`
	RelayBatchSize int           `yaml:"relay_batch_size"`
	RelayRate      float64       `yaml:"relay_rate"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			MaxConns: 10,
			Migrate:  true,
		},
		Signing: SigningConfig{
			BaseURL:             "http://localhost:8080",
			SessionTTL:          2 * time.Hour,
			CertificateIssuer:   "signflow",
			ReminderConcurrency: 4,
		},
		Scheduler: SchedulerConfig{
			Interval:        15 * time.Minute,
			ReminderCadence: 48 * time.Hour,
		},
		Notify: NotifyConfig{
			Transport:      TransportLog,
			MaxAttempts:    3,
			RetryDelay:     2 * time.Second,
			WebhookTimeout: 10 * time.Second,
			RelayInterval:  time.Second,
			RelayBatchSize: 20,
		},
		Cache: CacheConfig{Size: 512, TTL: 5 * time.Minute},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// SIGNFLOW_CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SIGNFLOW_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.Database.URL = getEnvDefault("DATABASE_URL", cfg.Database.URL)

	if cfg.Server.Port, err = getEnvInt("SIGNFLOW_PORT", cfg.Server.Port); err != nil {
		return fmt.Errorf("SIGNFLOW_PORT: %w", err)
	}
	if cfg.Server.ShutdownTimeout, err = getEnvDuration("SIGNFLOW_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("SIGNFLOW_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Log.Level = getEnvDefault("SIGNFLOW_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvDefault("SIGNFLOW_LOG_FORMAT", cfg.Log.Format)

	if cfg.Database.MaxConns, err = getEnvInt("SIGNFLOW_DB_MAX_CONNS", cfg.Database.MaxConns); err != nil {
		return fmt.Errorf("SIGNFLOW_DB_MAX_CONNS: %w", err)
	}
	if cfg.Database.Migrate, err = getEnvBool("SIGNFLOW_MIGRATE", cfg.Database.Migrate); err != nil {
		return fmt.Errorf("SIGNFLOW_MIGRATE: %w", err)
	}

	cfg.Signing.BaseURL = getEnvDefault("SIGNFLOW_BASE_URL", cfg.Signing.BaseURL)
	cfg.Signing.SessionSecret = getEnvDefault("SIGNFLOW_SESSION_SECRET", cfg.Signing.SessionSecret)
	if cfg.Signing.SessionTTL, err = getEnvDuration("SIGNFLOW_SESSION_TTL", cfg.Signing.SessionTTL); err != nil {
		return fmt.Errorf("SIGNFLOW_SESSION_TTL: %w", err)
	}
	cfg.Signing.CertificateIssuer = getEnvDefault("SIGNFLOW_CERTIFICATE_ISSUER", cfg.Signing.CertificateIssuer)
	if cfg.Signing.CertificateValidity, err = getEnvDuration("SIGNFLOW_CERTIFICATE_VALIDITY", cfg.Signing.CertificateValidity); err != nil {
		return fmt.Errorf("SIGNFLOW_CERTIFICATE_VALIDITY: %w", err)
	}

	if cfg.Scheduler.Interval, err = getEnvDuration("SIGNFLOW_SCHEDULER_INTERVAL", cfg.Scheduler.Interval); err != nil {
		return fmt.Errorf("SIGNFLOW_SCHEDULER_INTERVAL: %w", err)
	}
	if cfg.Scheduler.ReminderCadence, err = getEnvDuration("SIGNFLOW_REMINDER_CADENCE", cfg.Scheduler.ReminderCadence); err != nil {
		return fmt.Errorf("SIGNFLOW_REMINDER_CADENCE: %w", err)
	}

	cfg.Notify.Transport = getEnvDefault("SIGNFLOW_NOTIFY_TRANSPORT", cfg.Notify.Transport)
	cfg.Notify.WebhookURL = getEnvDefault("SIGNFLOW_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.WebhookSecret = getEnvDefault("SIGNFLOW_WEBHOOK_SECRET", cfg.Notify.WebhookSecret)
	if cfg.Notify.MaxAttempts, err = getEnvInt("SIGNFLOW_NOTIFY_MAX_ATTEMPTS", cfg.Notify.MaxAttempts); err != nil {
		return fmt.Errorf("SIGNFLOW_NOTIFY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.Notify.RetryDelay, err = getEnvDuration("SIGNFLOW_NOTIFY_RETRY_DELAY", cfg.Notify.RetryDelay); err != nil {
		return fmt.Errorf("SIGNFLOW_NOTIFY_RETRY_DELAY: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	if u, err := url.Parse(c.Signing.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("signing.base_url %q must be an absolute URL", c.Signing.BaseURL))
	}
	if len(c.Signing.SessionSecret) < 32 {
		errs = append(errs, errors.New("signing.session_secret (SIGNFLOW_SESSION_SECRET) must be at least 32 bytes"))
	}
	if c.Signing.SessionTTL <= 0 {
		errs = append(errs, errors.New("signing.session_ttl must be positive"))
	}
	if c.Scheduler.Interval < 0 {
		errs = append(errs, errors.New("scheduler.interval must not be negative"))
	}
	if c.Notify.MaxAttempts <= 0 {
		errs = append(errs, errors.New("notify.max_attempts must be positive"))
	}
	switch c.Notify.Transport {
	case TransportLog, TransportOutbox:
	case TransportWebhook:
		if c.Notify.WebhookURL == "" {
			errs = append(errs, errors.New("notify.webhook_url is required for the webhook transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.transport %q must be log, webhook or outbox", c.Notify.Transport))
	}
	return errors.Join(errs...)
}

// SetupLogger builds the process logger and installs it as the default.
func SetupLogger(c *Config) *slog.Logger {
	level, _ := parseLogLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With(slog.String("version", Version))
	slog.SetDefault(logger)
	return logger
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use Go format: 30s, 1h, 15m)", val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", val)
	}
	return b, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", level)
	}
}
