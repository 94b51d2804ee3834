package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the service configuration: where things live and how the
// background machinery is tuned. Messaging policy lives in Policy.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Salesmsg SalesmsgConfig `mapstructure:"salesmsg"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type DatabaseConfig struct {
	// Path is the SQLite file (default: "commsgate.db")
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	// Addr is the operator API listen address (default: ":8080")
	Addr string `mapstructure:"addr"`
}

// PolicyConfig points at the communication and allowlist YAML files
type PolicyConfig struct {
	CommunicationFile string `mapstructure:"communication_file"`
	AllowlistsFile    string `mapstructure:"allowlists_file"`
	// Watch reloads the policy when either file changes (default: true)
	Watch bool `mapstructure:"watch"`
}

// QueueConfig tunes the retry queue sweep
type QueueConfig struct {
	CheckIntervalMs       int     `mapstructure:"check_interval_ms"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	InitialDelayMs        int     `mapstructure:"initial_delay_ms"`
	BackoffMultiplier     float64 `mapstructure:"backoff_multiplier"`
	EnableDeadLetterQueue bool    `mapstructure:"enable_dead_letter_queue"`
	BatchSize             int     `mapstructure:"batch_size"`
	// LeaseSeconds bounds how long a job may stay processing before a
	// later sweep returns it to pending
	LeaseSeconds     int `mapstructure:"lease_seconds"`
	APICallTimeoutMs int `mapstructure:"api_call_timeout_ms"`
}

type SafetyConfig struct {
	// Timezone for the alert quiet-hours gate (default: "America/Chicago")
	Timezone string `mapstructure:"timezone"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: "info")
	Level string `mapstructure:"level"`
	// Format is "text" or "json" (default: "text")
	Format string `mapstructure:"format"`
}

type SalesmsgConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	FromNumber string `mapstructure:"from_number"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

type TelegramConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// Default returns a Config with the built-in defaults
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "commsgate.db"},
		Server:   ServerConfig{Addr: ":8080"},
		Policy: PolicyConfig{
			CommunicationFile: "config/communication.yaml",
			AllowlistsFile:    "config/allowlists.yaml",
			Watch:             true,
		},
		Queue: QueueConfig{
			CheckIntervalMs:       60000,
			MaxAttempts:           5,
			InitialDelayMs:        2000,
			BackoffMultiplier:     2,
			EnableDeadLetterQueue: true,
			BatchSize:             10,
			LeaseSeconds:          300,
			APICallTimeoutMs:      30000,
		},
		Safety:   SafetyConfig{Timezone: "America/Chicago"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Salesmsg: SalesmsgConfig{BaseURL: "https://api.salesmsg.com/v1", TimeoutMs: 30000},
		Telegram: TelegramConfig{BaseURL: "https://api.telegram.org", TimeoutMs: 10000},
	}
}

func (q QueueConfig) CheckInterval() time.Duration {
	return time.Duration(q.CheckIntervalMs) * time.Millisecond
}

func (q QueueConfig) InitialDelay() time.Duration {
	return time.Duration(q.InitialDelayMs) * time.Millisecond
}

func (q QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

func (q QueueConfig) APICallTimeout() time.Duration {
	return time.Duration(q.APICallTimeoutMs) * time.Millisecond
}

func (s SalesmsgConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (t TelegramConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// setDefaults registers every key so environment overrides are picked up
// by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("policy.communication_file", d.Policy.CommunicationFile)
	v.SetDefault("policy.allowlists_file", d.Policy.AllowlistsFile)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("queue.check_interval_ms", d.Queue.CheckIntervalMs)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.initial_delay_ms", d.Queue.InitialDelayMs)
	v.SetDefault("queue.backoff_multiplier", d.Queue.BackoffMultiplier)
	v.SetDefault("queue.enable_dead_letter_queue", d.Queue.EnableDeadLetterQueue)
	v.SetDefault("queue.batch_size", d.Queue.BatchSize)
	v.SetDefault("queue.lease_seconds", d.Queue.LeaseSeconds)
	v.SetDefault("queue.api_call_timeout_ms", d.Queue.APICallTimeoutMs)

	v.SetDefault("safety.timezone", d.Safety.Timezone)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("salesmsg.api_key", "")
	v.SetDefault("salesmsg.base_url", d.Salesmsg.BaseURL)
	v.SetDefault("salesmsg.from_number", "")
	v.SetDefault("salesmsg.timeout_ms", d.Salesmsg.TimeoutMs)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.base_url", d.Telegram.BaseURL)
	v.SetDefault("telegram.timeout_ms", d.Telegram.TimeoutMs)
}

// Load reads the optional config file, applies COMMSGATE_* environment
// overrides and validates the result. Provider credentials are also read
// from their conventional unprefixed variables.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMMSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"salesmsg.api_key":     {"COMMSGATE_SALESMSG_API_KEY", "SALESMSG_API_KEY"},
		"salesmsg.base_url":    {"COMMSGATE_SALESMSG_BASE_URL", "SALESMSG_BASE_URL"},
		"salesmsg.from_number": {"COMMSGATE_SALESMSG_FROM_NUMBER", "SALESMSG_FROM_NUMBER"},
		"telegram.bot_token":   {"COMMSGATE_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Database.Path == "" {
		errs = append(errs, ValidationError{Field: "database.path", Value: c.Database.Path, Message: "must not be empty"})
	}
	if c.Queue.CheckIntervalMs <= 0 {
		errs = append(errs, ValidationError{Field: "queue.check_interval_ms", Value: c.Queue.CheckIntervalMs, Message: "must be positive"})
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, ValidationError{Field: "queue.max_attempts", Value: c.Queue.MaxAttempts, Message: "must be positive"})
	}
	if c.Queue.InitialDelayMs <= 0 {
		errs = append(errs, ValidationError{Field: "queue.initial_delay_ms", Value: c.Queue.InitialDelayMs, Message: "must be positive"})
	}
	if c.Queue.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{Field: "queue.backoff_multiplier", Value: c.Queue.BackoffMultiplier, Message: "must be at least 1"})
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, ValidationError{Field: "queue.batch_size", Value: c.Queue.BatchSize, Message: "must be positive"})
	}
	if c.Queue.LeaseSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "queue.lease_seconds", Value: c.Queue.LeaseSeconds, Message: "must be positive"})
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of debug, info, warn, error"})
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, ValidationError{Field: "logging.format", Value: c.Logging.Format, Message: "must be text or json"})
	}
	if _, err := time.LoadLocation(c.Safety.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "safety.timezone", Value: c.Safety.Timezone, Message: "unknown timezone"})
	}

	return errs
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
