package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig
	Executor  ExecutorConfig
	Terminal  TerminalConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds the observability/demo HTTP surface configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8700"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ExecutorConfig bounds concurrent command execution and streaming.
type ExecutorConfig struct {
	MaxConcurrentCommands int64         `envconfig:"MAX_CONCURRENT_COMMANDS" default:"5"`
	DefaultTimeout        time.Duration `envconfig:"DEFAULT_COMMAND_TIMEOUT" default:"300s"`
	MaxOutputSize         int64         `envconfig:"MAX_OUTPUT_SIZE" default:"10485760"`
	PollInterval          time.Duration `envconfig:"OUTPUT_POLL_INTERVAL" default:"100ms"`
	SessionsPerTask       int           `envconfig:"SESSIONS_PER_TASK" default:"5"`
	ResultRetention       int           `envconfig:"RESULT_RETENTION" default:"512"`
}

// TerminalConfig holds PTY process defaults.
type TerminalConfig struct {
	Cols        int           `envconfig:"TERMINAL_COLS" default:"80"`
	Rows        int           `envconfig:"TERMINAL_ROWS" default:"24"`
	ReadTimeout time.Duration `envconfig:"TERMINAL_READ_TIMEOUT" default:"100ms"`
	QuietPeriod time.Duration `envconfig:"TERMINAL_QUIET_PERIOD" default:"2s"`
	GracePeriod time.Duration `envconfig:"TERMINAL_GRACE_PERIOD" default:"3s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig bounds command submission per session.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8700",
			Host: "0.0.0.0",
		},
		Executor: ExecutorConfig{
			MaxConcurrentCommands: 5,
			DefaultTimeout:        300 * time.Second,
			MaxOutputSize:         10 * 1024 * 1024,
			PollInterval:          100 * time.Millisecond,
			SessionsPerTask:       5,
			ResultRetention:       512,
		},
		Terminal: TerminalConfig{
			Cols:        80,
			Rows:        24,
			ReadTimeout: 100 * time.Millisecond,
			QuietPeriod: 2 * time.Second,
			GracePeriod: 3 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			Enabled:           true,
		},
	}
}
