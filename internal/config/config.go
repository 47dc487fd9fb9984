package config

import (
	"fmt"
	"time"
)

// Config represents the main Strand service configuration
type Config struct {
	// Data directory for the durable store, archives, and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Agents directory holding agent definition files
	AgentsDir string `json:"agents_dir" mapstructure:"agents_dir"`

	// Modules directory holding prompt module files
	ModulesDir string `json:"modules_dir" mapstructure:"modules_dir"`

	// Database file path (defaults to <data_dir>/strand.db)
	DatabasePath string `json:"database_path" mapstructure:"database_path"`

	Logging   LoggingConfig     `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Gateway   GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Queue     QueueConfig       `json:"queue" mapstructure:"queue"`
	Workers   WorkersConfig     `json:"workers" mapstructure:"workers"`
	Budgets   BudgetsConfig     `json:"budgets" mapstructure:"budgets"`
	Retention RetentionConfig   `json:"retention" mapstructure:"retention"`
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls span sampling and export
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	Stdout      bool    `json:"stdout" mapstructure:"stdout"` // write spans to stdout
}

// GatewayConfig holds the HTTP/WebSocket gateway configuration
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// QueueConfig holds dispatcher queue tuning
type QueueConfig struct {
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts"`
	LeaseTTL          time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ClaimPollInterval time.Duration `json:"claim_poll_interval" mapstructure:"claim_poll_interval"`
}

// WorkersConfig holds worker pool configuration
type WorkersConfig struct {
	Count        int           `json:"count" mapstructure:"count"`
	DrainTimeout time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// BudgetsConfig holds run budget defaults
type BudgetsConfig struct {
	MaxSteps  int           `json:"max_steps" mapstructure:"max_steps"`
	WallClock time.Duration `json:"wall_clock" mapstructure:"wall_clock"`
}

// RetentionConfig holds archive sweep configuration
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Schedule string        `json:"schedule" mapstructure:"schedule"` // cron expression
	Window   time.Duration `json:"window" mapstructure:"window"`     // age before archiving
	Dir      string        `json:"dir" mapstructure:"dir"`
}

// ProviderProfile represents a model provider credential profile
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a configuration populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Queue: QueueConfig{
			MaxAttempts:       3,
			LeaseTTL:          30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ClaimPollInterval: 500 * time.Millisecond,
		},
		Workers: WorkersConfig{
			Count:        4,
			DrainTimeout: 30 * time.Second,
		},
		Budgets: BudgetsConfig{
			MaxSteps:  24,
			WallClock: 10 * time.Minute,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
			Window:   7 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("queue.lease_ttl must be positive")
	}
	if c.Queue.HeartbeatInterval <= 0 || c.Queue.HeartbeatInterval >= c.Queue.LeaseTTL {
		return fmt.Errorf("queue.heartbeat_interval must be positive and shorter than the lease TTL")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Budgets.MaxSteps < 1 {
		return fmt.Errorf("budgets.max_steps must be at least 1")
	}
	if c.Budgets.WallClock <= 0 {
		return fmt.Errorf("budgets.wall_clock must be positive")
	}
	for i, p := range c.Providers {
		if p.Provider != "anthropic" && p.Provider != "openai" {
			return fmt.Errorf("providers[%d]: unsupported provider %q", i, p.Provider)
		}
		if p.APIKey == "" {
			return fmt.Errorf("providers[%d]: api_key is required", i)
		}
	}
	return nil
}
