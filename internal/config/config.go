package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Atelier configuration.
type Config struct {
	// Database connection settings
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Agent loop settings
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// HTTP server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Session retention settings
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Model aliases and default
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// DatabaseConfig holds SQLite pool configuration.
type DatabaseConfig struct {
	DSN             string `json:"dsn" mapstructure:"dsn"`
	MinConns        int    `json:"min_conns" mapstructure:"min_conns"`
	MaxConns        int    `json:"max_conns" mapstructure:"max_conns"`
	ConnWaitSeconds int    `json:"conn_wait_seconds" mapstructure:"conn_wait_seconds"`
}

// AgentConfig holds control-loop bounds.
type AgentConfig struct {
	MaxIterations      int `json:"max_iterations" mapstructure:"max_iterations"`
	StepTimeoutSeconds int `json:"step_timeout_seconds" mapstructure:"step_timeout_seconds"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	MaxRetries         int `json:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// RetentionConfig holds the terminal-session sweep settings.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Schedule   string `json:"schedule" mapstructure:"schedule"` // cron spec
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ModelsConfig holds model selection configuration.
type ModelsConfig struct {
	Default string            `json:"default" mapstructure:"default"`
	Aliases map[string]string `json:"aliases" mapstructure:"aliases"`
}

// AIConfig holds AI provider configuration.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents one AI provider credential.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MinConns:        1,
			MaxConns:        10,
			ConnWaitSeconds: 10,
		},
		Agent: AgentConfig{
			MaxIterations:      10,
			StepTimeoutSeconds: 60,
			ToolTimeoutSeconds: 30,
			MaxRetries:         3,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8123,
		},
		Retention: RetentionConfig{
			Enabled:    false,
			MaxAgeDays: 30,
			Schedule:   "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
			Aliases: map[string]string{
				"sonnet": "claude-sonnet-4-20250514",
				"mini":   "gpt-4o-mini",
			},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database max_conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database min_conns must be between 0 and max_conns")
	}

	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive")
	}
	if c.Agent.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("agent step_timeout_seconds must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Retention.Enabled {
		if c.Retention.MaxAgeDays <= 0 {
			return fmt.Errorf("retention max_age_days must be positive when retention is enabled")
		}
		if c.Retention.Schedule == "" {
			return fmt.Errorf("retention schedule is required when retention is enabled")
		}
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	validator := NewValidator()
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if err := validator.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
		if err := validator.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
	}

	if err := validator.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}
