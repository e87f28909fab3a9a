// Package config provides configuration management for Hydra.
// It supports loading configuration from environment variables, an optional
// config file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Hydra.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Hook     HookConfig     `mapstructure:"hook"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the three-port loopback server configuration (§6.1).
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"` // 0 means auto-scan from 3000
	Headless        bool   `mapstructure:"headless"`
	Dev             bool   `mapstructure:"dev"`
	ReadTimeoutSec  int    `mapstructure:"readTimeout"`
	WriteTimeoutSec int    `mapstructure:"writeTimeout"`
}

// WorktreeConfig holds the product directory and cleanup policy governing
// per-session worktrees.
type WorktreeConfig struct {
	// ProductDirName names the per-user directory under the home folder that
	// holds every repository's baseDir (<home>/<ProductDirName>).
	ProductDirName string `mapstructure:"productDirName"`

	// PreserveOnDisconnect is the default "preserve worktree" policy applied
	// when a session socket closes without an explicit destroy(). True for
	// repository-level closes.
	PreserveOnDisconnect bool `mapstructure:"preserveOnDisconnect"`

	// RemoveRetries bounds the retry loop for a worktree removal that fails
	// due to held file handles.
	RemoveRetries int `mapstructure:"removeRetries"`
}

// AgentConfig configures how the agent executable is located and invoked.
type AgentConfig struct {
	// ExecutableName is the name resolved once per process from PATH
	// (".cmd"/".exe" preferred on Windows).
	ExecutableName string `mapstructure:"executableName"`

	// PermissionSkipFlag is appended to every spawn so the agent never
	// blocks on an interactive permission prompt inside the PTY.
	PermissionSkipFlag string `mapstructure:"permissionSkipFlag"`

	// ConflictResolverTimeoutSec bounds the one-shot conflict-resolution
	// invocation.
	ConflictResolverTimeoutSec int `mapstructure:"conflictResolverTimeout"`

	// AutoInitTimeoutSec bounds the optional .autoinit.* script.
	AutoInitTimeoutSec int `mapstructure:"autoInitTimeout"`
}

// HookConfig configures the State Hook Endpoint (C6).
type HookConfig struct {
	SecretLength int `mapstructure:"secretLength"`
}

// HistoryConfig configures the optional, best-effort session history
// ledger (C8).
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeout returns the HTTP read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the HTTP write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// ConflictResolverTimeout returns the conflict resolver timeout as a
// time.Duration.
func (a *AgentConfig) ConflictResolverTimeout() time.Duration {
	return time.Duration(a.ConflictResolverTimeoutSec) * time.Second
}

// AutoInitTimeout returns the autoinit script timeout as a time.Duration.
func (a *AgentConfig) AutoInitTimeout() time.Duration {
	return time.Duration(a.AutoInitTimeoutSec) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HYDRA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.headless", false)
	v.SetDefault("server.dev", false)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("worktree.productDirName", ".hydra")
	v.SetDefault("worktree.preserveOnDisconnect", true)
	v.SetDefault("worktree.removeRetries", 3)

	v.SetDefault("agent.executableName", "claude")
	v.SetDefault("agent.permissionSkipFlag", "--dangerously-skip-permissions")
	v.SetDefault("agent.conflictResolverTimeout", 120)
	v.SetDefault("agent.autoInitTimeout", 120)

	v.SetDefault("hook.secretLength", 16)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "") // resolved against worktree.productDirName at startup when empty

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix HYDRA_.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HYDRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "CLAUDE_HYDRA_PORT")
	_ = v.BindEnv("logging.level", "HYDRA_LOG_LEVEL")
	_ = v.BindEnv("agent.executableName", "HYDRA_AGENT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hydra")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port != 0 && (cfg.Server.Port <= 0 || cfg.Server.Port > 65533) {
		errs = append(errs, "server.port must be between 1 and 65533")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Hook.SecretLength <= 0 {
		errs = append(errs, "hook.secretLength must be positive")
	}
	if cfg.Worktree.RemoveRetries <= 0 {
		errs = append(errs, "worktree.removeRetries must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
