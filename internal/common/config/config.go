// Package config provides configuration management for the xcopilot proxy.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the proxy.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Copilot CopilotConfig `mapstructure:"copilot"`

	// MCPServers are user-configured MCP servers forwarded to each session.
	MCPServers map[string]MCPServerConfig `mapstructure:"mcpServers"`

	// AllowedCliTools names the CLI-side tools a session may run. "*" allows all.
	AllowedCliTools []string `mapstructure:"allowedCliTools"`

	// ExcludedFilePatterns are regex fragments; fenced code blocks in user
	// messages whose first line matches one are stripped from prompts.
	ExcludedFilePatterns []string `mapstructure:"excludedFilePatterns"`

	// AutoApprovePermissions is either a bool (uniform policy) or a list of
	// permission kinds to approve. Use PermissionPolicy() for the normalized form.
	AutoApprovePermissions any `mapstructure:"autoApprovePermissions"`

	// ReasoningEffort is applied to models that support it: low, medium, high.
	ReasoningEffort string `mapstructure:"reasoningEffort"`

	// Models is the catalog served by /v1/models and used to resolve requests.
	Models []ModelConfig `mapstructure:"models"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"` // 0 picks an ephemeral port

	// BodyLimit caps request body size in bytes.
	BodyLimit int64 `mapstructure:"bodyLimit"`

	ReadTimeout int `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout in seconds. Zero by default: continuation replies park for
	// minutes while a session streams.
	WriteTimeout int `mapstructure:"writeTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CopilotConfig holds Copilot SDK client configuration.
type CopilotConfig struct {
	// CLIUrl is the address of an externally managed Copilot CLI server.
	// Empty means the SDK spawns and manages the CLI process itself.
	CLIUrl string `mapstructure:"cliUrl"`

	// WorkingDirectory is the directory the spawned CLI operates in.
	WorkingDirectory string `mapstructure:"workingDirectory"`

	// LogLevel passed to the SDK client.
	LogLevel string `mapstructure:"logLevel"`
}

// MCPServerConfig describes one user-configured MCP server.
type MCPServerConfig struct {
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	AllowedTools []string          `mapstructure:"allowedTools"`
	Env          map[string]string `mapstructure:"env"`
}

// ModelConfig describes one entry of the model catalog.
type ModelConfig struct {
	ID              string `mapstructure:"id"`
	DisplayName     string `mapstructure:"displayName"`
	ReasoningEffort bool   `mapstructure:"reasoningEffort"`
}

// PermissionPolicy is the normalized form of autoApprovePermissions.
type PermissionPolicy struct {
	All   bool
	Kinds []string
}

// Approves reports whether the policy approves a permission request of the
// given kind.
func (p PermissionPolicy) Approves(kind string) bool {
	if p.All {
		return true
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PermissionPolicy normalizes the autoApprovePermissions value, which may
// arrive as a bool, a bool-shaped string (env vars), or a list of kinds.
func (c *Config) PermissionPolicy() PermissionPolicy {
	switch v := c.AutoApprovePermissions.(type) {
	case bool:
		return PermissionPolicy{All: v}
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return PermissionPolicy{All: b}
		}
		return PermissionPolicy{Kinds: []string{v}}
	case []string:
		return PermissionPolicy{Kinds: v}
	case []any:
		kinds := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				kinds = append(kinds, s)
			}
		}
		return PermissionPolicy{Kinds: kinds}
	default:
		return PermissionPolicy{}
	}
}

// FindModel returns the catalog entry for id, or nil when unknown.
func (c *Config) FindModel(id string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i]
		}
	}
	return nil
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if format := os.Getenv("XCOPILOT_LOG_FORMAT"); format != "" {
		return format
	}
	if env := os.Getenv("XCOPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. The bridge URL always targets 127.0.0.1, so the proxy
	// binds loopback unless told otherwise.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8123)
	v.SetDefault("server.bodyLimit", 50*1024*1024)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Copilot defaults - empty cliUrl means the SDK spawns the CLI itself
	v.SetDefault("copilot.cliUrl", "")
	v.SetDefault("copilot.workingDirectory", "")
	v.SetDefault("copilot.logLevel", "error")

	// Bridge defaults
	v.SetDefault("allowedCliTools", []string{})
	v.SetDefault("excludedFilePatterns", []string{})
	v.SetDefault("autoApprovePermissions", true)
	v.SetDefault("reasoningEffort", "")

	// Model catalog defaults
	v.SetDefault("models", []map[string]any{
		{"id": "gpt-5", "displayName": "GPT-5", "reasoningEffort": true},
		{"id": "gpt-5-mini", "displayName": "GPT-5 mini", "reasoningEffort": true},
		{"id": "gpt-4.1", "displayName": "GPT-4.1"},
		{"id": "claude-sonnet-4.5", "displayName": "Claude Sonnet 4.5"},
	})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix XCOPILOT_ with snake_case naming.
// The config file is config.yaml in the current directory,
// ~/.config/xcopilot/, or /etc/xcopilot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("XCOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.bodyLimit", "XCOPILOT_SERVER_BODY_LIMIT")
	_ = v.BindEnv("copilot.cliUrl", "XCOPILOT_COPILOT_CLI_URL")
	_ = v.BindEnv("copilot.workingDirectory", "XCOPILOT_COPILOT_WORKING_DIRECTORY")
	_ = v.BindEnv("copilot.logLevel", "XCOPILOT_COPILOT_LOG_LEVEL")
	_ = v.BindEnv("allowedCliTools", "XCOPILOT_ALLOWED_CLI_TOOLS")
	_ = v.BindEnv("autoApprovePermissions", "XCOPILOT_AUTO_APPROVE_PERMISSIONS")
	_ = v.BindEnv("reasoningEffort", "XCOPILOT_REASONING_EFFORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "xcopilot"))
	}
	v.AddConfigPath("/etc/xcopilot/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.BodyLimit <= 0 {
		errs = append(errs, "server.bodyLimit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	switch cfg.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, "reasoningEffort must be one of: low, medium, high")
	}

	for _, pattern := range cfg.ExcludedFilePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("excludedFilePatterns: invalid regex %q", pattern))
		}
	}

	for name, server := range cfg.MCPServers {
		if server.Command == "" {
			errs = append(errs, fmt.Sprintf("mcpServers.%s: command is required", name))
		}
	}

	if len(cfg.Models) == 0 {
		errs = append(errs, "models must list at least one entry")
	}
	for i, m := range cfg.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("models[%d]: id is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
