// Package config provides configuration management for the Companion bridge.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Companion CompanionConfig `mapstructure:"companion"`
	Session   SessionConfig   `mapstructure:"session"`
	Context   ContextConfig   `mapstructure:"context"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// CompanionConfig holds the upstream Companion server configuration.
type CompanionConfig struct {
	URL            string `mapstructure:"url"`            // base URL, e.g. http://localhost:3456
	PermissionMode string `mapstructure:"permissionMode"` // forwarded on session create
	CWD            string `mapstructure:"cwd"`            // agent working directory
	ModelName      string `mapstructure:"modelName"`      // model id reported to clients
}

// SessionConfig holds session pool configuration.
type SessionConfig struct {
	MaxSessions       int   `mapstructure:"maxSessions"`
	ResponseTimeoutMS int64 `mapstructure:"responseTimeoutMs"`
	IdleTimeoutMS     int64 `mapstructure:"idleTimeoutMs"`
}

// ContextConfig holds context persistence configuration.
type ContextConfig struct {
	Strategy     string `mapstructure:"strategy"` // none, summary, stateful, hybrid
	Dir          string `mapstructure:"dir"`      // directory for context files
	TriggerPct   int    `mapstructure:"triggerPct"`
	RecompactPct int    `mapstructure:"recompactPct"`
}

// ToolsConfig holds tool permission configuration.
type ToolsConfig struct {
	Mode   string `mapstructure:"mode"`   // auto, passthrough
	Policy string `mapstructure:"policy"` // JSON array of rules, replaces defaults
}

// NATSConfig holds event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ResponseTimeout returns the per-request response timeout as a time.Duration.
func (s *SessionConfig) ResponseTimeout() time.Duration {
	return time.Duration(s.ResponseTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the idle eviction timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "pretty"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	// Streaming responses stay open for the whole agent turn, so the write
	// timeout has to cover the response timeout.
	v.SetDefault("server.writeTimeout", 0)

	// Companion defaults
	v.SetDefault("companion.url", "http://localhost:3456")
	v.SetDefault("companion.permissionMode", "default")
	v.SetDefault("companion.cwd", "")
	v.SetDefault("companion.modelName", "claude-code-companion")

	// Session defaults
	v.SetDefault("session.maxSessions", 10)
	v.SetDefault("session.responseTimeoutMs", 1800000)
	v.SetDefault("session.idleTimeoutMs", 1800000)

	// Context defaults
	v.SetDefault("context.strategy", "none")
	v.SetDefault("context.dir", "")
	v.SetDefault("context.triggerPct", 40)
	v.SetDefault("context.recompactPct", 20)

	// Tools defaults
	v.SetDefault("tools.mode", "auto")
	v.SetDefault("tools.policy", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "companion-bridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDGE_ with snake_case naming; the
// flat legacy names (COMPANION_URL, ADAPTER_PORT, ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env var names the bridge documents.
	// AutomaticEnv only matches BRIDGE_<SECTION>_<KEY>, so each documented
	// variable is bound by hand.
	_ = v.BindEnv("server.port", "ADAPTER_PORT", "BRIDGE_SERVER_PORT")
	_ = v.BindEnv("companion.url", "COMPANION_URL", "BRIDGE_COMPANION_URL")
	_ = v.BindEnv("companion.permissionMode", "PERMISSION_MODE", "BRIDGE_COMPANION_PERMISSION_MODE")
	_ = v.BindEnv("companion.cwd", "SESSION_CWD", "BRIDGE_COMPANION_CWD")
	_ = v.BindEnv("companion.modelName", "MODEL_NAME", "BRIDGE_COMPANION_MODEL_NAME")
	_ = v.BindEnv("session.maxSessions", "MAX_SESSIONS", "BRIDGE_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("session.responseTimeoutMs", "RESPONSE_TIMEOUT_MS", "BRIDGE_SESSION_RESPONSE_TIMEOUT_MS")
	_ = v.BindEnv("session.idleTimeoutMs", "SESSION_IDLE_TIMEOUT_MS", "BRIDGE_SESSION_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("context.strategy", "CONTEXT_STRATEGY", "BRIDGE_CONTEXT_STRATEGY")
	_ = v.BindEnv("context.dir", "CONTEXT_DIR", "BRIDGE_CONTEXT_DIR")
	_ = v.BindEnv("context.triggerPct", "SUMMARY_TRIGGER_PCT", "BRIDGE_CONTEXT_TRIGGER_PCT")
	_ = v.BindEnv("context.recompactPct", "SUMMARY_RECOMPACT_PCT", "BRIDGE_CONTEXT_RECOMPACT_PCT")
	_ = v.BindEnv("tools.mode", "TOOL_MODE", "BRIDGE_TOOLS_MODE")
	_ = v.BindEnv("tools.policy", "TOOL_POLICY", "BRIDGE_TOOLS_POLICY")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "BRIDGE_LOGGING_FORMAT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/companion-bridge/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Companion.URL == "" {
		errs = append(errs, "companion.url is required")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.ResponseTimeoutMS <= 0 {
		errs = append(errs, "session.responseTimeoutMs must be positive")
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		errs = append(errs, "session.idleTimeoutMs must be positive")
	}

	validStrategies := map[string]bool{"none": true, "summary": true, "stateful": true, "hybrid": true}
	if !validStrategies[strings.ToLower(cfg.Context.Strategy)] {
		errs = append(errs, "context.strategy must be one of: none, summary, stateful, hybrid")
	}
	if cfg.Context.TriggerPct <= 0 || cfg.Context.TriggerPct > 100 {
		errs = append(errs, "context.triggerPct must be between 1 and 100")
	}
	if cfg.Context.RecompactPct <= 0 || cfg.Context.RecompactPct > 100 {
		errs = append(errs, "context.recompactPct must be between 1 and 100")
	}

	validModes := map[string]bool{"auto": true, "passthrough": true}
	if !validModes[strings.ToLower(cfg.Tools.Mode)] {
		errs = append(errs, "tools.mode must be one of: auto, passthrough")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "pretty": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, pretty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	// Default the context dir to the agent working directory, then to cwd.
	if cfg.Context.Dir == "" {
		if cfg.Companion.CWD != "" {
			cfg.Context.Dir = cfg.Companion.CWD
		} else if wd, err := os.Getwd(); err == nil {
			cfg.Context.Dir = wd
		}
	}

	return nil
}
