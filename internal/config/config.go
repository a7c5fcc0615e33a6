package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/samsaffron/claude-proxy/internal/llm"
	"github.com/spf13/viper"
)

const appName = "claude-proxy"

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Claude    ClaudeConfig    `mapstructure:"claude" yaml:"claude"`
	Model     ModelConfig     `mapstructure:"model" yaml:"model"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	Token       string   `mapstructure:"token" yaml:"token"`               // empty disables auth
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"` // glob patterns; empty allows all
}

// ClaudeConfig configures the claude binary.
type ClaudeConfig struct {
	Bin      string `mapstructure:"bin" yaml:"bin"`
	MaxTurns int    `mapstructure:"max_turns" yaml:"max_turns"`
	Timeout  int    `mapstructure:"timeout" yaml:"timeout"` // seconds
}

// ModelConfig is what /v1/models advertises.
type ModelConfig struct {
	ID          string `mapstructure:"id" yaml:"id"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // fraction of root requests traced
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"claude.bin":             "CLAUDE_BIN",
	"claude.max_turns":       "CLAUDE_MAX_TURNS",
	"claude.timeout":         "CLAUDE_TIMEOUT",
	"server.host":            "PROXY_HOST",
	"server.port":            "PROXY_PORT",
	"server.token":           "CLAUDE_PROXY_TOKEN",
	"server.cors_origins":    "CLAUDE_PROXY_CORS_ORIGINS",
	"model.id":               "CLAUDE_PROXY_MODEL",
	"log.level":              "CLAUDE_PROXY_LOG_LEVEL",
	"log.format":             "CLAUDE_PROXY_LOG_FORMAT",
	"telemetry.enabled":      "OTEL_ENABLED",
	"telemetry.endpoint":     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.sample_ratio": "OTEL_TRACES_SAMPLER_ARG",
}

// Load reads the optional config file and environment. Environment variables
// take precedence over the file.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return load(viper.New(), configPath)
}

// configure points v at config.yaml in dir, then in the working directory.
func configure(v *viper.Viper, dir string) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	configure(v, configPath)
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18880)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("claude.bin", defaultClaudeBin())
	v.SetDefault("claude.max_turns", llm.DefaultMaxTurns)
	v.SetDefault("claude.timeout", int(llm.DefaultTimeout/time.Second))
	v.SetDefault("model.id", "claude-code")
	v.SetDefault("model.display_name", "Claude Code Proxy (local)")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", appName)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// defaultClaudeBin prefers a claude found on PATH.
func defaultClaudeBin() string {
	if path, err := exec.LookPath(llm.DefaultBin); err == nil {
		return path
	}
	return llm.DefaultBin
}

// Overrides are command-line values that replace loaded settings when set.
type Overrides struct {
	Host        string
	Port        int
	Token       string
	CORSOrigins []string
	ClaudeBin   string
	MaxTurns    int
	Timeout     time.Duration
}

// ApplyOverrides copies every non-zero override into the config.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Host != "" {
		c.Server.Host = o.Host
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.Token != "" {
		c.Server.Token = o.Token
	}
	if len(o.CORSOrigins) > 0 {
		c.Server.CORSOrigins = o.CORSOrigins
	}
	if o.ClaudeBin != "" {
		c.Claude.Bin = o.ClaudeBin
	}
	if o.MaxTurns != 0 {
		c.Claude.MaxTurns = o.MaxTurns
	}
	if o.Timeout != 0 {
		c.Claude.Timeout = int(o.Timeout / time.Second)
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Claude.MaxTurns < 1 {
		return fmt.Errorf("claude.max_turns must be at least 1, got %d", c.Claude.MaxTurns)
	}
	if c.Claude.Timeout <= 0 {
		return fmt.Errorf("claude.timeout must be positive, got %d", c.Claude.Timeout)
	}
	if strings.TrimSpace(c.Claude.Bin) == "" {
		return errors.New("claude.bin must not be empty")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %g", r)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LLM returns the immutable process configuration for the claude supervisor.
func (c *Config) LLM() llm.ClaudeConfig {
	return llm.ClaudeConfig{
		Bin:      c.Claude.Bin,
		MaxTurns: c.Claude.MaxTurns,
		Timeout:  time.Duration(c.Claude.Timeout) * time.Second,
	}
}

// GetConfigDir returns the XDG config directory for claude-proxy.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// ConfigFileUsed returns the file Load reads settings from, or "" when there
// is none. The XDG directory wins over ./config.yaml.
func ConfigFileUsed() string {
	dir, err := GetConfigDir()
	if err != nil {
		return ""
	}
	return configFileUsed(viper.New(), dir)
}

func configFileUsed(v *viper.Viper, dir string) string {
	configure(v, dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return ""
		}
	}
	return v.ConfigFileUsed()
}

// Exists returns true if Load would read a config file.
func Exists() bool {
	return ConfigFileUsed() != ""
}

// Save writes a commented config file for cfg to disk.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`server:
  host: %s
  port: %d
  # Require "Authorization: Bearer <token>" on API routes
  # token: change-me
  # Allowed CORS origins (glob patterns); empty allows all
  # cors_origins:
  #   - https://*.example.com

claude:
  bin: %s
  max_turns: %d
  # Seconds before a claude process is killed
  timeout: %d

model:
  id: %s
  display_name: %s

log:
  level: %s
  format: %s

# OpenTelemetry tracing over OTLP/gRPC
telemetry:
  enabled: %t
  endpoint: %s
  service_name: %s
  # 1 traces every request, 0 only requests whose caller is sampling
  sample_ratio: %g
`, cfg.Server.Host, cfg.Server.Port, cfg.Claude.Bin, cfg.Claude.MaxTurns, cfg.Claude.Timeout,
		cfg.Model.ID, cfg.Model.DisplayName, cfg.Log.Level, cfg.Log.Format,
		cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio)

	return os.WriteFile(path, []byte(content), 0600)
}
