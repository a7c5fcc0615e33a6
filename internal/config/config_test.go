package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 18880, cfg.Server.Port)
	assert.Empty(t, cfg.Server.Token)
	assert.Equal(t, 10, cfg.Claude.MaxTurns)
	assert.Equal(t, 300, cfg.Claude.Timeout)
	assert.NotEmpty(t, cfg.Claude.Bin)
	assert.Equal(t, "claude-code", cfg.Model.ID)
	assert.Equal(t, "Claude Code Proxy (local)", cfg.Model.DisplayName)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRatio)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`server:
  port: 9000
  token: from-file
claude:
  bin: /opt/claude
  max_turns: 4
  timeout: 60
model:
  id: my-model
`), 0600))

	t.Setenv("PROXY_PORT", "9100")
	t.Setenv("CLAUDE_TIMEOUT", "30")
	t.Setenv("CLAUDE_PROXY_CORS_ORIGINS", "https://a.example.com,https://*.b.example.com")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "from-file", cfg.Server.Token)
	assert.Equal(t, "/opt/claude", cfg.Claude.Bin)
	assert.Equal(t, 4, cfg.Claude.MaxTurns)
	assert.Equal(t, 30, cfg.Claude.Timeout)
	assert.Equal(t, "my-model", cfg.Model.ID)
	assert.Equal(t, []string{"https://a.example.com", "https://*.b.example.com"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRatio)

	llmCfg := cfg.LLM()
	assert.Equal(t, "/opt/claude", llmCfg.Bin)
	assert.Equal(t, 4, llmCfg.MaxTurns)
	assert.Equal(t, 30*time.Second, llmCfg.Timeout)
}

func TestLoad_InvalidFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0600))

	_, err := load(viper.New(), dir)
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 18880},
		Claude: ClaudeConfig{Bin: "claude", MaxTurns: 10, Timeout: 300},
	}

	cfg.ApplyOverrides(Overrides{Port: 8080, Timeout: 90 * time.Second, CORSOrigins: []string{"*"}})
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset override left alone")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 90, cfg.Claude.Timeout)
	assert.Equal(t, 10, cfg.Claude.MaxTurns)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())

	cfg.ApplyOverrides(Overrides{Host: "127.0.0.1", Token: "secret", ClaudeBin: "/bin/claude", MaxTurns: 2})
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "/bin/claude", cfg.Claude.Bin)
	assert.Equal(t, 2, cfg.Claude.MaxTurns)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 18880},
			Claude: ClaudeConfig{Bin: "claude", MaxTurns: 10, Timeout: 300},
			Log:    LogConfig{Format: "json"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"max turns", func(c *Config) { c.Claude.MaxTurns = 0 }},
		{"timeout", func(c *Config) { c.Claude.Timeout = -1 }},
		{"empty bin", func(c *Config) { c.Claude.Bin = "  " }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative sample ratio", func(c *Config) { c.Telemetry.SampleRatio = -0.1 }},
		{"sample ratio over one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSave_RoundTrips(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)
	cfg.Server.Port = 12345
	cfg.Claude.Bin = "/usr/local/bin/claude"
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = "collector:4317"
	cfg.Telemetry.SampleRatio = 0.5
	require.NoError(t, Save(cfg))
	assert.True(t, Exists())

	path, err := GetConfigPath()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "telemetry:")

	dir, err := GetConfigDir()
	require.NoError(t, err)
	loaded, err := load(viper.New(), dir)
	require.NoError(t, err)
	assert.Equal(t, 12345, loaded.Server.Port)
	assert.Equal(t, "/usr/local/bin/claude", loaded.Claude.Bin)
	assert.Equal(t, cfg.Model.DisplayName, loaded.Model.DisplayName)
	assert.Equal(t, cfg.Telemetry, loaded.Telemetry)
}

func TestConfigFileUsed(t *testing.T) {
	clearEnv(t)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	wd := t.TempDir()
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(wd); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevWD) })

	assert.Empty(t, ConfigFileUsed())
	assert.False(t, Exists())

	local := filepath.Join(wd, "config.yaml")
	require.NoError(t, os.WriteFile(local, []byte("server:\n  port: 9001\n"), 0600))
	assert.True(t, Exists(), "./config.yaml is a config file")
	assert.Equal(t, realPath(t, local), realPath(t, ConfigFileUsed()))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)

	xdgPath, err := GetConfigPath()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(xdgPath), 0755))
	require.NoError(t, os.WriteFile(xdgPath, []byte("server:\n  port: 9002\n"), 0600))
	assert.Equal(t, realPath(t, xdgPath), realPath(t, ConfigFileUsed()), "XDG file wins")
}

func realPath(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}
