package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Server.StreamBuffer)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "https://api.firecrawl.dev/v2", cfg.Firecrawl.BaseURL)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 0.001)
	assert.Equal(t, 30, cfg.Sandbox.TimeoutSecs)
	assert.Equal(t, 10, cfg.Sandbox.MaxNavigations)
	assert.False(t, cfg.Sandbox.AllowPrivateNetworks)
	assert.Equal(t, "chrome", cfg.Sandbox.Browser)
	assert.Empty(t, cfg.Sandbox.ChromeURL)
	assert.Equal(t, 3, cfg.Synth.MaxIterations)
	assert.True(t, cfg.Synth.DetailPages)
	assert.InDelta(t, 0.3, cfg.Evaluate.MinCoverage, 0.001)
	assert.Equal(t, 10, cfg.Evaluate.MaxFutureMonths)
	assert.Equal(t, "temporal", cfg.Jobs.Backend)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, "scrapegen-synthesis", cfg.Jobs.TaskQueue)
	assert.Equal(t, "localhost:7233", cfg.Jobs.Temporal.HostPort)
	assert.Equal(t, "default", cfg.Jobs.Temporal.Namespace)
	assert.Contains(t, cfg.Scrape.ExcludePaths, "/cart/*")
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: scrapegen.db
log:
  level: debug
  format: console
synth:
  max_iterations: 5
  detail_pages: false
jobs:
  backend: memory
  concurrency: 4
pricing:
  anthropic:
    custom-model:
      input: 1.5
      output: 7.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "scrapegen.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Synth.MaxIterations)
	assert.False(t, cfg.Synth.DetailPages)
	assert.Equal(t, "memory", cfg.Jobs.Backend)
	assert.Equal(t, 4, cfg.Jobs.Concurrency)

	rates := cfg.Pricing.Rates()
	assert.InDelta(t, 1.5, rates.Anthropic["custom-model"].Input, 0.001)
	// built-in models survive
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("SCRAPEGEN_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SCRAPEGEN_SERVER_PORT", "3000")
	t.Setenv("SCRAPEGEN_ANTHROPIC_KEY", "sk-test")
	t.Setenv("SCRAPEGEN_JOBS_TEMPORAL_HOST_PORT", "temporal:7233")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
	assert.Equal(t, "temporal:7233", cfg.Jobs.Temporal.HostPort)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults validation depends on.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/scrapegen"
	cfg.Anthropic.Key = "sk-test"
	cfg.LLM.Temperature = 0.2
	cfg.Synth.MaxIterations = 3
	cfg.Evaluate.MinCoverage = 0.3
	cfg.Jobs.Backend = "temporal"
	cfg.Jobs.Concurrency = 2
	cfg.Jobs.Temporal.HostPort = "localhost:7233"
	cfg.Server.Port = 8080
	cfg.Sandbox.Browser = "chrome"
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateRun_IgnoresJobsBackend(t *testing.T) {
	cfg := validDefaults()
	cfg.Jobs.Backend = ""
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MemoryBackendNeedsKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Jobs.Backend = "memory"
	cfg.Anthropic.Key = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateWorker_TemporalHostRequired(t *testing.T) {
	cfg := validDefaults()
	cfg.Jobs.Temporal.HostPort = ""

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.temporal.host_port is required")
}

func TestValidateSandboxBrowser(t *testing.T) {
	cfg := validDefaults()
	cfg.Sandbox.Browser = "firefox"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox.browser must be chrome or http")

	// only modes that execute code care
	assert.NoError(t, cfg.Validate("status"))

	cfg.Sandbox.Browser = "http"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Jobs.Concurrency = 0

	err := cfg.Validate("worker")
	assert.Contains(t, err.Error(), "jobs.concurrency must be between 1 and 32")

	cfg.Jobs.Concurrency = 33
	err = cfg.Validate("worker")
	assert.Contains(t, err.Error(), "jobs.concurrency must be between 1 and 32")

	cfg.Jobs.Concurrency = 8
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Evaluate.MinCoverage = 1.5
	cfg.LLM.Temperature = -1

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate.min_coverage must be between 0 and 1")
	assert.Contains(t, err.Error(), "llm.temperature must be between 0 and 1")
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, "30s", Seconds(30).String())
}
