package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "worker", "run", "enqueue", "status", "merge", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "scrapegen", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"url", "kind", "timezone", "max-iterations", "session"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
	assert.Equal(t, "VENUE_PROFILE", runCmd.Flags().Lookup("kind").DefValue)
	assert.Equal(t, "UTC", runCmd.Flags().Lookup("timezone").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestStatusCommand_Args(t *testing.T) {
	assert.Error(t, statusCmd.Args(statusCmd, nil))
	assert.NoError(t, statusCmd.Args(statusCmd, []string{"sess-1"}))
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	orig := cfg
	cfg = c
	t.Cleanup(func() { cfg = orig })
}

func TestJobsConfig_Conversion(t *testing.T) {
	c := &config.Config{}
	c.Jobs.Concurrency = 4
	c.Jobs.MaxAttempts = 5
	c.Jobs.InitialBackoffSecs = 2
	c.Jobs.MaxBackoffSecs = 60
	c.Jobs.RunTimeoutMins = 10
	c.Jobs.CompletedRetentionMins = 60
	c.Jobs.FailedRetentionHours = 168
	c.Jobs.TaskQueue = "q"
	withConfig(t, c)

	jc := jobsConfig()
	assert.Equal(t, 4, jc.Concurrency)
	assert.Equal(t, 5, jc.MaxAttempts)
	assert.Equal(t, "2s", jc.InitialBackoff.String())
	assert.Equal(t, "1m0s", jc.MaxBackoff.String())
	assert.Equal(t, "10m0s", jc.RunTimeout.String())
	assert.Equal(t, "1h0m0s", jc.CompletedRetention.String())
	assert.Equal(t, "168h0m0s", jc.FailedRetention.String())
	assert.Equal(t, "q", jc.TaskQueue)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := &config.Config{}
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_SQLiteMemoryBackend(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("SCRAPEGEN_STORE_DRIVER", "sqlite")
	t.Setenv("SCRAPEGEN_STORE_DATABASE_URL", "scrapegen.db")
	t.Setenv("SCRAPEGEN_JOBS_BACKEND", "memory")
	t.Setenv("SCRAPEGEN_ANTHROPIC_KEY", "sk-test")
	t.Setenv("SCRAPEGEN_SANDBOX_BROWSER", "http")
	c, err := config.Load()
	require.NoError(t, err)
	withConfig(t, c)

	env, err := initEnv(t.Context(), "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orch)
	assert.NotNil(t, env.Runner)
	assert.Equal(t, 3, env.Orch.Config().MaxIterations)
	assert.True(t, env.Orch.Config().DetailPages)
	assert.Equal(t, "http", env.Browser.Name())

	qh, err := openQueue(env)
	require.NoError(t, err)
	defer qh.Close()
	assert.NotNil(t, qh.Memory)
	assert.Nil(t, qh.Temporal)

	_, err = openRemoteQueue(env)
	assert.Error(t, err)
}

func TestInitEnv_ValidationFails(t *testing.T) {
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	withConfig(t, c)

	_, err := initEnv(t.Context(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}
