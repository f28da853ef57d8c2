package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chtemp runs the test from an empty directory so no stray enrich.yaml
// leaks into it.
func chtemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 15, cfg.Browse.TimeoutSecs)
	assert.Equal(t, 60, cfg.Load.TimeoutSecs)
	assert.Equal(t, "enrich-cli/1.0", cfg.Load.UserAgent)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Oracle.Model)
	assert.Equal(t, int64(1024), cfg.Oracle.MaxTokens)
	assert.Empty(t, cfg.Waterfall.PlanFile)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/enrich
  pool:
    max_conns: 20
queue:
  workers: 8
  retry_base: 5s
govern:
  initial_delay: 2s
  backoff_factor: 3.0
classify:
  window: 30m
  hot_threshold: 5
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enrich.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/enrich", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(20), cfg.Store.Pool.MaxConns)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Second, cfg.Queue.RetryBase)
	assert.Equal(t, 2*time.Second, cfg.Govern.InitialDelay)
	assert.InDelta(t, 3.0, cfg.Govern.BackoffFactor, 0.001)
	assert.Equal(t, 30*time.Minute, cfg.Classify.Window)
	assert.Equal(t, 5, cfg.Classify.HotThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 60, cfg.Load.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enrich.yaml"), []byte(yaml), 0644))

	t.Setenv("ENRICH_STORE_DRIVER", "postgres")
	t.Setenv("ENRICH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("ENRICH_QUEUE_WORKERS", "16")
	t.Setenv("ENRICH_LOAD_USER_AGENT", "enrich-batch/2.0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Queue.Workers)
	assert.Equal(t, "enrich-batch/2.0", cfg.Load.UserAgent)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	chtemp(t)

	t.Setenv("ENRICH_ORACLE_KEY", "sk-test")
	t.Setenv("ENRICH_STORE_DATABASE_URL", "postgres://localhost/enrich")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Oracle.Key)
	assert.Equal(t, "postgres://localhost/enrich", cfg.Store.DatabaseURL)
}

func TestValidate_StoreModes(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"

	for _, mode := range []string{"schedule", "work", "status", "dlq", "result"} {
		err := cfg.Validate(mode)
		require.Error(t, err, "mode %s", mode)
		assert.Contains(t, err.Error(), "store.database_url is required")
	}

	// run keeps everything in memory, so no store settings are needed
	assert.NoError(t, cfg.Validate("run"))

	cfg.Store.DatabaseURL = "postgres://localhost/enrich"
	assert.NoError(t, cfg.Validate("work"))
}

func TestValidate_BadDriver(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "oracle-db"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidate_WorkerBounds(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"

	cfg.Queue.Workers = 65
	err := cfg.Validate("work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.workers must be between 1 and 64")

	cfg.Queue.Workers = 64
	assert.NoError(t, cfg.Validate("work"))
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "serve"`)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "mysql"
	cfg.Queue.Workers = 100

	err := cfg.Validate("work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "queue.workers")
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
