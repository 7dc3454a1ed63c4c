package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "motion-demo", cfg.App.Name)
	assert.Equal(t, "thread", cfg.App.UpdateTaskType)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
app:
  name: "checkout"
  update_task_type: "process"
redis:
  addr: "redis.internal:6379"
log:
  level: "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.App.Name)
	assert.Equal(t, "process", cfg.App.UpdateTaskType)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MOTION_APP_NAME", "from-env")
	t.Setenv("MOTION_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.App.Name)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_RejectsInvalidUpdateTaskType(t *testing.T) {
	path := writeTempYAML(t, "app:\n  update_task_type: \"goroutine\"\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingRedisAddr(t *testing.T) {
	path := writeTempYAML(t, "redis:\n  addr: \"\"\n")

	_, err := Load(path)
	require.Error(t, err)
}
