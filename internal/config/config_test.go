package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
  auth_token: cron-secret
state_storage:
  type: sqlite
  file_path: /tmp/sync.db
analytics:
  token_url: https://login.example.com/{tenant}/oauth2/v2.0/token
  api_base_url: https://api.example.com/v1.0/myorg
  scope: https://analysis.example.com/.default
sync:
  timezone: America/Sao_Paulo
  inter_call_delay: 250ms
logging:
  level: debug
  format: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cron-secret", cfg.Server.AuthToken)
	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.GetInterCallDelay())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults.
	assert.Equal(t, 4*time.Minute+30*time.Second, cfg.Sync.GetDrainBudget())
	assert.Equal(t, 10*time.Minute, cfg.Sync.GetTokenSafetyMargin())
	assert.Equal(t, 60*time.Minute, cfg.Sync.GetDefaultTokenLifetime())
	assert.Equal(t, 5, cfg.Sync.MaxJobsPerDrain)
	assert.Equal(t, 500, cfg.Sync.BatchInsertSize)
	assert.Equal(t, 5*time.Minute, cfg.Server.GetWriteTimeout())
	assert.False(t, cfg.Scheduler.Enabled)

	assert.Equal(t, "America/Sao_Paulo", cfg.Sync.Location().String())
	assert.Equal(t, "https://login.example.com/tenant-1/oauth2/v2.0/token", cfg.Analytics.TokenURLFor("tenant-1"))
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SYNC_SERVER_AUTH_TOKEN", "from-env")
	t.Setenv("SYNC_SYNC_MAX_JOBS_PER_DRAIN", "2")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, 2, cfg.Sync.MaxJobsPerDrain)
}

func TestLoadConfig_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("SYNC_SERVER_AUTH_TOKEN", "secret")
	t.Setenv("SYNC_STATE_STORAGE_TYPE", "sqlite")
	t.Setenv("SYNC_STATE_STORAGE_FILE_PATH", "/tmp/x.db")
	t.Setenv("SYNC_ANALYTICS_TOKEN_URL", "https://login.example.com/token")
	t.Setenv("SYNC_ANALYTICS_API_BASE_URL", "https://api.example.com")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.StateStorage.FilePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing auth token", mutate: func(c *Config) { c.Server.AuthToken = "" }},
		{name: "unknown storage type", mutate: func(c *Config) { c.StateStorage.Type = "oracle" }},
		{name: "mysql without host", mutate: func(c *Config) { c.StateStorage.Type = "mysql" }},
		{name: "bad duration", mutate: func(c *Config) { c.Sync.DrainBudget = "forever" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Sync.Timezone = "Mars/Olympus" }},
		{name: "margin longer than lifetime", mutate: func(c *Config) { c.Sync.TokenSafetyMargin = "2h" }},
		{name: "budget outlives write timeout", mutate: func(c *Config) { c.Sync.DrainBudget = "6m" }},
		{name: "scheduler without spec", mutate: func(c *Config) {
			c.Scheduler.Enabled = true
			c.Scheduler.DrainSpec = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, sampleConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
