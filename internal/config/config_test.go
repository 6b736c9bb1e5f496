package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://api.example.com
  token: test-token
database:
  path: ./data/mirror.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.CRM.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Sync.IncrementalInterval.Std())
	assert.Equal(t, time.Minute, cfg.Sync.TickInterval.Std())
	assert.Equal(t, 5, cfg.Sync.RetentionDays)
	assert.Equal(t, 200, cfg.Sync.PageCap)
	assert.Equal(t, "crm-wins", cfg.Sync.ConflictStrategy)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, "0-27", cfg.CRM.TaskObjectType)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CRM_TOKEN", "secret-from-env")
	path := writeConfig(t, `
crm:
  base_url: https://api.example.com
  token: ${CRM_TOKEN}
database:
  path: ./data/mirror.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.CRM.Token)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://api.example.com
database:
  path: ./data/mirror.db
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm token")
}

func TestValidateRejectsLongTick(t *testing.T) {
	path := writeConfig(t, `
crm:
  base_url: https://api.example.com
  token: t
database:
  path: ./data/mirror.db
sync:
  tick_interval: 5m
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
