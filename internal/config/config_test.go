package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 3, c.Retry.MaxAttempts)
	assert.Equal(t, 2.0, c.Retry.Multiplier)
	assert.Equal(t, 5*time.Minute, c.Client.StuckTimeout)
	assert.Equal(t, "deepseek-chat", c.Client.DefaultModel)
	assert.Equal(t, "https://api.deepseek.com/chat/completions", c.Upstream.BaseURL)
	assert.Same(t, c, Get())
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
retry:
  max_attempts: 5
  base_delay: 250ms
storage:
  type: badger
  data_dir: /tmp/chat
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 5, c.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, c.Retry.BaseDelay)
	assert.Equal(t, "badger", c.Storage.Type)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 10*time.Second, c.Retry.MaxDelay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-env")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", c.Client.APIKey)
}
