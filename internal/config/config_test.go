package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  provider: mock
  requests_per_minute: 30
  max_symbols_per_call: 10
store:
  backend: none
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", c.Upstream.Provider)
	assert.Equal(t, 30, c.Upstream.RequestsPerMinute)
	assert.Equal(t, 10, c.Upstream.MaxSymbolsPerCall)
	assert.Equal(t, 100*time.Millisecond, c.Upstream.BatchDelay())
	assert.Equal(t, "none", c.Store.Backend)
	assert.Equal(t, time.Second, c.Store.FlushDelay())
	assert.Equal(t, 10*time.Minute, c.Subscriptions.IdleTimeout())
	assert.Equal(t, 5*time.Minute, c.Subscriptions.SweepInterval())
	assert.Equal(t, 30*time.Second, c.Mirror.Freshness())
	assert.Equal(t, 5*time.Second, c.Mirror.MinInterval())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEnvResolvesAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MARKETCACHE_TEST_KEY=secret\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MARKETCACHE_TEST_KEY") })

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))

	u := Upstream{APIKeyEnv: "MARKETCACHE_TEST_KEY"}
	assert.Equal(t, "secret", u.APIKey())
}
