package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAt(t *testing.T) {
	dir := t.TempDir()

	cfg, err := InitializeAt(dir, "https://pod.example.org/")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, Dir), cfg.Path())
	assert.Equal(t, "https://pod.example.org", cfg.PodURL)
	assert.Len(t, cfg.DeviceID, 26)
	assert.Equal(t, filepath.Join(dir, Dir, DatabaseFile), cfg.DatabasePath())

	_, err = InitializeAt(dir, "https://pod.example.org")
	assert.Error(t, err)
}

func TestLoadFrom_RoundTrip(t *testing.T) {
	cfg, err := InitializeAt(t.TempDir(), "http://localhost:8730")
	require.NoError(t, err)
	cfg.ProgramLabel = "SIH"
	cfg.CacheTTL.Duration = 90 * time.Second
	require.NoError(t, cfg.Save())

	loaded, err := LoadFrom(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, "SIH", loaded.ProgramLabel)
	assert.Equal(t, 90*time.Second, loaded.CacheTTL.Duration)
	assert.Equal(t, cfg.DeviceID, loaded.DeviceID)
}

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	root := filepath.Join(t.TempDir(), Dir)
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte(`pod_url = "http://pod"
request_timeout = "5s"
`), 0600))

	cfg, err := LoadFrom(root)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout.Duration)
	assert.Equal(t, 15, cfg.ImportDays)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL.Duration)
	assert.Equal(t, 10*time.Second, cfg.SubscriptionInterval.Duration)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
}

func TestLoadFrom_BadDuration(t *testing.T) {
	root := filepath.Join(t.TempDir(), Dir)
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte(`cache_ttl = "soon"`), 0600))

	_, err := LoadFrom(root)
	assert.Error(t, err)
}

func TestFindRootFrom(t *testing.T) {
	dir := t.TempDir()
	_, err := InitializeAt(dir, "http://pod")
	require.NoError(t, err)
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	root, err := findRootFrom(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Dir), root)

	_, err = findRootFrom(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("force_offline", "true"))
	require.NoError(t, cfg.Set("import_days", "30"))
	require.NoError(t, cfg.Set("subscription_interval", "1m"))
	require.NoError(t, cfg.Set("log_level", "debug"))

	assert.True(t, cfg.ForceOffline)
	assert.Equal(t, 30, cfg.ImportDays)
	assert.Equal(t, time.Minute, cfg.SubscriptionInterval.Duration)
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	assert.Error(t, cfg.Set("import_days", "-1"))
	assert.Error(t, cfg.Set("color", "blue"))
}
