package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/attendsync-go/internal/core"
)

func TestLoad_MissingConfigFallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(core.OriginEnvVar, "")

	cfg, err := Load(filepath.Join(home, "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, core.DefaultOrigin, cfg.Origin)
	assert.Equal(t, core.DefaultListen, cfg.Listen)
	assert.Equal(t, filepath.Join(home, ".attendsync"), cfg.DataDir)
	assert.Equal(t, core.StaticGeneration, cfg.Generations.Static)
	assert.Equal(t, core.DynamicGeneration, cfg.Generations.Dynamic)
	assert.Equal(t, RejectDeadLetter, cfg.Sync.RejectionPolicy)
	assert.Equal(t, filepath.Join(cfg.DataDir, "queue"), cfg.QueueDir())
	assert.Equal(t, filepath.Join(cfg.DataDir, "cache"), cfg.CacheDir())
}

func TestLoad_ParsesYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(core.OriginEnvVar, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
origin: "https://attendance.example.edu/"
listen: "0.0.0.0:9000"
data_dir: "~/sync-data"
api_prefix: "/api"
static_assets: ["/", "/app.js"]
trusted_origins: ["https://fonts.googleapis.com/"]
generations:
  static: v2-static
  dynamic: v2-dynamic
cache:
  max_dynamic_entries: 50
sync:
  request_timeout: 3s
  rejection_policy: retain
  replays_per_second: 2.5
connectivity:
  interval: 30s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://attendance.example.edu", cfg.Origin)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.True(t, strings.HasPrefix(cfg.DataDir, home), cfg.DataDir)
	assert.Equal(t, "/api/", cfg.APIPrefix)
	assert.Equal(t, []string{"/", "/app.js"}, cfg.StaticAssets)
	assert.Equal(t, []string{"https://fonts.googleapis.com"}, cfg.TrustedOrigins)
	assert.Equal(t, "v2-static", cfg.Generations.Static)
	assert.Equal(t, 50, cfg.Cache.MaxDynamicEntries)
	assert.Equal(t, core.FetchTimeout, cfg.Cache.FetchTimeout)
	assert.Equal(t, 3*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, RejectRetain, cfg.Sync.RejectionPolicy)
	assert.InDelta(t, 2.5, cfg.Sync.ReplaysPerSecond, 0.0001)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.Interval)
	assert.Equal(t, core.DefaultProbe, cfg.Connectivity.ProbePath)

	u, err := cfg.OriginURL()
	require.NoError(t, err)
	assert.Equal(t, "attendance.example.edu", u.Host)
}

func TestLoad_OriginEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(core.OriginEnvVar, "https://override.example.edu")

	cfg, err := Load(filepath.Join(home, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.edu", cfg.Origin)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(core.OriginEnvVar, "")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad policy", "sync:\n  rejection_policy: drop\n", "RejectionPolicy"},
		{"same generation", "generations:\n  static: v1\n  dynamic: v1\n", "Static"},
		{"bad origin", "origin: not a url\n", "Origin"},
		{"bad yaml", "origin: [\n", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
