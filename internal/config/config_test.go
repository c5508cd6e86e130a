package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sitescope.db", cfg.DBPath)
	assert.Equal(t, "http://localhost:8090", cfg.AgentURL)
	assert.Equal(t, "chromedp/headless-shell:latest", cfg.BrowserImage)
	assert.Equal(t, int64(10), cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace.Std())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
db_path: /var/lib/sitescope/jobs.db
agent_url: http://agent:8090
max_concurrent_jobs: 4
cancel_grace: 30s
cors_origins:
  - https://dashboard.internal
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/sitescope/jobs.db", cfg.DBPath)
	assert.Equal(t, "http://agent:8090", cfg.AgentURL)
	assert.Equal(t, int64(4), cfg.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.CancelGrace.Std())
	assert.Equal(t, []string{"https://dashboard.internal"}, cfg.CORSOrigins)

	// Unset keys keep their defaults.
	assert.Equal(t, "chromedp/headless-shell:latest", cfg.BrowserImage)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0o644))

	t.Setenv("SITESCOPE_LISTEN_ADDR", ":7070")
	t.Setenv("SITESCOPE_MAX_CONCURRENT_JOBS", "2")
	t.Setenv("SITESCOPE_CANCEL_GRACE", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, int64(2), cfg.MaxConcurrentJobs)
	assert.Equal(t, time.Second, cfg.CancelGrace.Std())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cancel_grace: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
