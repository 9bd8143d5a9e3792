package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 3, cfg.AttemptCeiling)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval.Duration)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
fetcherImage: registry.example.com/fetcher:v2
attemptCeiling: 5
retryBackoffBase: 1s
retryBackoffMax: 30s
sweepInterval: 2m
agentPort: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/fetcher:v2", cfg.FetcherImage)
	assert.Equal(t, 5, cfg.AttemptCeiling)
	assert.Equal(t, time.Second, cfg.RetryBackoffBase.Duration)
	assert.Equal(t, 30*time.Second, cfg.RetryBackoffMax.Duration)
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval.Duration)
	assert.Equal(t, 9999, cfg.AgentPort)
	// untouched fields keep their defaults
	assert.Equal(t, "/var/lib/kube-cache", cfg.CacheDir)
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.AttemptCeiling = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.RetryBackoffMax.Duration = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.FetcherImage = ""
	assert.Error(t, cfg.Validate())
}
