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
	cfg := Load()

	assert.Equal(t, int64(500*mb), cfg.MaxFileSizeFree)
	assert.Equal(t, int64(2*gb), cfg.MaxFileSizePremium)
	assert.Equal(t, 30*time.Minute, cfg.FreeCooldown)
	assert.Equal(t, 5, cfg.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Minute, cfg.ProcessingTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FREE_USER_WAIT_TIME", "60")
	t.Setenv("MAX_CONCURRENT_JOBS", "3")
	t.Setenv("WORKER_POOL_SIZE", "4")
	t.Setenv("PREMIUM_USER_IDS", " 42, 7 ,,")
	t.Setenv("PROCESSING_TIMEOUT_MINUTES", "1.5")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.FreeCooldown)
	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, []string{"42", "7"}, cfg.PremiumUserIDs)
	assert.Equal(t, 90*time.Second, cfg.ProcessingTimeout)
	assert.True(t, cfg.IsPremiumID("7"))
	assert.False(t, cfg.IsPremiumID("8"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"zero ceiling", func(c *Config) { c.MaxConcurrentJobs = 0 }},
		{"premium below free", func(c *Config) { c.MaxFileSizePremium = c.MaxFileSizeFree - 1 }},
		{"unknown store", func(c *Config) { c.StoreDriver = "mongo" }},
		{"unknown storage", func(c *Config) { c.StorageDriver = "ftp" }},
		{"no watchdog", func(c *Config) { c.ProcessingTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyPolicyFile(t *testing.T) {
	t.Run("no file configured", func(t *testing.T) {
		cfg := Load()
		require.NoError(t, cfg.ApplyPolicyFile())
	})

	t.Run("overrides tiers and premium users", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		body := `
tiers:
  free:
    max_file_size: 1000
    cooldown_seconds: 0
  premium:
    max_file_size: 5000
max_concurrent_jobs: 2
premium_users: ["99"]
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg := Load()
		cfg.PolicyFile = path
		require.NoError(t, cfg.ApplyPolicyFile())

		assert.Equal(t, int64(1000), cfg.MaxFileSizeFree)
		assert.Equal(t, int64(5000), cfg.MaxFileSizePremium)
		assert.Equal(t, time.Duration(0), cfg.FreeCooldown)
		assert.Equal(t, 2, cfg.MaxConcurrentJobs)
		assert.True(t, cfg.IsPremiumID("99"))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tiers: [oops"), 0o644))

		cfg := Load()
		cfg.PolicyFile = path
		assert.Error(t, cfg.ApplyPolicyFile())
	})
}
