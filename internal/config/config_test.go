package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepscout/deepscout/internal/research"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 0.90, cfg.Store.FuzzyThreshold)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  workers: 8
  unit_timeout: 90s
store:
  fuzzy_threshold: 0.95
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 90*time.Second, cfg.Executor.UnitTimeout)
	assert.Equal(t, 0.95, cfg.Store.FuzzyThreshold)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 2.0, cfg.Store.ContradictionMargin)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Executor.MaxRetries = -1 }},
		{"fuzzy above one", func(c *Config) { c.Store.FuzzyThreshold = 1.5 }},
		{"margin below one", func(c *Config) { c.Store.ContradictionMargin = 0.5 }},
		{"viability above one", func(c *Config) { c.StageViability["mining"] = 1.2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestViabilityLookup(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0.6, cfg.Viability(research.StageVerification))
	assert.Equal(t, 1.0, cfg.Viability(research.StageComposition))
	// Unknown stages fall back to 0.5.
	assert.Equal(t, 0.5, cfg.Viability(research.Stage("unknown")))
}
