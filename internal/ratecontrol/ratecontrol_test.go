package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := NewLimiter(1, 2)
	assert.True(t, l.Allow("web_search"))
	assert.True(t, l.Allow("web_search"))
	assert.False(t, l.Allow("web_search"), "third immediate call exceeds burst")
}

func TestBucketsAreIndependentPerTool(t *testing.T) {
	l := NewLimiter(1, 1)
	assert.True(t, l.Allow("web_search"))
	assert.False(t, l.Allow("web_search"))
	assert.True(t, l.Allow("web_scrape"), "draining one tool must not starve another")
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	l := NewLimiter(0.001, 1)
	require.True(t, l.Allow("slow")) // drain the only token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow")
	assert.Error(t, err)
}

func TestSetLimitOverridesDefaults(t *testing.T) {
	l := NewLimiter(1, 1)
	l.SetLimit("generous", Limit{RPS: 100, Burst: 10})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("generous"))
	}
}

func TestLoadLimitsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  web_search:
    rps: 50
    burst: 5
  web_scrape:
    rps: 0.5
    burst: 1
    delay: 100ms
`), 0o644))

	l := NewLimiter(1, 1)
	require.NoError(t, l.LoadLimits(path))

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("web_search"))
	}
	assert.True(t, l.Allow("web_scrape"))
	assert.False(t, l.Allow("web_scrape"))
	// Tools without overrides keep the defaults.
	assert.True(t, l.Allow("other"))
	assert.False(t, l.Allow("other"))
}

func TestLoadLimitsReloadReplacesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools:\n  a:\n    rps: 10\n    burst: 4\n"), 0o644))

	l := NewLimiter(1, 1)
	require.NoError(t, l.LoadLimits(path))
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  a:\n    rps: 10\n    burst: 1\n"), 0o644))
	require.NoError(t, l.LoadLimits(path))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "rebuilt bucket must use the new burst")
}

func TestLoadLimitsMissingFile(t *testing.T) {
	l := NewLimiter(1, 1)
	assert.Error(t, l.LoadLimits(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestWaitAppliesPolitenessDelay(t *testing.T) {
	l := NewLimiter(1000, 1000)
	l.SetLimit("polite", Limit{RPS: 1000, Burst: 1000, Delay: 30 * time.Millisecond})

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "polite"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
