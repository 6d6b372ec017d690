package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		Cooldown:         20 * time.Millisecond,
		ProbeSuccesses:   2,
		MaxProbes:        1,
		Window:           time.Minute,
	}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("web_search", testSettings(), nil)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, Closed, b.State())
	fail(t, b)
	assert.Equal(t, Open, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("web_search", testSettings(), nil)
	fail(t, b)
	fail(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeClosesAfterSuccesses(t *testing.T) {
	b := New("web_search", testSettings(), nil)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	succeed(t, b)
	assert.Equal(t, HalfOpen, b.State())
	succeed(t, b)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New("web_search", testSettings(), nil)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	fail(t, b)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenBoundsConcurrentProbes(t *testing.T) {
	b := New("web_search", testSettings(), nil)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	done, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrProbeBusy)
	done(true)
}

func TestStaleOutcomeFromPreviousGenerationIgnored(t *testing.T) {
	b := New("web_search", testSettings(), nil)

	// Admitted while closed, settles after the breaker has already opened.
	stale, err := b.Allow()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	require.Equal(t, Open, b.State())

	stale(true)
	assert.Equal(t, Open, b.State())
}
