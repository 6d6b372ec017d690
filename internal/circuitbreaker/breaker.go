// Package circuitbreaker protects the tool gateway from hammering a failing
// external capability. A breaker opens after a run of consecutive failures,
// rejects calls fast during a cooldown, then half-opens to probe.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without issuing it.
var ErrOpen = errors.New("circuit breaker open")

// ErrProbeBusy is returned in half-open state when the probe slot is taken.
var ErrProbeBusy = errors.New("circuit breaker probing")

// Settings tune one breaker.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before half-opening.
	Cooldown time.Duration
	// ProbeSuccesses is how many consecutive half-open successes close
	// the breaker again.
	ProbeSuccesses uint32
	// MaxProbes bounds concurrent half-open calls.
	MaxProbes uint32
	// Window resets the consecutive-failure count in closed state when no
	// failure has been seen for this long. Zero disables the reset.
	Window time.Duration
}

// DefaultSettings matches the gateway defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   2,
		MaxProbes:        1,
		Window:           60 * time.Second,
	}
}

// Breaker is a per-tool circuit breaker, shared by all concurrent callers.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	failures   uint32
	successes  uint32
	inFlight   uint32
	expiry     time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = DefaultSettings().Cooldown
	}
	if settings.ProbeSuccesses == 0 {
		settings.ProbeSuccesses = 1
	}
	if settings.MaxProbes == 0 {
		settings.MaxProbes = 1
	}
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		state:    Closed,
	}
}

// Allow admits or rejects a call. On admission it returns a done callback the
// caller must invoke with the call's outcome.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)

	switch b.state {
	case Open:
		return nil, ErrOpen
	case HalfOpen:
		if b.inFlight >= b.settings.MaxProbes {
			return nil, ErrProbeBusy
		}
	}

	b.inFlight++
	gen := b.generation
	return func(success bool) { b.settle(gen, success) }, nil
}

// State returns the current position, advancing an expired open state first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

func (b *Breaker) settle(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)
	if gen != b.generation {
		// Outcome from a previous generation; state already moved on.
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.expiry = now.Add(b.settings.Window)
		if b.failures >= b.settings.FailureThreshold {
			b.transition(Open, now)
		}
	case HalfOpen:
		if !success {
			b.transition(Open, now)
			return
		}
		b.successes++
		if b.successes >= b.settings.ProbeSuccesses {
			b.transition(Closed, now)
		}
	}
}

// advance applies time-based transitions. Caller holds b.mu.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case Open:
		if now.After(b.expiry) {
			b.transition(HalfOpen, now)
		}
	case Closed:
		if b.settings.Window > 0 && b.failures > 0 && now.After(b.expiry) {
			b.failures = 0
		}
	}
}

// transition moves to a new state and resets counters. Caller holds b.mu.
func (b *Breaker) transition(next State, now time.Time) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.generation++
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if next == Open {
		b.expiry = now.Add(b.settings.Cooldown)
	}
	if b.logger != nil {
		b.logger.Info("Circuit breaker state changed",
			zap.String("tool", b.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}
