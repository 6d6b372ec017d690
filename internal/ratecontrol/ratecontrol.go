// Package ratecontrol provides per-tool token-bucket rate limiting with
// optional per-tool overrides loaded from a YAML limits file. Limits are
// shared across all concurrent callers within a run.
package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Limit describes the politeness budget for one external target.
type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// Delay is a fixed politeness delay applied after each call to the
	// same tool, on top of the token bucket.
	Delay time.Duration `yaml:"delay"`
}

// UnmarshalYAML accepts delays in duration notation ("500ms", "2s").
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
		Delay string  `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	l.RPS = raw.RPS
	l.Burst = raw.Burst
	if raw.Delay != "" {
		d, err := time.ParseDuration(raw.Delay)
		if err != nil {
			return fmt.Errorf("parse delay %q: %w", raw.Delay, err)
		}
		l.Delay = d
	}
	return nil
}

type limitsFile struct {
	Tools map[string]Limit `yaml:"tools"`
}

// Limiter hands out one token bucket per tool name.
type Limiter struct {
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Limit
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter with the given defaults.
func NewLimiter(defaultRPS float64, defaultBurst int) *Limiter {
	if defaultRPS <= 0 {
		defaultRPS = 1
	}
	if defaultBurst <= 0 {
		defaultBurst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    make(map[string]Limit),
		defaultRate:  rate.Limit(defaultRPS),
		defaultBurst: defaultBurst,
	}
}

// LoadLimits reads per-tool overrides from a YAML file. Callable at any time;
// existing buckets for overridden tools are rebuilt on next use.
func (l *Limiter) LoadLimits(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unmarshal limits file: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides = f.Tools
	// Drop buckets so overridden tools pick up new rates lazily.
	l.limiters = make(map[string]*rate.Limiter)
	return nil
}

// SetLimit installs an override programmatically.
func (l *Limiter) SetLimit(tool string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[tool] = limit
	delete(l.limiters, tool)
}

// Wait blocks until the tool's bucket grants a token, then applies the
// tool's politeness delay. Returns early if ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, tool string) error {
	limiter, delay := l.get(tool)
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// Allow reports whether a call would be admitted right now, without waiting.
func (l *Limiter) Allow(tool string) bool {
	limiter, _ := l.get(tool)
	return limiter.Allow()
}

func (l *Limiter) get(tool string) (*rate.Limiter, time.Duration) {
	l.mu.RLock()
	limiter, ok := l.limiters[tool]
	override, hasOverride := l.overrides[tool]
	l.mu.RUnlock()
	if ok {
		if hasOverride {
			return limiter, override.Delay
		}
		return limiter, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[tool]; ok {
		if hasOverride {
			return limiter, override.Delay
		}
		return limiter, 0
	}

	r, burst, delay := l.defaultRate, l.defaultBurst, time.Duration(0)
	if hasOverride {
		if override.RPS > 0 {
			r = rate.Limit(override.RPS)
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
		delay = override.Delay
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[tool] = limiter
	return limiter, delay
}
