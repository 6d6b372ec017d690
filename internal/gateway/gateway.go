package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/circuitbreaker"
	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/ratecontrol"
	"github.com/deepscout/deepscout/internal/research"
)

// Gateway fronts the capability registry for one run. The rate limiter and
// breakers are shared per tool name across every concurrent caller in the
// run; the idempotent call cache is run-scoped so no read-only query is
// re-issued within a run.
type Gateway struct {
	registry *Registry
	limiter  *ratecontrol.Limiter
	cfg      config.GatewayConfig
	logger   *zap.Logger
	cache    *gocache.Cache

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

// New creates a run-scoped gateway over a shared registry and limiter.
func New(registry *Registry, limiter *ratecontrol.Limiter, cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Gateway{
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		cache:    gocache.New(ttl, 2*ttl),
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// Call invokes a named tool with the caller-supplied timeout. Failures come
// back classified under the taxonomy: breaker rejections, timeouts, and
// context cancellation are transient; unknown tools are fatal.
func (g *Gateway) Call(ctx context.Context, tool string, args Args, timeout time.Duration) (any, error) {
	impl, ok := g.registry.Lookup(tool)
	if !ok {
		return nil, &research.ToolFatalError{Tool: tool, Err: fmt.Errorf("unknown tool")}
	}

	var key string
	if impl.Kind().Cacheable() {
		key = cacheKey(tool, args)
		if v, ok := g.cache.Get(key); ok {
			metrics.ToolCacheHits.WithLabelValues(tool).Inc()
			return v, nil
		}
	}

	if err := g.limiter.Wait(ctx, tool); err != nil {
		return nil, &research.ToolTransientError{Tool: tool, Err: err}
	}

	breaker := g.breaker(tool)
	done, err := breaker.Allow()
	if err != nil {
		metrics.ToolCalls.WithLabelValues(tool, "rejected").Inc()
		return nil, &research.ToolTransientError{Tool: tool, Err: err}
	}
	metrics.BreakerState.WithLabelValues(tool).Set(float64(breaker.State()))

	if timeout <= 0 {
		timeout = g.cfg.CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := impl.Invoke(callCtx, args)
	metrics.ToolCallDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())

	if err != nil {
		done(false)
		metrics.BreakerState.WithLabelValues(tool).Set(float64(breaker.State()))
		metrics.ToolCalls.WithLabelValues(tool, "error").Inc()
		return nil, classify(tool, impl.Kind(), err)
	}
	done(true)
	metrics.ToolCalls.WithLabelValues(tool, "ok").Inc()

	if key != "" {
		g.cache.SetDefault(key, result)
	}
	return result, nil
}

// BreakerState exposes a tool's breaker position, for health reporting.
func (g *Gateway) BreakerState(tool string) circuitbreaker.State {
	return g.breaker(tool).State()
}

func (g *Gateway) breaker(tool string) *circuitbreaker.Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[tool]
	if !ok {
		b = circuitbreaker.New(tool, circuitbreaker.Settings{
			FailureThreshold: g.cfg.BreakerThreshold,
			Cooldown:         g.cfg.BreakerCooldown,
		}, g.logger)
		g.breakers[tool] = b
	}
	return b
}

// classify maps a raw invoke error into the taxonomy. Errors already typed
// by the capability pass through unchanged.
func classify(tool string, kind Kind, err error) error {
	var transient *research.ToolTransientError
	var fatal *research.ToolFatalError
	var gen *research.GenerationError
	if errors.As(err, &transient) || errors.As(err, &fatal) || errors.As(err, &gen) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &research.ToolTransientError{Tool: tool, Err: err}
	}
	if kind == KindGenerate {
		return &research.GenerationError{Err: err}
	}
	return &research.ToolTransientError{Tool: tool, Err: err}
}

// cacheKey derives a deterministic key from the tool name and JSON-encoded
// arguments. Map encoding sorts keys, so argument order cannot split cache
// entries.
func cacheKey(tool string, args Args) string {
	payload, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(tool+"\x00"), payload...))
	return tool + ":" + hex.EncodeToString(sum[:8])
}
