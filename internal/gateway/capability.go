// Package gateway is the rate-limited, circuit-broken façade through which
// all external capabilities are called. Concrete tools register by name and
// are invoked through the narrow Capability contract; the gateway adds
// politeness delays, fast-fail on broken tools, idempotent read caching, and
// the error taxonomy.
package gateway

import "context"

// Kind partitions capabilities by what they do. Read-only kinds are eligible
// for idempotent caching; Generate is not.
type Kind string

const (
	KindSearch         Kind = "search"
	KindScrape         Kind = "scrape"
	KindAcademicLookup Kind = "academic_lookup"
	KindGenerate       Kind = "generate"
)

// Cacheable reports whether same-arguments calls may be served from cache.
func (k Kind) Cacheable() bool { return k != KindGenerate }

// Args carries the tool invocation arguments. Values must be JSON-encodable
// so the cache key derivation stays deterministic.
type Args map[string]any

// String fetches a string argument, empty when absent or mistyped.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int fetches an integer argument, 0 when absent or mistyped.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Capability is the only contract external tool implementations must
// satisfy. Invoke must honor ctx cancellation; the gateway supplies the
// call timeout through ctx.
type Capability interface {
	Name() string
	Kind() Kind
	Invoke(ctx context.Context, args Args) (any, error)
}
