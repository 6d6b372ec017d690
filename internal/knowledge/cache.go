// Package knowledge implements the optional cross-run knowledge cache: a
// session-scoped nearest-neighbor lookup over prior runs' report summaries,
// keyed by embedding similarity. It is best-effort context enrichment with a
// strict turnaround budget; a run never depends on it for correctness.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/metrics"
)

const keyPrefix = "deepscout:knowledge:"

// Neighbor is one prior-run summary returned by Lookup.
type Neighbor struct {
	RunID      string  `json:"run_id"`
	Query      string  `json:"query"`
	Summary    string  `json:"summary"`
	Similarity float64 `json:"similarity"`
}

type entry struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	Summary   string    `json:"summary"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is the redis-backed knowledge cache. One instance is owned by the
// process, initialized at startup and injected into the orchestrator.
type Cache struct {
	rdb      *redis.Client
	embedder Embedder
	cfg      config.KnowledgeConfig
	logger   *zap.Logger
}

// NewCache connects to redis and verifies the connection.
func NewCache(cfg config.KnowledgeConfig, embedder Embedder, logger *zap.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{rdb: rdb, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// NewCacheWithClient wires an existing redis client, for tests.
func NewCacheWithClient(rdb *redis.Client, cfg config.KnowledgeConfig, embedder Embedder, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, embedder: embedder, cfg: cfg, logger: logger}
}

// Remember stores a finished run's summary with its embedding for future
// lookups. Failures are logged, not propagated: losing a cache write never
// fails a run.
func (c *Cache) Remember(ctx context.Context, runID, query, summary string) {
	vec, err := c.embedder.Embed(ctx, query+"\n"+summary)
	if err != nil {
		c.logger.Warn("Knowledge cache embed failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	e := entry{RunID: runID, Query: query, Summary: summary, Vector: vec, CreatedAt: time.Now()}
	payload, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("Knowledge cache marshal failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+runID, payload, c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("Knowledge cache write failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Lookup returns up to MaxNeighbors prior summaries similar to the query,
// most similar first. The whole lookup is bounded by LookupTimeout so it can
// never become the critical path; on timeout or error it returns nothing.
func (c *Cache) Lookup(ctx context.Context, query string) []Neighbor {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		return nil
	}

	var neighbors []Neighbor
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(payload, &e); err != nil {
			continue
		}
		sim := cosine(vec, e.Vector)
		if sim <= 0 {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			RunID:      e.RunID,
			Query:      e.Query,
			Summary:    e.Summary,
			Similarity: sim,
		})
	}
	if err := iter.Err(); err != nil {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		c.logger.Debug("Knowledge cache scan aborted", zap.Error(err))
		return nil
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Similarity > neighbors[j].Similarity })
	if max := c.cfg.MaxNeighbors; max > 0 && len(neighbors) > max {
		neighbors = neighbors[:max]
	}
	if len(neighbors) == 0 {
		metrics.KnowledgeLookups.WithLabelValues("miss").Inc()
	} else {
		metrics.KnowledgeLookups.WithLabelValues("hit").Inc()
	}
	return neighbors
}

// Close releases the redis connection.
func (c *Cache) Close() error { return c.rdb.Close() }

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
