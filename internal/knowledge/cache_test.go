package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
)

// fakeEmbedder maps known strings to fixed vectors so similarity is
// controlled by the test.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func newTestCache(t *testing.T, embedder Embedder) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cfg := config.KnowledgeConfig{
		Enabled:       true,
		LookupTimeout: time.Second,
		MaxNeighbors:  2,
		TTL:           time.Hour,
	}
	return NewCacheWithClient(rdb, cfg, embedder, zap.NewNop())
}

func TestRememberThenLookup(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"what is fusion power": {1, 0, 0},
		"what is fusion power\nfusion summary": {0.9, 0.1, 0},
	}}
	c := newTestCache(t, embedder)

	c.Remember(context.Background(), "run-1", "what is fusion power", "fusion summary")

	neighbors := c.Lookup(context.Background(), "what is fusion power")
	require.Len(t, neighbors, 1)
	assert.Equal(t, "run-1", neighbors[0].RunID)
	assert.Equal(t, "fusion summary", neighbors[0].Summary)
	assert.Greater(t, neighbors[0].Similarity, 0.9)
}

func TestLookupOrdersBySimilarityAndCapsNeighbors(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"q":      {1, 0, 0},
		"q1\ns1": {1, 0, 0},     // similarity 1.0
		"q2\ns2": {0.7, 0.7, 0}, // ~0.71
		"q3\ns3": {0.9, 0.4, 0}, // ~0.91
		"q4\ns4": {0, 1, 0},     // orthogonal, dropped
	}}
	c := newTestCache(t, embedder)

	for _, pair := range [][2]string{{"q1", "s1"}, {"q2", "s2"}, {"q3", "s3"}, {"q4", "s4"}} {
		c.Remember(context.Background(), "run-"+pair[0], pair[0], pair[1])
	}

	neighbors := c.Lookup(context.Background(), "q")
	require.Len(t, neighbors, 2, "MaxNeighbors caps the result")
	assert.Equal(t, "s1", neighbors[0].Summary)
	assert.Equal(t, "s3", neighbors[1].Summary)
}

func TestLookupReturnsNothingOnEmbedderFailure(t *testing.T) {
	c := newTestCache(t, &fakeEmbedder{err: errors.New("api down")})
	assert.Empty(t, c.Lookup(context.Background(), "anything"))
}

func TestRememberFailureIsSilent(t *testing.T) {
	c := newTestCache(t, &fakeEmbedder{err: errors.New("api down")})
	// Must not panic or propagate; losing a write never fails a run.
	c.Remember(context.Background(), "run-1", "q", "s")
	assert.Empty(t, c.Lookup(context.Background(), "q"))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1, 2}, []float32{1, 2, 3}), "mismatched lengths")
	assert.Equal(t, 0.0, cosine(nil, nil))
}
