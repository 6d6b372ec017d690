package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForEvents(t *testing.T, c *Client, runID string, want int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		history, err := c.EventHistory(context.Background(), runID, 0)
		require.NoError(t, err)
		if len(history) >= want {
			return history
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted events", want)
	return nil
}

func TestAppendPersistsEventsInSeqOrder(t *testing.T) {
	c := newTestClient(t)
	for seq := uint64(1); seq <= 5; seq++ {
		c.Append(events.Event{RunID: "run-1", Seq: seq, Type: events.TypeToolCall, TS: time.Now()})
	}

	history := waitForEvents(t, c, "run-1", 5)
	for i, evt := range history {
		assert.Equal(t, uint64(i+1), evt.Seq)
	}
}

func TestAppendDuplicateSeqIsIgnored(t *testing.T) {
	c := newTestClient(t)
	c.Append(events.Event{RunID: "run-1", Seq: 1, Type: events.TypeStarted, TS: time.Now()})
	c.Append(events.Event{RunID: "run-1", Seq: 1, Type: events.TypeStarted, TS: time.Now()})
	c.Append(events.Event{RunID: "run-1", Seq: 2, Type: events.TypeCompleted, TS: time.Now()})

	history := waitForEvents(t, c, "run-1", 2)
	assert.Len(t, history, 2)
}

func TestEventHistorySinceSeq(t *testing.T) {
	c := newTestClient(t)
	for seq := uint64(1); seq <= 4; seq++ {
		c.Append(events.Event{RunID: "run-1", Seq: seq, Type: events.TypeToolCall, TS: time.Now()})
	}
	waitForEvents(t, c, "run-1", 4)

	tail, err := c.EventHistory(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Seq)
}

func TestSaveAndLoadReport(t *testing.T) {
	c := newTestClient(t)
	query := models.NewQuery("test question", models.Constraints{})
	report := &models.ResearchReport{
		RunID:            query.ID,
		Query:            query,
		ExecutiveSummary: "the summary",
		Claims:           map[models.Confidence][]models.ReportClaim{},
		Partial:          false,
		GeneratedAt:      time.Now(),
	}
	require.NoError(t, c.SaveReport(context.Background(), report))

	loaded, err := c.LoadReport(context.Background(), query.ID.String())
	require.NoError(t, err)
	assert.Equal(t, report.RunID, loaded.RunID)
	assert.Equal(t, "the summary", loaded.ExecutiveSummary)

	// Saving again upserts rather than failing.
	report.ExecutiveSummary = "revised"
	report.Partial = true
	require.NoError(t, c.SaveReport(context.Background(), report))
	loaded, err = c.LoadReport(context.Background(), query.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "revised", loaded.ExecutiveSummary)
	assert.True(t, loaded.Partial)
}

func TestLoadReportUnknownRun(t *testing.T) {
	c := newTestClient(t)
	_, err := c.LoadReport(context.Background(), "no-such-run")
	assert.Error(t, err)
}
