package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/ratecontrol"
	"github.com/deepscout/deepscout/internal/research"
)

// fakeSearch returns two fixed hits for any query.
type fakeSearch struct{}

func (fakeSearch) Name() string       { return "web_search" }
func (fakeSearch) Kind() gateway.Kind { return gateway.KindSearch }
func (fakeSearch) Invoke(_ context.Context, args gateway.Args) (any, error) {
	q := args.String("query")
	return []models.SearchHit{
		{URI: "https://example.org/" + q + "/1", Title: q + " one", SourceType: models.SourceWeb},
		{URI: "https://example.org/" + q + "/2", Title: q + " two", SourceType: models.SourceWeb},
	}, nil
}

// fakeScrape returns canned content; an optional gate blocks until release,
// for cancellation tests.
type fakeScrape struct {
	gate chan struct{}
	hold chan struct{}
}

func (*fakeScrape) Name() string       { return "web_scrape" }
func (*fakeScrape) Kind() gateway.Kind { return gateway.KindScrape }
func (f *fakeScrape) Invoke(ctx context.Context, args gateway.Args) (any, error) {
	if f.gate != nil {
		select {
		case f.gate <- struct{}{}:
		default:
		}
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return models.FetchResult{
		Content: "content of " + args.String("url"),
		Title:   "page " + args.String("url"),
	}, nil
}

type fakePlanner struct {
	queries []string
	err     error
}

func (p *fakePlanner) Plan(context.Context, models.ResearchQuery, []knowledge.Neighbor) ([]string, error) {
	return p.queries, p.err
}

// fakeExtractor emits one claim per document plus one shared claim that every
// document repeats, exercising dedup.
type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, doc models.Document) ([]models.Claim, error) {
	return []models.Claim{
		{Text: "unique finding from " + doc.URI, Kind: models.ClaimOther},
		{Text: "The shared headline result holds", Kind: models.ClaimExperimental},
	}, nil
}

// fakeVerifier supports every claim from every other document.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, claim models.Claim, docs []models.Document) (VerifyResult, error) {
	var result VerifyResult
	for _, d := range docs {
		if d.ID == claim.DocumentID {
			continue
		}
		result.Evidence = append(result.Evidence, models.Evidence{
			SourceDocumentID: d.ID,
			Stance:           models.StanceSupports,
			Excerpt:          "supporting passage",
		})
	}
	return result, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(_ context.Context, query models.ResearchQuery, claims []models.ReportClaim) (string, error) {
	return fmt.Sprintf("summary of %d claims for %q", len(claims), query.Text), nil
}

func workingToolkit() ToolkitBuilder {
	return func(*gateway.Gateway) Toolkit {
		return Toolkit{
			Planner:    &fakePlanner{queries: []string{"alpha", "beta"}},
			Extractor:  fakeExtractor{},
			Verifier:   fakeVerifier{},
			Summarizer: fakeSummarizer{},
		}
	}
}

func newTestOrchestrator(t *testing.T, build ToolkitBuilder, tools ...gateway.Capability) (*Orchestrator, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.Executor.BaseBackoff = time.Millisecond
	cfg.Executor.MaxBackoff = 5 * time.Millisecond
	cfg.Executor.UnitTimeout = 5 * time.Second
	cfg.Gateway.DefaultRPS = 1000
	cfg.Gateway.DefaultBurst = 1000

	registry := gateway.NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	bus := events.NewBus(1024)
	limiter := ratecontrol.NewLimiter(cfg.Gateway.DefaultRPS, cfg.Gateway.DefaultBurst)
	return New(cfg, registry, limiter, bus, nil, nil, Hooks{}, build, zap.NewNop()), bus
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	orch, bus := newTestOrchestrator(t, workingToolkit(), fakeSearch{}, &fakeScrape{})

	handle := orch.Start(models.NewQuery("does drug x work", models.Constraints{MaxDocuments: 4}))
	report, err := orch.Await(handle)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, StateCompleted, handle.State())
	assert.False(t, report.Partial)
	assert.Contains(t, report.ExecutiveSummary, "summary of")
	assert.Greater(t, report.Statistics.DocumentsProcessed, 0)
	assert.Greater(t, report.Statistics.ClaimsExtracted, 0)

	for _, rec := range handle.Stages() {
		assert.Equal(t, research.StageSucceeded, rec.Status, "stage %s", rec.Stage)
	}

	// The shared claim was registered once per document but merged.
	shared := 0
	for _, group := range report.Claims {
		for _, rc := range group {
			if rc.Claim.Text == "The shared headline result holds" {
				shared++
			}
		}
	}
	assert.Equal(t, 1, shared)
	assert.True(t, bus.Finished(handle.ID.String()))
}

func TestRunEmitsOrderedEventsWithOneTerminal(t *testing.T) {
	orch, bus := newTestOrchestrator(t, workingToolkit(), fakeSearch{}, &fakeScrape{})

	handle := orch.Start(models.NewQuery("event ordering", models.Constraints{MaxDocuments: 2}))
	_, err := orch.Await(handle)
	require.NoError(t, err)

	history := bus.ReplaySince(handle.ID.String(), 0)
	require.NotEmpty(t, history)

	var last uint64
	terminals := 0
	for _, evt := range history {
		require.Greater(t, evt.Seq, last)
		last = evt.Seq
		if evt.Type.Terminal() && evt.Stage == "" && evt.Task == "" {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	final := history[len(history)-1]
	assert.Equal(t, events.TypeCompleted, final.Type)
	assert.Equal(t, 100, final.Progress)
}

func TestPlannerFailureFailsRunWithPartialReport(t *testing.T) {
	build := func(*gateway.Gateway) Toolkit {
		return Toolkit{
			Planner:    &fakePlanner{err: errors.New("model unavailable")},
			Extractor:  fakeExtractor{},
			Verifier:   fakeVerifier{},
			Summarizer: fakeSummarizer{},
		}
	}
	orch, bus := newTestOrchestrator(t, build, fakeSearch{}, &fakeScrape{})

	handle := orch.Start(models.NewQuery("doomed", models.Constraints{}))
	report, err := orch.Await(handle)
	require.Error(t, err)
	require.NotNil(t, report, "failed runs still carry a partial report")
	assert.True(t, report.Partial)
	assert.Equal(t, StateFailed, handle.State())

	var abort *research.PipelineAbort
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, research.StageDiscovery, abort.Stage)

	history := bus.ReplaySince(handle.ID.String(), 0)
	final := history[len(history)-1]
	assert.Equal(t, events.TypeFailed, final.Type)
	details, ok := final.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(research.StageDiscovery), details["root_cause_stage"])
}

func TestCancelMidRunReturnsCancelledWithPartialReport(t *testing.T) {
	scrape := &fakeScrape{gate: make(chan struct{}, 1), hold: make(chan struct{})}
	orch, bus := newTestOrchestrator(t, workingToolkit(), fakeSearch{}, scrape)

	handle := orch.Start(models.NewQuery("cancelled run", models.Constraints{MaxDocuments: 2}))

	// Wait until mining has a scrape in flight, then cancel.
	select {
	case <-scrape.gate:
	case <-time.After(5 * time.Second):
		t.Fatal("mining never started")
	}
	orch.Cancel(handle)

	report, err := orch.Await(handle)
	assert.ErrorIs(t, err, research.ErrRunCancelled)
	require.NotNil(t, report)
	assert.True(t, report.Partial)
	assert.Equal(t, StateFailed, handle.State())
	assert.True(t, bus.Finished(handle.ID.String()))
}

// flakyScrape fatally fails any URL containing the marker and scrapes the
// rest normally.
type flakyScrape struct {
	failMarker string
}

func (*flakyScrape) Name() string       { return "web_scrape" }
func (*flakyScrape) Kind() gateway.Kind { return gateway.KindScrape }
func (f *flakyScrape) Invoke(_ context.Context, args gateway.Args) (any, error) {
	url := args.String("url")
	if strings.Contains(url, f.failMarker) {
		return nil, &research.ToolFatalError{Tool: "web_scrape", Err: errors.New("410 gone")}
	}
	return models.FetchResult{
		Content: "content of " + url,
		Title:   "page " + url,
	}, nil
}

func TestDegradedMiningContinuesToCompletedRun(t *testing.T) {
	// fakeSearch yields four hits across the two sub-queries; one of the
	// four mining units fails fatally, which clears the 0.5 viability
	// default, so the pipeline continues on the three mined documents.
	scrape := &flakyScrape{failMarker: "alpha/2"}
	orch, bus := newTestOrchestrator(t, workingToolkit(), fakeSearch{}, scrape)

	handle := orch.Start(models.NewQuery("partial sources", models.Constraints{MaxDocuments: 4}))
	report, err := orch.Await(handle)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, StateCompleted, handle.State())
	assert.False(t, report.Partial)

	var mining research.StageRecord
	for _, rec := range handle.Stages() {
		if rec.Stage == research.StageMining {
			mining = rec
		}
	}
	assert.Equal(t, research.StageDegraded, mining.Status)
	assert.Equal(t, 4, mining.UnitsTotal)
	assert.Equal(t, 3, mining.UnitsSucceeded)
	assert.NotEmpty(t, mining.Err)

	// Only the successfully mined documents feed the rest of the run.
	assert.Equal(t, 3, report.Statistics.DocumentsProcessed)

	sawDegraded := false
	for _, evt := range bus.ReplaySince(handle.ID.String(), 0) {
		if evt.Type == events.TypeDegraded && evt.Stage == string(research.StageMining) {
			sawDegraded = true
		}
	}
	assert.True(t, sawDegraded, "mining degradation must surface on the stream")
}

func TestNoSearchCapabilityFailsDiscovery(t *testing.T) {
	orch, _ := newTestOrchestrator(t, workingToolkit(), &fakeScrape{})

	handle := orch.Start(models.NewQuery("no tools", models.Constraints{}))
	_, err := orch.Await(handle)
	require.Error(t, err)

	var abort *research.PipelineAbort
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, research.StageDiscovery, abort.Stage)
}

func TestLookupAndDuplicateHitsAreDeduplicated(t *testing.T) {
	// Both sub-queries return overlapping URIs through a search fake that
	// ignores the query text.
	overlapping := staticSearch{hits: []models.SearchHit{
		{URI: "https://example.org/same", Title: "same", SourceType: models.SourceWeb},
		{URI: "https://example.org/other", Title: "other", SourceType: models.SourceWeb},
	}}
	orch, _ := newTestOrchestrator(t, workingToolkit(), overlapping, &fakeScrape{})

	handle := orch.Start(models.NewQuery("dedup", models.Constraints{MaxDocuments: 8}))
	got, ok := orch.Lookup(handle.ID)
	require.True(t, ok)
	assert.Same(t, handle, got)

	report, err := orch.Await(handle)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Statistics.DocumentsProcessed, "duplicate URIs collapse before mining")
}

type staticSearch struct {
	hits []models.SearchHit
}

func (staticSearch) Name() string       { return "web_search" }
func (staticSearch) Kind() gateway.Kind { return gateway.KindSearch }
func (s staticSearch) Invoke(context.Context, gateway.Args) (any, error) {
	return s.hits, nil
}

func TestStageProgressMonotonic(t *testing.T) {
	var prev int
	for _, stage := range research.StageOrder {
		p := stageProgress(stage)
		assert.Greater(t, p, prev)
		prev = p
	}
	assert.Equal(t, 100, prev)
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "pipeline_abort", errorClass(&research.PipelineAbort{Stage: research.StageMining, Err: errors.New("x")}))
	assert.Equal(t, "generation_error", errorClass(&research.GenerationError{Err: errors.New("x")}))
	assert.Equal(t, "cancelled", errorClass(research.ErrRunCancelled))
	assert.Equal(t, "internal", errorClass(errors.New("x")))
}

func TestStartAssignsDistinctRunIDs(t *testing.T) {
	orch, _ := newTestOrchestrator(t, workingToolkit(), fakeSearch{}, &fakeScrape{})
	a := orch.Start(models.NewQuery("first", models.Constraints{MaxDocuments: 1}))
	b := orch.Start(models.NewQuery("second", models.Constraints{MaxDocuments: 1}))
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, uuid.Nil, a.ID)
	_, _ = orch.Await(a)
	_, _ = orch.Await(b)
}
