package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/executor"
	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
	"github.com/deepscout/deepscout/internal/store"
)

// runScope carries everything one run accumulates across stages.
type runScope struct {
	handle  *RunHandle
	store   *store.Store
	gateway *gateway.Gateway
	toolkit Toolkit

	hits    []models.SearchHit
	summary string
}

// execute drives one run through the stage sequence until a terminal state.
func (o *Orchestrator) execute(ctx context.Context, h *RunHandle) {
	started := time.Now()
	runID := h.ID.String()

	st, gw, ex, toolkit := o.newRunScope(h.Query)
	scope := &runScope{handle: h, store: st, gateway: gw, toolkit: toolkit}

	o.bus.Publish(runID, events.Event{
		Type:    events.TypeStarted,
		Message: fmt.Sprintf("research run started: %s", h.Query.Text),
	})
	o.logger.Info("Research run started",
		zap.String("run_id", runID),
		zap.String("query", h.Query.Text),
	)

	for _, stage := range research.StageOrder {
		if h.isCancelled() || ctx.Err() != nil {
			o.finishCancelled(scope, started)
			return
		}

		h.setState(stageStates[stage])
		h.markStage(stage, research.StageRunning, nil)
		if o.hooks.OnStageEnter != nil {
			o.hooks.OnStageEnter(runID, stage)
		}
		o.bus.Publish(runID, events.Event{
			Stage:   string(stage),
			Type:    events.TypeStarted,
			Message: fmt.Sprintf("stage %s started", stage),
		})

		stageStart := time.Now()
		units, planErr := o.planStage(ctx, scope, stage)
		var outcome executor.Outcome
		if planErr != nil {
			outcome = executor.Outcome{Stage: stage, Status: research.StageFailed, Err: planErr}
		} else {
			outcome = ex.RunStage(ctx, runID, stage, units, o.cfg.Viability(stage))
		}
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(stageStart).Seconds())

		if outcome.Status != research.StageFailed {
			if err := o.collectStage(scope, stage, units); err != nil {
				outcome.Status = research.StageFailed
				outcome.Err = err
			}
		}

		h.markStage(stage, outcome.Status, &outcome)
		if o.hooks.OnStageExit != nil {
			o.hooks.OnStageExit(runID, stage, outcome.Status)
		}

		switch outcome.Status {
		case research.StageSucceeded:
			o.bus.Publish(runID, events.Event{
				Stage:    string(stage),
				Type:     events.TypeCompleted,
				Message:  fmt.Sprintf("stage %s succeeded (%d/%d units)", stage, outcome.Succeeded, outcome.Total),
				Progress: stageProgress(stage),
			})
		case research.StageDegraded:
			o.logger.Warn("Stage degraded, continuing with partial data",
				zap.String("run_id", runID),
				zap.String("stage", string(stage)),
				zap.Error(outcome.Err),
			)
			o.bus.Publish(runID, events.Event{
				Stage:    string(stage),
				Type:     events.TypeDegraded,
				Message:  outcome.Err.Error(),
				Progress: stageProgress(stage),
			})
		case research.StageFailed:
			if h.isCancelled() {
				o.finishCancelled(scope, started)
				return
			}
			o.bus.Publish(runID, events.Event{
				Stage:   string(stage),
				Type:    events.TypeFailed,
				Message: outcome.Err.Error(),
			})
			abort := &research.PipelineAbort{Stage: stage, Err: outcome.Err}
			report := st.BuildReport(scope.summary, true)
			o.finish(h, report, abort, stage, started)
			return
		}
	}

	report := st.BuildReport(scope.summary, false)
	o.finish(h, report, nil, "", started)
}

func (o *Orchestrator) finishCancelled(scope *runScope, started time.Time) {
	report := scope.store.BuildReport(scope.summary, true)
	o.finish(scope.handle, report, research.ErrRunCancelled, "", started)
}

// planStage builds the work units for a stage from the run state accumulated
// so far. Planning failures fail the stage, not the process.
func (o *Orchestrator) planStage(ctx context.Context, scope *runScope, stage research.Stage) ([]*research.WorkUnit, error) {
	switch stage {
	case research.StageDiscovery:
		return o.planDiscovery(ctx, scope)
	case research.StageMining:
		return o.planMining(scope)
	case research.StageVerification:
		return o.planVerification(scope)
	case research.StageComposition:
		return o.planComposition(scope)
	default:
		return nil, fmt.Errorf("unknown stage %s", stage)
	}
}

// planDiscovery asks the planner for sub-queries (seeded with knowledge
// cache neighbors when available) and creates one search unit per sub-query.
func (o *Orchestrator) planDiscovery(ctx context.Context, scope *runScope) ([]*research.WorkUnit, error) {
	var hints []knowledge.Neighbor
	if o.cache != nil {
		hints = o.cache.Lookup(ctx, scope.handle.Query.Text)
	}

	subQueries, err := scope.toolkit.Planner.Plan(ctx, scope.handle.Query, hints)
	if err != nil {
		return nil, fmt.Errorf("plan sub-queries: %w", err)
	}
	if len(subQueries) == 0 {
		return nil, fmt.Errorf("planner produced no sub-queries")
	}

	searchTools := o.registry.ByKind(gateway.KindSearch)
	if len(searchTools) == 0 {
		return nil, fmt.Errorf("no search capability registered")
	}

	units := make([]*research.WorkUnit, 0, len(subQueries))
	for i, sub := range subQueries {
		sub := sub
		tool := searchTools[i%len(searchTools)]
		units = append(units, &research.WorkUnit{
			ID:    uuid.New(),
			Stage: research.StageDiscovery,
			Name:  fmt.Sprintf("search %q", sub),
			Run: func(ctx context.Context) (any, error) {
				result, err := scope.gateway.Call(ctx, tool, gateway.Args{"query": sub}, 0)
				if err == nil {
					o.bus.Publish(scope.handle.ID.String(), events.Event{
						Stage:   string(research.StageDiscovery),
						Type:    events.TypeToolCall,
						Tool:    tool,
						Message: fmt.Sprintf("searched %q", sub),
					})
				}
				return result, err
			},
		})
	}
	return units, nil
}

// planMining creates one fetch-and-extract unit per discovered source, capped
// by the query's max-documents constraint.
func (o *Orchestrator) planMining(scope *runScope) ([]*research.WorkUnit, error) {
	hits := scope.hits
	maxDocs := scope.handle.Query.Constraints.MaxDocuments
	if maxDocs <= 0 {
		maxDocs = 8
	}
	if len(hits) > maxDocs {
		hits = hits[:maxDocs]
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("discovery produced no sources to mine")
	}

	scrapeTools := o.registry.ByKind(gateway.KindScrape)
	if len(scrapeTools) == 0 {
		return nil, fmt.Errorf("no scrape capability registered")
	}
	scrape := scrapeTools[0]
	query := scope.handle.Query

	units := make([]*research.WorkUnit, 0, len(hits))
	for _, hit := range hits {
		hit := hit
		units = append(units, &research.WorkUnit{
			ID:    uuid.New(),
			Stage: research.StageMining,
			Name:  fmt.Sprintf("mine %s", hit.URI),
			Run: func(ctx context.Context) (any, error) {
				raw, err := scope.gateway.Call(ctx, scrape, gateway.Args{"url": hit.URI}, 0)
				if err != nil {
					return nil, err
				}
				o.bus.Publish(scope.handle.ID.String(), events.Event{
					Stage:   string(research.StageMining),
					Type:    events.TypeToolCall,
					Tool:    scrape,
					Message: fmt.Sprintf("fetched %s", hit.URI),
				})
				fetched, ok := raw.(models.FetchResult)
				if !ok {
					return nil, &research.ToolFatalError{Tool: scrape, Err: fmt.Errorf("unexpected result type %T", raw)}
				}
				doc := models.Document{
					ID:         uuid.New(),
					QueryID:    query.ID,
					URI:        hit.URI,
					Title:      firstNonEmpty(fetched.Title, hit.Title),
					SourceType: hit.SourceType,
					Content:    fetched.Content,
					FetchedAt:  time.Now(),
				}
				if err := scope.store.IngestDocument(doc); err != nil {
					return nil, fmt.Errorf("ingest %s: %w", hit.URI, err)
				}
				claims, err := scope.toolkit.Extractor.Extract(ctx, doc)
				if err != nil {
					return nil, err
				}
				for _, claim := range claims {
					claim.DocumentID = doc.ID
					if _, err := scope.store.RegisterClaim(claim); err != nil {
						return nil, err
					}
				}
				return len(claims), nil
			},
		})
	}
	return units, nil
}

// planVerification creates one unit per registered claim. Verifier-found
// documents are ingested before evidence attaches so provenance holds.
func (o *Orchestrator) planVerification(scope *runScope) ([]*research.WorkUnit, error) {
	claims := scope.store.Claims()
	if len(claims) == 0 {
		return nil, fmt.Errorf("mining produced no claims to verify")
	}
	docs := scope.store.Documents()

	units := make([]*research.WorkUnit, 0, len(claims))
	for _, claim := range claims {
		claim := claim
		units = append(units, &research.WorkUnit{
			ID:    uuid.New(),
			Stage: research.StageVerification,
			Name:  fmt.Sprintf("verify %q", truncate(claim.Text, 60)),
			Run: func(ctx context.Context) (any, error) {
				result, err := scope.toolkit.Verifier.Verify(ctx, claim, docs)
				if err != nil {
					return nil, err
				}
				for _, doc := range result.Found {
					if doc.ID == uuid.Nil {
						doc.ID = uuid.New()
					}
					doc.QueryID = scope.handle.Query.ID
					// A document may already be ingested when two claims
					// verify against the same source; anything else is a
					// real failure.
					if err := scope.store.IngestDocument(doc); err != nil && !errors.Is(err, store.ErrDocumentExists) {
						return nil, err
					}
				}
				for _, ev := range result.Evidence {
					if err := scope.store.AttachEvidence(claim.ID, ev); err != nil {
						return nil, err
					}
				}
				return len(result.Evidence), nil
			},
		})
	}
	return units, nil
}

// planComposition creates the single summary unit.
func (o *Orchestrator) planComposition(scope *runScope) ([]*research.WorkUnit, error) {
	query := scope.handle.Query
	return []*research.WorkUnit{{
		ID:    uuid.New(),
		Stage: research.StageComposition,
		Name:  "compose report",
		Run: func(ctx context.Context) (any, error) {
			claims, _ := scope.store.ProjectClaims()
			summary, err := scope.toolkit.Summarizer.Summarize(ctx, query, claims)
			if err != nil {
				return nil, err
			}
			return summary, nil
		},
	}}, nil
}

// collectStage folds settled unit results back into run state.
func (o *Orchestrator) collectStage(scope *runScope, stage research.Stage, units []*research.WorkUnit) error {
	switch stage {
	case research.StageDiscovery:
		seen := make(map[string]struct{})
		for _, unit := range units {
			if unit.Status != research.UnitSucceeded {
				continue
			}
			hits, ok := unit.Result.([]models.SearchHit)
			if !ok {
				return fmt.Errorf("search unit returned %T, want []models.SearchHit", unit.Result)
			}
			for _, hit := range hits {
				if _, dup := seen[hit.URI]; dup {
					continue
				}
				seen[hit.URI] = struct{}{}
				scope.hits = append(scope.hits, hit)
			}
		}
	case research.StageComposition:
		for _, unit := range units {
			if unit.Status != research.UnitSucceeded {
				continue
			}
			if summary, ok := unit.Result.(string); ok {
				scope.summary = summary
			}
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
