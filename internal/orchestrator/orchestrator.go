// Package orchestrator drives the research pipeline state machine:
// Idle -> Discovery -> Mining -> Verification -> Composition -> Completed,
// with Failed reachable from any stage. Each run owns its store, gateway,
// and event stream; runs never share claim state.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/db"
	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/executor"
	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/ratecontrol"
	"github.com/deepscout/deepscout/internal/research"
	"github.com/deepscout/deepscout/internal/store"
)

// RunState is the orchestrator state machine position for one run.
type RunState string

const (
	StateIdle         RunState = "idle"
	StateDiscovery    RunState = "discovery"
	StateMining       RunState = "mining"
	StateVerification RunState = "verification"
	StateComposition  RunState = "composition"
	StateCompleted    RunState = "completed"
	StateFailed       RunState = "failed"
)

// RunHandle identifies one accepted run and carries its terminal result.
type RunHandle struct {
	ID    uuid.UUID
	Query models.ResearchQuery

	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.RWMutex
	state     RunState
	stages    []research.StageRecord
	report    *models.ResearchReport
	err       error
	cancelled bool
}

// State returns the run's current state machine position.
func (h *RunHandle) State() RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Stages returns a snapshot of per-stage bookkeeping.
func (h *RunHandle) Stages() []research.StageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]research.StageRecord, len(h.stages))
	copy(out, h.stages)
	return out
}

// Done is closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

func (h *RunHandle) isCancelled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancelled
}

func (h *RunHandle) setState(s RunState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Orchestrator accepts queries and drives them through the pipeline. It is
// safe for concurrent use; each Start gets an isolated run.
type Orchestrator struct {
	cfg          config.Config
	registry     *gateway.Registry
	limiter      *ratecontrol.Limiter
	bus          *events.Bus
	cache        *knowledge.Cache // optional
	dbc          *db.Client       // optional
	hooks        Hooks
	buildToolkit ToolkitBuilder
	logger       *zap.Logger

	mu   sync.RWMutex
	runs map[uuid.UUID]*RunHandle
}

// New wires an orchestrator. cache and dbc may be nil; the toolkit builder
// and registry must not be.
func New(
	cfg config.Config,
	registry *gateway.Registry,
	limiter *ratecontrol.Limiter,
	bus *events.Bus,
	cache *knowledge.Cache,
	dbc *db.Client,
	hooks Hooks,
	buildToolkit ToolkitBuilder,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		registry:     registry,
		limiter:      limiter,
		bus:          bus,
		cache:        cache,
		dbc:          dbc,
		hooks:        hooks,
		buildToolkit: buildToolkit,
		logger:       logger,
		runs:         make(map[uuid.UUID]*RunHandle),
	}
}

// Start accepts a query and returns immediately with a handle; the pipeline
// runs in the background.
func (o *Orchestrator) Start(query models.ResearchQuery) *RunHandle {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &RunHandle{
		ID:     query.ID,
		Query:  query,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	for _, stage := range research.StageOrder {
		handle.stages = append(handle.stages, research.StageRecord{Stage: stage, Status: research.StagePending})
	}

	o.mu.Lock()
	o.runs[query.ID] = handle
	o.mu.Unlock()

	metrics.RunsStarted.Inc()
	go o.execute(ctx, handle)
	return handle
}

// Lookup returns the handle for a run ID.
func (o *Orchestrator) Lookup(id uuid.UUID) (*RunHandle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.runs[id]
	return h, ok
}

// Cancel marks the run cancelled. Cooperative: in-flight work units finish
// or hit their own timeout; nothing is force-killed.
func (o *Orchestrator) Cancel(h *RunHandle) {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Await blocks until the run reaches a terminal state. On failure it still
// returns the best-effort partial report alongside the error.
func (o *Orchestrator) Await(h *RunHandle) (*models.ResearchReport, error) {
	<-h.done
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report, h.err
}

// finish records the terminal result, emits the single terminal event, and
// releases waiters. Exactly one of completed/failed is published per run.
func (o *Orchestrator) finish(h *RunHandle, report *models.ResearchReport, runErr error, rootStage research.Stage, started time.Time) {
	runID := h.ID.String()

	h.mu.Lock()
	h.report = report
	h.err = runErr
	h.mu.Unlock()

	if runErr != nil {
		h.setState(StateFailed)
		metrics.RunsCompleted.WithLabelValues("failed").Inc()
		o.bus.Publish(runID, events.Event{
			Type:    events.TypeFailed,
			Message: runErr.Error(),
			Details: map[string]any{
				"root_cause_stage": string(rootStage),
				"error_class":      errorClass(runErr),
			},
		})
	} else {
		h.setState(StateCompleted)
		metrics.RunsCompleted.WithLabelValues("completed").Inc()
		o.bus.Publish(runID, events.Event{
			Type:     events.TypeCompleted,
			Message:  "research run completed",
			Progress: 100,
		})
	}
	metrics.RunDuration.Observe(time.Since(started).Seconds())

	if o.dbc != nil && report != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.dbc.SaveReport(ctx, report); err != nil {
			o.logger.Warn("Failed to persist report", zap.String("run_id", runID), zap.Error(err))
		}
		cancel()
	}
	if o.cache != nil && runErr == nil && report != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		o.cache.Remember(ctx, runID, h.Query.Text, report.Summary())
		cancel()
	}
	if o.hooks.OnRunComplete != nil {
		o.hooks.OnRunComplete(runID, report, runErr)
	}
	close(h.done)
}

func errorClass(err error) string {
	switch err.(type) {
	case *research.PipelineAbort:
		return "pipeline_abort"
	case *research.GenerationError:
		return "generation_error"
	case *research.ToolFatalError:
		return "tool_fatal"
	case *research.ToolTransientError:
		return "tool_transient"
	default:
		if err == research.ErrRunCancelled {
			return "cancelled"
		}
		return "internal"
	}
}

// newRunScope builds the per-run store, gateway, executor, and toolkit.
func (o *Orchestrator) newRunScope(query models.ResearchQuery) (*store.Store, *gateway.Gateway, *executor.Executor, Toolkit) {
	st := store.New(query, o.cfg.Store, o.logger)
	gw := gateway.New(o.registry, o.limiter, o.cfg.Gateway, o.logger)
	ex := executor.New(o.cfg.Executor, o.bus, o.logger)
	return st, gw, ex, o.buildToolkit(gw)
}

var stageStates = map[research.Stage]RunState{
	research.StageDiscovery:    StateDiscovery,
	research.StageMining:       StateMining,
	research.StageVerification: StateVerification,
	research.StageComposition:  StateComposition,
}

func stageProgress(stage research.Stage) int {
	for i, s := range research.StageOrder {
		if s == stage {
			return (i + 1) * 100 / len(research.StageOrder)
		}
	}
	return 0
}

func (h *RunHandle) stageRecord(stage research.Stage) *research.StageRecord {
	for i := range h.stages {
		if h.stages[i].Stage == stage {
			return &h.stages[i]
		}
	}
	return nil
}

func (h *RunHandle) markStage(stage research.Stage, status research.StageStatus, outcome *executor.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.stageRecord(stage)
	if rec == nil {
		return
	}
	switch status {
	case research.StageRunning:
		rec.StartedAt = time.Now()
	case research.StageSucceeded, research.StageDegraded, research.StageFailed:
		rec.EndedAt = time.Now()
	}
	rec.Status = status
	if outcome != nil {
		rec.UnitsTotal = outcome.Total
		rec.UnitsSucceeded = outcome.Succeeded
		if outcome.Err != nil {
			rec.Err = outcome.Err.Error()
		}
	}
}

