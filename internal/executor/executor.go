// Package executor runs one stage's work units on a bounded worker pool with
// timeout, retry, and backoff policy. Unit-level errors never escape: the
// orchestrator only ever sees a stage-level outcome plus a structured error
// summary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/research"
)

// Outcome is the stage-level result the orchestrator consumes.
type Outcome struct {
	Stage     research.Stage
	Status    research.StageStatus
	Total     int
	Succeeded int
	Failed    int
	// Err summarizes unit failures when the stage degraded or failed.
	Err error
}

// Executor schedules work units for stages of one run.
type Executor struct {
	cfg    config.ExecutorConfig
	bus    *events.Bus
	logger *zap.Logger
}

// New creates an executor with the given bounds.
func New(cfg config.ExecutorConfig, bus *events.Bus, logger *zap.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Executor{cfg: cfg, bus: bus, logger: logger}
}

// RunStage executes the units with bounded concurrency and settles them all,
// then classifies the stage: Succeeded when every unit succeeded, Degraded
// when the success fraction clears viability, Failed otherwise. Callers must
// not assume any completion order across units.
func (e *Executor) RunStage(ctx context.Context, runID string, stage research.Stage, units []*research.WorkUnit, viability float64) Outcome {
	out := Outcome{Stage: stage, Total: len(units)}
	if len(units) == 0 {
		out.Status = research.StageSucceeded
		return out
	}

	queue := make(chan *research.WorkUnit)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				e.runUnit(ctx, runID, unit)
			}
		}()
	}

	for _, unit := range units {
		queue <- unit
	}
	close(queue)
	wg.Wait()

	var failures []string
	for _, unit := range units {
		if unit.Status == research.UnitSucceeded {
			out.Succeeded++
			continue
		}
		out.Failed++
		if unit.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", unit.Name, unit.Err))
		}
	}

	fraction := float64(out.Succeeded) / float64(out.Total)
	switch {
	case out.Failed == 0:
		out.Status = research.StageSucceeded
	case fraction >= viability && viability < 1:
		out.Status = research.StageDegraded
		out.Err = &research.StageDegradedWarning{
			Stage:    stage,
			Failed:   out.Failed,
			Total:    out.Total,
			Failures: strings.Join(failures, "; "),
		}
	default:
		out.Status = research.StageFailed
		out.Err = fmt.Errorf("stage %s below viability %.2f: %d/%d units succeeded (%s)",
			stage, viability, out.Succeeded, out.Total, strings.Join(failures, "; "))
	}

	metrics.StageOutcomes.WithLabelValues(string(stage), string(out.Status)).Inc()
	return out
}

// runUnit drives one unit through its attempts. Retryable failures back off
// exponentially with jitter; fatal failures and exhausted budgets settle the
// unit as failed. No unit is attempted more than maxRetries+1 times.
func (e *Executor) runUnit(ctx context.Context, runID string, unit *research.WorkUnit) {
	unit.Status = research.UnitRunning
	e.publish(runID, unit, events.TypeStarted, fmt.Sprintf("starting %s", unit.Name))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BaseBackoff
	policy.MaxInterval = e.cfg.MaxBackoff
	policy.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock
	policy.Reset()

	maxAttempts := e.cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		unit.Attempt = attempt
		if err := ctx.Err(); err != nil {
			e.settle(runID, unit, nil, fmt.Errorf("unit cancelled: %w", err))
			return
		}

		result, err := e.attempt(ctx, unit)
		if err == nil {
			unit.Status = research.UnitSucceeded
			unit.Result = result
			metrics.WorkUnitAttempts.WithLabelValues(string(unit.Stage), "success").Inc()
			e.publish(runID, unit, events.TypeCompleted, fmt.Sprintf("%s completed", unit.Name))
			return
		}
		metrics.WorkUnitAttempts.WithLabelValues(string(unit.Stage), "failure").Inc()

		if !retryAllowed(err, attempt, maxAttempts) {
			e.settle(runID, unit, nil, err)
			return
		}

		wait := policy.NextBackOff()
		metrics.WorkUnitRetries.WithLabelValues(string(unit.Stage)).Inc()
		e.publish(runID, unit, events.TypeRetry,
			fmt.Sprintf("%s attempt %d failed, retrying in %s: %v", unit.Name, attempt, wait.Round(time.Millisecond), err))
		select {
		case <-ctx.Done():
			e.settle(runID, unit, nil, fmt.Errorf("unit cancelled: %w", ctx.Err()))
			return
		case <-time.After(wait):
		}
	}
	// Unreachable: the loop settles on the final attempt via retryAllowed.
}

func (e *Executor) attempt(ctx context.Context, unit *research.WorkUnit) (any, error) {
	attemptCtx := ctx
	if e.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.UnitTimeout)
		defer cancel()
	}
	return unit.Run(attemptCtx)
}

func (e *Executor) settle(runID string, unit *research.WorkUnit, result any, err error) {
	unit.Status = research.UnitFailed
	unit.Result = result
	unit.Err = err
	e.publish(runID, unit, events.TypeFailed, fmt.Sprintf("%s failed: %v", unit.Name, err))
	if e.logger != nil {
		e.logger.Warn("Work unit failed",
			zap.String("stage", string(unit.Stage)),
			zap.String("unit", unit.Name),
			zap.Int("attempts", unit.Attempt),
			zap.Error(err),
		)
	}
}

// retryAllowed applies the taxonomy: fatal errors never retry, generation
// errors retry exactly once, transient errors retry until the budget runs
// out.
func retryAllowed(err error, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	if !research.Retryable(err) {
		return false
	}
	var gen *research.GenerationError
	if errors.As(err, &gen) && attempt >= 2 {
		return false
	}
	return true
}

func (e *Executor) publish(runID string, unit *research.WorkUnit, typ events.Type, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(runID, events.Event{
		Stage:   string(unit.Stage),
		Type:    typ,
		Task:    unit.Name,
		Message: message,
		Details: map[string]any{"attempt": unit.Attempt, "unit_id": unit.ID.String()},
	})
}
