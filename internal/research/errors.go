package research

import (
	"errors"
	"fmt"
)

// ToolTransientError marks a retryable tool failure: timeouts, rate-limit
// rejections, 5xx-equivalents. The executor retries these with backoff.
type ToolTransientError struct {
	Tool string
	Err  error
}

func (e *ToolTransientError) Error() string {
	return fmt.Sprintf("tool %s transient failure: %v", e.Tool, e.Err)
}

func (e *ToolTransientError) Unwrap() error { return e.Err }

// ToolFatalError marks a non-retryable tool failure: malformed request,
// permanent rejection. The executor fails the unit immediately.
type ToolFatalError struct {
	Tool string
	Err  error
}

func (e *ToolFatalError) Error() string {
	return fmt.Sprintf("tool %s fatal failure: %v", e.Tool, e.Err)
}

func (e *ToolFatalError) Unwrap() error { return e.Err }

// GenerationError marks a language-model capability failure. It is retried
// once, then treated as fatal for that unit.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failure: %v", e.Err) }

func (e *GenerationError) Unwrap() error { return e.Err }

// StageDegradedWarning is the recorded outcome when a stage proceeds with
// partial data. Not a failure; the pipeline continues.
type StageDegradedWarning struct {
	Stage    Stage
	Failed   int
	Total    int
	Failures string
}

func (e *StageDegradedWarning) Error() string {
	return fmt.Sprintf("stage %s degraded: %d/%d units failed (%s)", e.Stage, e.Failed, e.Total, e.Failures)
}

// ProvenanceViolation records a claim that failed the integrity check. It is
// excluded from the report and logged; it is never fatal to the run.
type ProvenanceViolation struct {
	ClaimID string
	Reason  string
}

func (e *ProvenanceViolation) Error() string {
	return fmt.Sprintf("claim %s provenance violation: %s", e.ClaimID, e.Reason)
}

// PipelineAbort is the fatal run outcome raised when a required stage falls
// below its minimum viable fraction.
type PipelineAbort struct {
	Stage Stage
	Err   error
}

func (e *PipelineAbort) Error() string {
	return fmt.Sprintf("pipeline aborted at %s: %v", e.Stage, e.Err)
}

func (e *PipelineAbort) Unwrap() error { return e.Err }

// ErrRunCancelled is returned by Await when the run was cancelled before
// completing.
var ErrRunCancelled = errors.New("run cancelled")

// Retryable classifies an error under the taxonomy. GenerationError handling
// (retry once) is the executor's concern; this reports only whether another
// attempt may help at all.
func Retryable(err error) bool {
	var fatal *ToolFatalError
	if errors.As(err, &fatal) {
		return false
	}
	var transient *ToolTransientError
	if errors.As(err, &transient) {
		return true
	}
	var gen *GenerationError
	if errors.As(err, &gen) {
		return true
	}
	// Unclassified errors are treated as transient so a flaky dependency
	// that bypassed the gateway still gets its retry budget.
	return true
}
