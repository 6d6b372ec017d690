// Package research defines the pipeline's domain vocabulary: stages, work
// units, and the error taxonomy shared by the orchestrator, executor, and
// tool gateway.
package research

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stage is one ordered phase of the research pipeline.
type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageMining       Stage = "mining"
	StageVerification Stage = "verification"
	StageComposition  Stage = "composition"
)

// StageOrder is the fixed execution order. Discovery always precedes Mining,
// Mining precedes Verification, Verification precedes Composition.
var StageOrder = []Stage{StageDiscovery, StageMining, StageVerification, StageComposition}

// StageStatus tracks one stage's lifecycle within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageDegraded  StageStatus = "degraded"
	StageFailed    StageStatus = "failed"
)

// Terminal reports whether the status is an end state for the stage.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageDegraded || s == StageFailed
}

// StageRecord is the bookkeeping for one stage of one run. A stage never
// re-enters pending after leaving it.
type StageRecord struct {
	Stage     Stage       `json:"stage"`
	Status    StageStatus `json:"status"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`
	Err       string      `json:"error,omitempty"`
	// Units settled during the stage, for the structured outcome summary.
	UnitsTotal     int `json:"units_total"`
	UnitsSucceeded int `json:"units_succeeded"`
}

// UnitStatus tracks one work unit's lifecycle.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
)

// WorkUnit is one concurrently-schedulable piece of stage work, e.g. fetching
// one document or verifying one claim. Retries increment Attempt without
// changing identity.
type WorkUnit struct {
	ID      uuid.UUID
	Stage   Stage
	Name    string
	Attempt int
	Status  UnitStatus
	Result  any
	Err     error

	// Run performs one attempt. It must be safe to call again after a
	// retryable failure; idempotency of external effects is the tool
	// gateway's cache's job.
	Run func(ctx context.Context) (any, error)
}
