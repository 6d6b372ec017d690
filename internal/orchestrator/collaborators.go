package orchestrator

import (
	"context"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
)

// The pipeline core never decides what to ask a language model or how to
// phrase prompts; that judgement lives behind these four collaborator
// contracts. Implementations call back through the run's tool gateway, so
// every external call they make still gets rate limiting, breaking, and
// caching.

// Planner derives the sub-queries Discovery will search for. Hints are
// prior-run summaries from the knowledge cache and may be empty.
type Planner interface {
	Plan(ctx context.Context, query models.ResearchQuery, hints []knowledge.Neighbor) ([]string, error)
}

// Extractor pulls factual claims out of one ingested document.
type Extractor interface {
	Extract(ctx context.Context, doc models.Document) ([]models.Claim, error)
}

// Verifier gathers evidence for one claim from the run's document set and
// any external lookup it chooses to make. Returned evidence must reference
// documents already ingested in the run, or carry new documents back via
// the Found list for ingestion.
type Verifier interface {
	Verify(ctx context.Context, claim models.Claim, docs []models.Document) (VerifyResult, error)
}

// VerifyResult is a verifier's findings for one claim.
type VerifyResult struct {
	Evidence []models.Evidence
	// Found are documents the verifier fetched during verification; the
	// pipeline ingests them before attaching evidence so provenance
	// chains stay intact.
	Found []models.Document
}

// Summarizer composes the executive summary from the verified claim set.
type Summarizer interface {
	Summarize(ctx context.Context, query models.ResearchQuery, claims []models.ReportClaim) (string, error)
}

// Toolkit bundles the collaborator set for one run.
type Toolkit struct {
	Planner    Planner
	Extractor  Extractor
	Verifier   Verifier
	Summarizer Summarizer
}

// ToolkitBuilder constructs a run-scoped toolkit over the run's gateway.
type ToolkitBuilder func(gw *gateway.Gateway) Toolkit

// Hooks are optional lifecycle callbacks, invoked synchronously by the
// orchestrator. Nil slots are skipped.
type Hooks struct {
	OnStageEnter  func(runID string, stage research.Stage)
	OnStageExit   func(runID string, stage research.Stage, status research.StageStatus)
	OnRunComplete func(runID string, report *models.ResearchReport, err error)
}
