package models

import (
	"time"

	"github.com/google/uuid"
)

// ReportStatistics summarizes the claim bookkeeping of a finished run.
type ReportStatistics struct {
	DocumentsProcessed     int `json:"documents_processed"`
	ClaimsExtracted        int `json:"claims_extracted"`
	VerifiedCount          int `json:"verified_count"`
	ContradictedCount      int `json:"contradicted_count"`
	PartiallyVerifiedCount int `json:"partially_verified_count"`
	UnverifiedCount        int `json:"unverified_count"`
}

// ReportClaim is a claim projected into the final report together with its
// derived confidence and the evidence chain that produced it.
type ReportClaim struct {
	Claim      Claim      `json:"claim"`
	Confidence Confidence `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
}

// ReportSource lists one document referenced by report claims.
type ReportSource struct {
	DocumentID uuid.UUID  `json:"document_id"`
	URI        string     `json:"uri"`
	Title      string     `json:"title"`
	SourceType SourceType `json:"source_type"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// ResearchReport is a read-only projection over the final store state. It is
// assembled once at Composition completion (or best-effort on failure) and
// never mutated after emission.
type ResearchReport struct {
	RunID            uuid.UUID        `json:"run_id"`
	Query            ResearchQuery    `json:"query"`
	ExecutiveSummary string           `json:"executive_summary"`
	Statistics       ReportStatistics `json:"statistics"`
	// Claims are grouped by confidence class, strongest first.
	Claims          map[Confidence][]ReportClaim `json:"claims"`
	Sources         []ReportSource               `json:"sources"`
	ProvenanceNotes []string                     `json:"provenance_notes"`
	Partial         bool                         `json:"partial"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}

// Summary renders the one-paragraph digest that the knowledge cache indexes
// for future runs.
func (r *ResearchReport) Summary() string {
	if r.ExecutiveSummary != "" {
		return r.ExecutiveSummary
	}
	return r.Query.Text
}
