package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies the kind of source a document was fetched from.
type SourceType string

const (
	SourceWeb      SourceType = "web"
	SourcePDF      SourceType = "pdf"
	SourceAcademic SourceType = "academic"
	SourceVideo    SourceType = "video"
	SourceOther    SourceType = "other"
)

// Constraints bound a research run. Zero values mean "no constraint".
type Constraints struct {
	StartDate    time.Time    `json:"start_date,omitempty"`
	EndDate      time.Time    `json:"end_date,omitempty"`
	SourceTypes  []SourceType `json:"source_types,omitempty"`
	MaxDocuments int          `json:"max_documents,omitempty"`
	// DepthLevel ranges 1-5 and scales how many sub-questions Discovery plans.
	DepthLevel int `json:"depth_level,omitempty"`
}

// ResearchQuery is the immutable input of one run. It is owned by the
// orchestrator for the lifetime of that run and never mutated after Start.
type ResearchQuery struct {
	ID          uuid.UUID   `json:"id"`
	Text        string      `json:"text"`
	Constraints Constraints `json:"constraints"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Document is an immutable snapshot of fetched source content. Once ingested
// into the store it is read-only.
type Document struct {
	ID         uuid.UUID  `json:"id"`
	QueryID    uuid.UUID  `json:"query_id"`
	URI        string     `json:"uri"`
	Title      string     `json:"title"`
	SourceType SourceType `json:"source_type"`
	Content    string     `json:"content"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// ClaimKind categorizes the nature of an extracted claim.
type ClaimKind string

const (
	ClaimNumerical    ClaimKind = "numerical"
	ClaimComparative  ClaimKind = "comparative"
	ClaimExperimental ClaimKind = "experimental"
	ClaimOther        ClaimKind = "other"
)

// Claim is a factual assertion extracted from a document. Claims with
// matching normalized-text fingerprints are merged by the store; identity
// (ID) survives the merge on the side of the first-registered claim.
type Claim struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  uuid.UUID `json:"document_id"`
	Text        string    `json:"text"`
	Kind        ClaimKind `json:"kind"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Stance states how a piece of evidence relates to its claim.
type Stance string

const (
	StanceSupports    Stance = "supports"
	StanceContradicts Stance = "contradicts"
	StanceNeutral     Stance = "neutral"
)

// Locator points at where inside a source document evidence was found.
type Locator struct {
	Section string `json:"section,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// Evidence ties a claim to a source document with a stance. A claim
// accumulates zero or more evidence records from distinct documents.
type Evidence struct {
	ID               uuid.UUID `json:"id"`
	ClaimID          uuid.UUID `json:"claim_id"`
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	Stance           Stance    `json:"stance"`
	Excerpt          string    `json:"excerpt,omitempty"`
	Locator          Locator   `json:"locator"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Confidence is the derived verification class of a claim. It is never
// stored; it is recomputed from the claim's evidence set.
type Confidence string

const (
	ConfidenceVerified          Confidence = "verified"
	ConfidencePartiallyVerified Confidence = "partially_verified"
	ConfidenceContradicted      Confidence = "contradicted"
	ConfidenceUnverified        Confidence = "unverified"
)

// SearchHit is one candidate source returned by a search-kind capability
// before it has been fetched into a Document.
type SearchHit struct {
	URI        string     `json:"uri"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet,omitempty"`
	SourceType SourceType `json:"source_type"`
}

// FetchResult is the raw outcome of a scrape-kind capability, before the
// pipeline freezes it into a Document.
type FetchResult struct {
	Content     string `json:"content"`
	Title       string `json:"title,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// NewQuery builds an accepted ResearchQuery from raw submission input.
func NewQuery(text string, c Constraints) ResearchQuery {
	if c.DepthLevel < 1 {
		c.DepthLevel = 1
	}
	if c.DepthLevel > 5 {
		c.DepthLevel = 5
	}
	return ResearchQuery{
		ID:          uuid.New(),
		Text:        text,
		Constraints: c,
		SubmittedAt: time.Now(),
	}
}
