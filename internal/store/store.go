// Package store maintains the per-run graph of documents, claims, and
// evidence with deduplication, confidence scoring, and provenance integrity
// checking. It is the only shared resource mutated by concurrent work units;
// all claim mutations are atomic per fingerprint.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
)

// claimEntry is the mutable record behind one deduplicated claim.
type claimEntry struct {
	claim       models.Claim
	fingerprint string
	evidence    []models.Evidence
	seen        map[uuid.UUID]struct{} // evidence IDs, for idempotent merges
}

// Store is the claim & provenance store for exactly one run.
type Store struct {
	query  models.ResearchQuery
	cfg    config.StoreConfig
	logger *zap.Logger

	mu           sync.RWMutex
	documents    map[uuid.UUID]models.Document
	claims       map[uuid.UUID]*claimEntry
	fingerprints map[string]uuid.UUID // fingerprint -> canonical claim ID
	ordered      []string             // fingerprints in first-seen order, for fuzzy scans
}

// New creates a store owned by the given run query.
func New(query models.ResearchQuery, cfg config.StoreConfig, logger *zap.Logger) *Store {
	return &Store{
		query:        query,
		cfg:          cfg,
		logger:       logger,
		documents:    make(map[uuid.UUID]models.Document),
		claims:       make(map[uuid.UUID]*claimEntry),
		fingerprints: make(map[string]uuid.UUID),
	}
}

// ErrDocumentExists is returned by IngestDocument when the document ID is
// already ingested. Documents are immutable, so callers re-ingesting the same
// snapshot may treat it as success; any other ingest error is a real failure.
var ErrDocumentExists = errors.New("document already ingested")

// IngestDocument snapshots a fetched document into the store. Documents are
// immutable once ingested; re-ingesting an ID is rejected with
// ErrDocumentExists.
func (s *Store) IngestDocument(doc models.Document) error {
	if doc.ID == uuid.Nil {
		return fmt.Errorf("document missing id")
	}
	if doc.QueryID != s.query.ID {
		return fmt.Errorf("document %s belongs to query %s, store owns %s", doc.ID, doc.QueryID, s.query.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %s: %w", doc.ID, ErrDocumentExists)
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now()
	}
	s.documents[doc.ID] = doc
	return nil
}

// Document returns an ingested document by ID.
func (s *Store) Document(id uuid.UUID) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	return doc, ok
}

// Documents returns all ingested documents, ordered by fetch time.
func (s *Store) Documents() []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0, len(s.documents))
	for _, d := range s.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].FetchedAt.Before(out[j].FetchedAt)
	})
	return out
}

// RegisterClaim records an extracted claim, deduplicating by fingerprint.
// Returns the canonical claim ID: the incoming claim's own ID when new, or
// the existing claim's ID when the registration merged. The lookup and merge
// happen under one lock, so two registrations of the same fingerprint can
// never race into divergent identities.
func (s *Store) RegisterClaim(claim models.Claim) (uuid.UUID, error) {
	if claim.ID == uuid.Nil {
		claim.ID = uuid.New()
	}
	if strings.TrimSpace(claim.Text) == "" {
		return uuid.Nil, fmt.Errorf("claim %s has empty text", claim.ID)
	}
	if claim.Kind == "" {
		claim.Kind = models.ClaimOther
	}
	if claim.ExtractedAt.IsZero() {
		claim.ExtractedAt = time.Now()
	}
	fp := Fingerprint(claim.Text)

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.ClaimsRegistered.Inc()

	if canonical, ok := s.fingerprints[fp]; ok {
		metrics.ClaimsMerged.Inc()
		return canonical, nil
	}
	if s.cfg.FuzzyThreshold < 1 {
		if match, ok := s.fuzzyMatchLocked(fp); ok {
			// Alias the new fingerprint to the matched claim so later
			// exact hits on either spelling land on one identity.
			canonical := s.fingerprints[match]
			s.fingerprints[fp] = canonical
			s.ordered = append(s.ordered, fp)
			metrics.ClaimsMerged.Inc()
			return canonical, nil
		}
	}

	entry := &claimEntry{
		claim:       claim,
		fingerprint: fp,
		seen:        make(map[uuid.UUID]struct{}),
	}
	s.claims[claim.ID] = entry
	s.fingerprints[fp] = claim.ID
	s.ordered = append(s.ordered, fp)
	return claim.ID, nil
}

// fuzzyMatchLocked scans known fingerprints in first-seen order and returns
// the first whose similarity clears the threshold. First-seen order keeps the
// result deterministic for a given registration sequence.
func (s *Store) fuzzyMatchLocked(fp string) (string, bool) {
	for _, known := range s.ordered {
		if known == fp {
			continue
		}
		if Similarity(known, fp) >= s.cfg.FuzzyThreshold {
			return known, true
		}
	}
	return "", false
}

// AttachEvidence appends an evidence record to a claim's set. Attaching the
// same evidence ID twice is a no-op, which keeps merges idempotent and
// evidence-set-additive.
func (s *Store) AttachEvidence(claimID uuid.UUID, ev models.Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CollectedAt.IsZero() {
		ev.CollectedAt = time.Now()
	}
	ev.ClaimID = claimID

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.claims[claimID]
	if !ok {
		return fmt.Errorf("claim %s not registered", claimID)
	}
	if _, dup := entry.seen[ev.ID]; dup {
		return nil
	}
	entry.seen[ev.ID] = struct{}{}
	ev.ClaimID = entry.claim.ID
	entry.evidence = append(entry.evidence, ev)
	return nil
}

// Evidence returns a copy of a claim's evidence set.
func (s *Store) Evidence(claimID uuid.UUID) []models.Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	out := make([]models.Evidence, len(entry.evidence))
	copy(out, entry.evidence)
	return out
}

// Confidence recomputes a claim's confidence class from its current evidence.
func (s *Store) Confidence(claimID uuid.UUID) models.Confidence {
	return Score(s.Evidence(claimID), ScorePolicy{ContradictionMargin: s.cfg.ContradictionMargin})
}

// Claims returns the canonical claims in deterministic (first-registered)
// order.
func (s *Store) Claims() []models.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	out := make([]models.Claim, 0, len(s.claims))
	for _, fp := range s.ordered {
		id := s.fingerprints[fp]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if entry, ok := s.claims[id]; ok {
			out = append(out, entry.claim)
		}
	}
	return out
}

// CheckProvenance verifies a claim's full evidence->document->query chain.
// Returns nil when every evidence record points at an ingested document and
// every such document belongs to this run's query.
func (s *Store) CheckProvenance(claimID uuid.UUID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.claims[claimID]
	if !ok {
		return &research.ProvenanceViolation{ClaimID: claimID.String(), Reason: "claim not registered"}
	}
	if _, ok := s.documents[entry.claim.DocumentID]; !ok {
		return &research.ProvenanceViolation{
			ClaimID: claimID.String(),
			Reason:  fmt.Sprintf("origin document %s not ingested", entry.claim.DocumentID),
		}
	}
	for _, ev := range entry.evidence {
		doc, ok := s.documents[ev.SourceDocumentID]
		if !ok {
			return &research.ProvenanceViolation{
				ClaimID: claimID.String(),
				Reason:  fmt.Sprintf("evidence %s references unknown document %s", ev.ID, ev.SourceDocumentID),
			}
		}
		if doc.QueryID != s.query.ID {
			return &research.ProvenanceViolation{
				ClaimID: claimID.String(),
				Reason:  fmt.Sprintf("document %s belongs to a different query", doc.ID),
			}
		}
	}
	return nil
}

// Stats summarizes store contents for progress payloads.
func (s *Store) Stats() (documents, claims int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	for _, id := range s.fingerprints {
		seen[id] = struct{}{}
	}
	return len(s.documents), len(seen)
}

// Query returns the run query that owns this store.
func (s *Store) Query() models.ResearchQuery { return s.query }
