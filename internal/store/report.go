package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepscout/deepscout/internal/metrics"
	"github.com/deepscout/deepscout/internal/models"
)

// ProjectClaims returns the provenance-valid claims with their evidence and
// derived confidence, plus exclusion notes for claims that failed the
// integrity check. The projection is read-only and deterministic for a given
// store state.
func (s *Store) ProjectClaims() (claims []models.ReportClaim, notes []string) {
	for _, claim := range s.Claims() {
		if err := s.CheckProvenance(claim.ID); err != nil {
			notes = append(notes,
				fmt.Sprintf("claim %q excluded: %v", truncate(claim.Text, 80), err))
			continue
		}
		evidence := s.Evidence(claim.ID)
		claims = append(claims, models.ReportClaim{
			Claim:      claim,
			Confidence: Score(evidence, ScorePolicy{ContradictionMargin: s.cfg.ContradictionMargin}),
			Evidence:   evidence,
		})
	}
	return claims, notes
}

// BuildReport projects the current store state into a ResearchReport. Claims
// failing the provenance integrity check are excluded and noted, never
// silently dropped. Partial marks reports assembled after a failed or
// cancelled run.
func (s *Store) BuildReport(summary string, partial bool) *models.ResearchReport {
	report := &models.ResearchReport{
		RunID:            s.query.ID,
		Query:            s.query,
		ExecutiveSummary: summary,
		Claims:           make(map[models.Confidence][]models.ReportClaim),
		Partial:          partial,
		GeneratedAt:      time.Now(),
	}

	projected, notes := s.ProjectClaims()
	report.ProvenanceNotes = notes
	for range notes {
		metrics.ProvenanceViolations.Inc()
	}
	if s.logger != nil {
		for _, note := range notes {
			s.logger.Warn("Excluding claim with broken provenance", zap.String("detail", note))
		}
	}
	_, totalClaims := s.Stats()
	report.Statistics.ClaimsExtracted = totalClaims

	referenced := make(map[uuid.UUID]struct{})
	for _, rc := range projected {
		switch rc.Confidence {
		case models.ConfidenceVerified:
			report.Statistics.VerifiedCount++
		case models.ConfidenceContradicted:
			report.Statistics.ContradictedCount++
		case models.ConfidencePartiallyVerified:
			report.Statistics.PartiallyVerifiedCount++
		default:
			report.Statistics.UnverifiedCount++
		}
		referenced[rc.Claim.DocumentID] = struct{}{}
		for _, ev := range rc.Evidence {
			referenced[ev.SourceDocumentID] = struct{}{}
		}
		report.Claims[rc.Confidence] = append(report.Claims[rc.Confidence], rc)
	}

	for _, doc := range s.Documents() {
		report.Statistics.DocumentsProcessed++
		if _, ok := referenced[doc.ID]; !ok {
			continue
		}
		report.Sources = append(report.Sources, models.ReportSource{
			DocumentID: doc.ID,
			URI:        doc.URI,
			Title:      doc.Title,
			SourceType: doc.SourceType,
			FetchedAt:  doc.FetchedAt,
		})
	}
	return report
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
