package store

import (
	"github.com/google/uuid"

	"github.com/deepscout/deepscout/internal/models"
)

// ScorePolicy carries the knobs confidence scoring depends on.
type ScorePolicy struct {
	// ContradictionMargin is how many times supporting evidence must
	// outnumber contradicting evidence before contradicting records stop
	// forcing the contradicted class.
	ContradictionMargin float64
}

// Score derives the confidence class of a claim from its evidence set. The
// function is pure: identical evidence sets always yield identical classes.
//
//   - contradicted: any contradicting evidence, unless supporting records
//     outnumber contradicting ones by the configured margin
//   - verified: supporting evidence from >= 2 distinct documents
//   - partially_verified: supporting evidence from exactly 1 document
//   - unverified: no supporting evidence
func Score(evidence []models.Evidence, policy ScorePolicy) models.Confidence {
	margin := policy.ContradictionMargin
	if margin < 1 {
		margin = 1
	}

	supportDocs := make(map[uuid.UUID]struct{})
	supports, contradicts := 0, 0
	for _, ev := range evidence {
		switch ev.Stance {
		case models.StanceSupports:
			supports++
			supportDocs[ev.SourceDocumentID] = struct{}{}
		case models.StanceContradicts:
			contradicts++
		}
	}

	if contradicts > 0 {
		if float64(supports) >= margin*float64(contradicts) {
			// Support overwhelms contradiction; fall through to the
			// support-based classes.
		} else {
			return models.ConfidenceContradicted
		}
	}

	switch {
	case len(supportDocs) >= 2:
		return models.ConfidenceVerified
	case len(supportDocs) == 1:
		return models.ConfidencePartiallyVerified
	default:
		return models.ConfidenceUnverified
	}
}
