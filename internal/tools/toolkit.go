package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/orchestrator"
	"github.com/deepscout/deepscout/internal/research"
)

const (
	// maxPromptDoc bounds how much document content goes into one prompt.
	maxPromptDoc = 6000
	// maxVerifyDocs bounds how many candidate documents a verify prompt sees.
	maxVerifyDocs = 6
)

// NewToolkitBuilder returns the default toolkit: all four collaborators are
// backed by the generate capability through the run's gateway, so every model
// call shares the run's rate limiting and breaker state.
func NewToolkitBuilder() orchestrator.ToolkitBuilder {
	return func(gw *gateway.Gateway) orchestrator.Toolkit {
		return orchestrator.Toolkit{
			Planner:    &llmPlanner{gw: gw},
			Extractor:  &llmExtractor{gw: gw},
			Verifier:   &llmVerifier{gw: gw},
			Summarizer: &llmSummarizer{gw: gw},
		}
	}
}

func generate(ctx context.Context, gw *gateway.Gateway, system, prompt string) (string, error) {
	out, err := gw.Call(ctx, NameGenerate, gateway.Args{"system": system, "prompt": prompt}, 0)
	if err != nil {
		return "", err
	}
	text, ok := out.(string)
	if !ok {
		return "", &research.GenerationError{Err: fmt.Errorf("unexpected completion type %T", out)}
	}
	return text, nil
}

type llmPlanner struct {
	gw *gateway.Gateway
}

func (p *llmPlanner) Plan(ctx context.Context, query models.ResearchQuery, hints []knowledge.Neighbor) ([]string, error) {
	count := 2 + query.Constraints.DepthLevel

	var sb strings.Builder
	fmt.Fprintf(&sb, "Research question: %s\n\n", query.Text)
	if !query.Constraints.StartDate.IsZero() || !query.Constraints.EndDate.IsZero() {
		fmt.Fprintf(&sb, "Time window: %s to %s\n",
			formatDate(query.Constraints.StartDate), formatDate(query.Constraints.EndDate))
	}
	if len(query.Constraints.SourceTypes) > 0 {
		fmt.Fprintf(&sb, "Preferred source types: %v\n", query.Constraints.SourceTypes)
	}
	for _, h := range hints {
		fmt.Fprintf(&sb, "\nPrior related research (%q): %s\n", h.Query, truncateRunes(h.Summary, 500))
	}
	fmt.Fprintf(&sb, "\nProduce %d focused web search queries that together cover this question. Respond with a JSON array of strings only.", count)

	raw, err := generate(ctx, p.gw,
		"You decompose research questions into concrete search queries.",
		sb.String())
	if err != nil {
		return nil, err
	}

	var queries []string
	if err := json.Unmarshal(jsonBlock(raw, '[', ']'), &queries); err != nil {
		return nil, &research.GenerationError{Err: fmt.Errorf("parse sub-queries: %w", err)}
	}
	out := queries[:0]
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

type llmExtractor struct {
	gw *gateway.Gateway
}

func (e *llmExtractor) Extract(ctx context.Context, doc models.Document) ([]models.Claim, error) {
	prompt := fmt.Sprintf(
		"Document title: %s\nDocument URI: %s\n\n%s\n\n"+
			"Extract the distinct factual claims this document makes. "+
			"Classify each as numerical, comparative, experimental, or other. "+
			"Respond with a JSON array of objects {\"text\": string, \"kind\": string} only.",
		doc.Title, doc.URI, truncateRunes(doc.Content, maxPromptDoc))

	raw, err := generate(ctx, e.gw,
		"You extract verifiable factual claims from source documents.",
		prompt)
	if err != nil {
		return nil, err
	}

	var parsed []struct {
		Text string `json:"text"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(jsonBlock(raw, '[', ']'), &parsed); err != nil {
		return nil, &research.GenerationError{Err: fmt.Errorf("parse claims: %w", err)}
	}

	claims := make([]models.Claim, 0, len(parsed))
	for _, p := range parsed {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		claims = append(claims, models.Claim{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			Text:        text,
			Kind:        claimKind(p.Kind),
			ExtractedAt: time.Now(),
		})
	}
	return claims, nil
}

type llmVerifier struct {
	gw *gateway.Gateway
}

func (v *llmVerifier) Verify(ctx context.Context, claim models.Claim, docs []models.Document) (orchestrator.VerifyResult, error) {
	// Cross-check against sources other than the one the claim came from.
	candidates := make([]models.Document, 0, maxVerifyDocs)
	for _, d := range docs {
		if d.ID == claim.DocumentID {
			continue
		}
		candidates = append(candidates, d)
		if len(candidates) >= maxVerifyDocs {
			break
		}
	}
	if len(candidates) == 0 {
		return orchestrator.VerifyResult{}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim under verification: %s\n\nCandidate sources:\n", claim.Text)
	for _, d := range candidates {
		fmt.Fprintf(&sb, "\n--- document %s (%s)\n%s\n", d.ID, d.URI, truncateRunes(d.Content, maxPromptDoc/2))
	}
	sb.WriteString("\nFor each source that bears on the claim, state whether it supports or contradicts it, or is neutral, " +
		"and quote the relevant passage. Respond with a JSON array of objects " +
		"{\"document_id\": string, \"stance\": \"supports\"|\"contradicts\"|\"neutral\", \"excerpt\": string} only. " +
		"Omit sources that say nothing about the claim.")

	raw, err := generate(ctx, v.gw,
		"You verify factual claims against source documents.",
		sb.String())
	if err != nil {
		return orchestrator.VerifyResult{}, err
	}

	var parsed []struct {
		DocumentID string `json:"document_id"`
		Stance     string `json:"stance"`
		Excerpt    string `json:"excerpt"`
	}
	if err := json.Unmarshal(jsonBlock(raw, '[', ']'), &parsed); err != nil {
		return orchestrator.VerifyResult{}, &research.GenerationError{Err: fmt.Errorf("parse evidence: %w", err)}
	}

	known := make(map[uuid.UUID]struct{}, len(candidates))
	for _, d := range candidates {
		known[d.ID] = struct{}{}
	}

	var result orchestrator.VerifyResult
	for _, p := range parsed {
		docID, err := uuid.Parse(p.DocumentID)
		if err != nil {
			continue
		}
		if _, ok := known[docID]; !ok {
			continue
		}
		result.Evidence = append(result.Evidence, models.Evidence{
			ID:               uuid.New(),
			ClaimID:          claim.ID,
			SourceDocumentID: docID,
			Stance:           stance(p.Stance),
			Excerpt:          truncateRunes(p.Excerpt, 500),
			CollectedAt:      time.Now(),
		})
	}
	return result, nil
}

type llmSummarizer struct {
	gw *gateway.Gateway
}

func (s *llmSummarizer) Summarize(ctx context.Context, query models.ResearchQuery, claims []models.ReportClaim) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research question: %s\n\nFindings:\n", query.Text)
	for _, rc := range claims {
		fmt.Fprintf(&sb, "- [%s] %s\n", rc.Confidence, rc.Claim.Text)
	}
	sb.WriteString("\nWrite an executive summary answering the research question from these findings. " +
		"Lead with what is well supported, flag contradicted or unverified points explicitly, " +
		"and do not introduce facts absent from the findings.")

	return generate(ctx, s.gw,
		"You write precise executive summaries of research findings.",
		sb.String())
}

func claimKind(s string) models.ClaimKind {
	switch models.ClaimKind(strings.ToLower(strings.TrimSpace(s))) {
	case models.ClaimNumerical:
		return models.ClaimNumerical
	case models.ClaimComparative:
		return models.ClaimComparative
	case models.ClaimExperimental:
		return models.ClaimExperimental
	default:
		return models.ClaimOther
	}
}

func stance(s string) models.Stance {
	switch models.Stance(strings.ToLower(strings.TrimSpace(s))) {
	case models.StanceSupports:
		return models.StanceSupports
	case models.StanceContradicts:
		return models.StanceContradicts
	default:
		return models.StanceNeutral
	}
}

// jsonBlock slices the outermost open..close region out of model output,
// tolerating prose or code fences around the JSON payload.
func jsonBlock(raw string, opener, closer byte) []byte {
	start := strings.IndexByte(raw, opener)
	end := strings.LastIndexByte(raw, closer)
	if start < 0 || end <= start {
		return []byte(raw)
	}
	return []byte(raw[start : end+1])
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format("2006-01-02")
}
