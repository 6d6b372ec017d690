package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
)

const crossrefBase = "https://api.crossref.org/works"

// AcademicLookup searches scholarly metadata through the Crossref REST API.
type AcademicLookup struct {
	client     *http.Client
	mailto     string
	maxResults int
}

// NewAcademicLookup builds the Crossref capability. mailto joins the polite
// pool when set; Crossref asks for it but does not require it.
func NewAcademicLookup(mailto string, maxResults int) *AcademicLookup {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &AcademicLookup{
		client:     &http.Client{Timeout: 20 * time.Second},
		mailto:     mailto,
		maxResults: maxResults,
	}
}

func (t *AcademicLookup) Name() string       { return NameAcademicLookup }
func (t *AcademicLookup) Kind() gateway.Kind { return gateway.KindAcademicLookup }

func (t *AcademicLookup) Invoke(ctx context.Context, args gateway.Args) (any, error) {
	query := args.String("query")
	if query == "" {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: fmt.Errorf("missing query argument")}
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("rows", fmt.Sprintf("%d", t.maxResults))
	if t.mailto != "" {
		params.Set("mailto", t.mailto)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, crossrefBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(t.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	var body struct {
		Message struct {
			Items []struct {
				DOI      string   `json:"DOI"`
				Title    []string `json:"title"`
				Abstract string   `json:"abstract"`
				URL      string   `json:"URL"`
			} `json:"items"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &research.ToolTransientError{Tool: t.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	hits := make([]models.SearchHit, 0, len(body.Message.Items))
	for _, item := range body.Message.Items {
		uri := item.URL
		if uri == "" && item.DOI != "" {
			uri = "https://doi.org/" + item.DOI
		}
		if uri == "" {
			continue
		}
		title := ""
		if len(item.Title) > 0 {
			title = item.Title[0]
		}
		hits = append(hits, models.SearchHit{
			URI:        uri,
			Title:      title,
			Snippet:    strings.TrimSpace(item.Abstract),
			SourceType: models.SourceAcademic,
		})
	}
	return hits, nil
}
