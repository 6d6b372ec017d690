// Package tools holds the built-in capability implementations registered at
// startup, plus the default language-model toolkit. Every implementation is
// invoked through the gateway only; nothing here rate-limits or retries on
// its own.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
)

// Well-known capability names. The orchestrator selects tools by kind, not
// name, but the generate tool is addressed by name from the toolkit.
const (
	NameWebSearch      = "web_search"
	NameWebScrape      = "web_scrape"
	NameAcademicLookup = "academic_lookup"
	NameGenerate       = "generate"
)

// WebSearch queries a SearxNG-compatible JSON search endpoint.
type WebSearch struct {
	client     *http.Client
	baseURL    string
	maxResults int
}

// NewWebSearch builds the search capability against a SearxNG instance.
func NewWebSearch(baseURL string, maxResults int) *WebSearch {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &WebSearch{
		client:     &http.Client{Timeout: 20 * time.Second},
		baseURL:    baseURL,
		maxResults: maxResults,
	}
}

func (t *WebSearch) Name() string       { return NameWebSearch }
func (t *WebSearch) Kind() gateway.Kind { return gateway.KindSearch }

func (t *WebSearch) Invoke(ctx context.Context, args gateway.Args) (any, error) {
	query := args.String("query")
	if query == "" {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: fmt.Errorf("missing query argument")}
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", t.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
		Results []struct {
			URL     string `json:"url"`
			Title   string `json:"title"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &research.ToolTransientError{Tool: t.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}

	hits := make([]models.SearchHit, 0, len(body.Results))
	for _, r := range body.Results {
		if r.URL == "" {
			continue
		}
		hits = append(hits, models.SearchHit{
			URI:        r.URL,
			Title:      r.Title,
			Snippet:    r.Content,
			SourceType: models.SourceWeb,
		})
		if len(hits) >= t.maxResults {
			break
		}
	}
	return hits, nil
}

// statusError maps an HTTP status to the taxonomy: 429 and 5xx are
// transient, other non-2xx are fatal for this request shape.
func statusError(tool string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &research.ToolTransientError{Tool: tool, Err: fmt.Errorf("status %d", status)}
	default:
		return &research.ToolFatalError{Tool: tool, Err: fmt.Errorf("status %d", status)}
	}
}
