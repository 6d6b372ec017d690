package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/models"
	"github.com/deepscout/deepscout/internal/research"
)

const maxFetchBytes = 2 << 20 // 2 MiB cap on fetched bodies

// WebScrape fetches a URL and reduces HTML to readable text. Non-HTML
// content types are passed through as-is.
type WebScrape struct {
	client    *http.Client
	userAgent string
}

func NewWebScrape(userAgent string) *WebScrape {
	if userAgent == "" {
		userAgent = "deepscout/1.0"
	}
	return &WebScrape{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: userAgent,
	}
}

func (t *WebScrape) Name() string       { return NameWebScrape }
func (t *WebScrape) Kind() gateway.Kind { return gateway.KindScrape }

func (t *WebScrape) Invoke(ctx context.Context, args gateway.Args) (any, error) {
	target := args.String("url")
	if target == "" {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: fmt.Errorf("missing url argument")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &research.ToolFatalError{Tool: t.Name(), Err: err}
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(t.Name(), resp.StatusCode); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, &research.ToolTransientError{Tool: t.Name(), Err: fmt.Errorf("read body: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		return models.FetchResult{Content: string(raw), ContentType: contentType}, nil
	}

	title, text := extractText(string(raw))
	return models.FetchResult{Content: text, Title: title, ContentType: contentType}, nil
}

// extractText walks the HTML tree collecting visible text, skipping script,
// style, and nav chrome. It returns the page title separately.
func extractText(page string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", page
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer", "header", "aside":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				sb.WriteString(s)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.TrimSpace(sb.String())
}
