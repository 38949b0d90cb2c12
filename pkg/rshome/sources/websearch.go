package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

const (
	defaultBraveURL   = "https://api.search.brave.com/res/v1/web/search"
	maxSearchResults  = 10
	defaultSearchSize = 5
)

// WebSearch queries the Brave Search API.
type WebSearch struct {
	BaseURL string

	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewWebSearch creates a Brave search adapter.
func NewWebSearch(apiKey string, logger *slog.Logger) *WebSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearch{
		BaseURL: defaultBraveURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger.With("component", "websearch"),
	}
}

// Search returns up to count results formatted as a numbered list.
func (s *WebSearch) Search(ctx context.Context, query string, count int) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", faults.Invalid("query must not be empty")
	}
	if count <= 0 {
		count = defaultSearchSize
	}
	count = min(count, maxSearchResults)
	s.logger.Info("searching the web", "query", query, "count", count)

	reqURL := fmt.Sprintf("%s?q=%s&count=%d", s.BaseURL, url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("brave search returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 200*1024)).Decode(&result); err != nil {
		return "", fmt.Errorf("parsing brave results: %w", err)
	}

	if len(result.Web.Results) == 0 {
		return fmt.Sprintf("No results found for: %s", query), nil
	}

	var sb strings.Builder
	for i, r := range result.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
