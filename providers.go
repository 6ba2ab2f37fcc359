package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// searchProvider is one content-acquisition capability. Providers always
// return results already in CandidateItem shape; callers never see a
// provider-specific format.
type searchProvider interface {
	Name() string
	// NeedsProjectContext reports whether the provider is only worth
	// calling when project context is available.
	NeedsProjectContext() bool
	Search(ctx context.Context, query string, project *Project) ([]CandidateItem, error)
}

// providerChain tries providers in declared order and stops at the first
// success. A provider failing (error or malformed output) falls through to
// the next one; exhausting the chain fails the query without aborting the
// surrounding batch.
type providerChain struct {
	providers []searchProvider
	timeout   time.Duration
}

func newProviderChain(cfg Config) *providerChain {
	var providers []searchProvider
	if cfg.AgentSearchConfigured() {
		providers = append(providers, &agentSearchProvider{url: cfg.AgentSearchURL})
	}
	if cfg.SemanticSearchConfigured() {
		providers = append(providers, &semanticSearchProvider{url: cfg.SemanticSearchURL})
	}
	// Raw web search has the weakest relevance guarantees; it sits at the
	// bottom of the chain and only when explicitly enabled.
	if cfg.WebSearchEnabled {
		providers = append(providers, &webSearchProvider{apiKey: cfg.WebSearchAPIKey})
	}
	return &providerChain{providers: providers, timeout: cfg.ProviderTimeout()}
}

// Run executes the fallback protocol for one query. It returns the items
// from the first successful provider and the names of every provider
// attempted, in order.
func (c *providerChain) Run(ctx context.Context, query string, project *Project) ([]CandidateItem, []string, error) {
	if len(c.providers) == 0 {
		return nil, nil, fmt.Errorf("no search providers configured")
	}

	var attempted []string
	var lastErr error
	for _, p := range c.providers {
		if p.NeedsProjectContext() && project == nil {
			continue
		}
		attempted = append(attempted, p.Name())

		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		items, err := p.Search(pctx, query, project)
		cancel()
		if err != nil {
			log.Printf("provider failed name=%s query=%q err=%v", p.Name(), query, err)
			lastErr = err
			continue
		}
		for i := range items {
			items[i].SearchQuery = query
		}
		return items, attempted, nil
	}

	if len(attempted) == 0 {
		return nil, nil, fmt.Errorf("no eligible providers for query %q", query)
	}
	return nil, attempted, fmt.Errorf("all %d providers failed for query %q: %w", len(attempted), query, lastErr)
}

// --- Agent provider ---

// agentSearchProvider fronts a research-agent service that uses project
// semantic context to pre-filter results.
type agentSearchProvider struct {
	url string
}

func (p *agentSearchProvider) Name() string              { return "agent" }
func (p *agentSearchProvider) NeedsProjectContext() bool { return true }

type agentSearchRequest struct {
	Query   string   `json:"query"`
	Domain  string   `json:"domain,omitempty"`
	Goals   []string `json:"goals,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Results int      `json:"results,omitempty"`
}

type providerResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Category    string `json:"category"`
	Popularity  string `json:"popularity"`
}

type providerResponse struct {
	Results []providerResult `json:"results"`
}

func (p *agentSearchProvider) Search(ctx context.Context, query string, project *Project) ([]CandidateItem, error) {
	req := agentSearchRequest{Query: query, Results: 10}
	if project != nil {
		req.Domain = project.Domain
		req.Goals = project.Goals
		req.Topics = project.Interests
	}
	return postSearchRequest(ctx, p.url, req)
}

// --- Semantic provider ---

// semanticSearchProvider fronts a generic semantic search service. Works
// with or without context, so it is a safe top-of-chain candidate when the
// agent is not configured.
type semanticSearchProvider struct {
	url string
}

func (p *semanticSearchProvider) Name() string              { return "semantic" }
func (p *semanticSearchProvider) NeedsProjectContext() bool { return false }

func (p *semanticSearchProvider) Search(ctx context.Context, query string, project *Project) ([]CandidateItem, error) {
	return postSearchRequest(ctx, p.url, agentSearchRequest{Query: query, Results: 10})
}

func postSearchRequest(ctx context.Context, endpoint string, reqBody agentSearchRequest) ([]CandidateItem, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}
	return convertProviderResults(parsed.Results), nil
}

func convertProviderResults(results []providerResult) []CandidateItem {
	var items []CandidateItem
	for _, r := range results {
		title := strings.TrimSpace(r.Title)
		u := strings.TrimSpace(r.URL)
		if title == "" || u == "" {
			continue
		}
		items = append(items, CandidateItem{
			Title:          title,
			Description:    strings.TrimSpace(r.Description),
			Source:         u,
			PublishedAt:    parseProviderTime(r.PublishedAt),
			CategoryHint:   strings.TrimSpace(r.Category),
			PopularityHint: strings.TrimSpace(r.Popularity),
		})
	}
	return items
}

func parseProviderTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// --- Web search provider (last resort) ---

type webSearchProvider struct {
	apiKey  string
	baseURL string // overridable in tests
}

func (p *webSearchProvider) Name() string              { return "websearch" }
func (p *webSearchProvider) NeedsProjectContext() bool { return false }

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

func (p *webSearchProvider) Search(ctx context.Context, query string, project *Project) ([]CandidateItem, error) {
	base := p.baseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1/web/search"
	}
	apiURL := fmt.Sprintf("%s?q=%s&count=10", base, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("web search http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed braveSearchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("malformed web search response: %w", err)
	}

	var items []CandidateItem
	for _, r := range parsed.Web.Results {
		title := strings.TrimSpace(r.Title)
		u := strings.TrimSpace(r.URL)
		if title == "" || u == "" {
			continue
		}
		items = append(items, CandidateItem{
			Title:       title,
			Description: strings.TrimSpace(r.Description),
			Source:      u,
			PublishedAt: parseProviderTime(r.PageAge),
		})
	}
	return items, nil
}
