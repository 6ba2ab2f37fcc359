package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// --- Relevance classification ---

func buildClassifyPrompts(project Project, item CandidateItem) (string, string) {
	systemPrompt := fmt.Sprintf(`You rate whether a piece of content is relevant to a project.
Project domain: %s
Project goals:
%s
Project interests:
%s

Rate relevance from 1 (irrelevant) to 10 (directly useful for the goals).
Also assign up to three category labels and one type from: article, discussion, news, research, tool, other.
Only use a specific type when the content clearly is one; when unsure, use "other". Do not default to "article".

Respond with JSON only (no markdown):
{"relevanceScore": 7, "categories": ["...", "..."], "type": "article", "reasoning": "..."}`,
		project.Domain,
		"- "+strings.Join(project.Goals, "\n- "),
		"- "+strings.Join(project.Interests, "\n- "))

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	if item.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", item.Description)
	}
	fmt.Fprintf(&b, "URL: %s\n", item.Source)
	if item.CategoryHint != "" {
		fmt.Fprintf(&b, "Newsletter section: %s\n", item.CategoryHint)
	}
	if item.PopularityHint != "" {
		fmt.Fprintf(&b, "Popularity: %s\n", item.PopularityHint)
	}
	if item.SearchQuery != "" {
		fmt.Fprintf(&b, "Found via query: %s\n", item.SearchQuery)
	}
	return systemPrompt, "Rate this content:\n\n" + b.String()
}

var (
	scoreSalvageRe      = regexp.MustCompile(`"relevanceScore"\s*:\s*"?(\d+)"?`)
	searchSalvageRe     = regexp.MustCompile(`"search"\s*:\s*(true|false)`)
	typeSalvageRe       = regexp.MustCompile(`"type"\s*:\s*"([^"]*)"`)
	categoriesSalvageRe = regexp.MustCompile(`"categories"\s*:\s*\[([^\]]*)\]`)
	reasoningSalvageRe  = regexp.MustCompile(`"reasoning"\s*:\s*"([^"]*)"`)
	quotedStringRe      = regexp.MustCompile(`"([^"]*)"`)
)

type classifierResponse struct {
	RelevanceScore json.RawMessage `json:"relevanceScore"`
	Categories     []string        `json:"categories"`
	Type           string          `json:"type"`
	Reasoning      string          `json:"reasoning"`
}

// parseClassifierResponse turns whatever the model sent back into a usable
// ClassifiedItem. The ladder is strict JSON, then fence stripping, then
// per-field regex salvage, then safe defaults (score 5, type other) so an
// ambiguous response leans toward inclusion rather than a dropped item.
// The candidate's source URL is preserved no matter what the response says.
func parseClassifierResponse(responseText string, item CandidateItem) ClassifiedItem {
	out := ClassifiedItem{
		CandidateItem:  item,
		RelevanceScore: 5,
		ContentType:    ContentTypeOther,
	}

	text := stripCodeFences(responseText)

	var parsed classifierResponse
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		out.RelevanceScore = clampScore(parseScoreField(parsed.RelevanceScore), 5)
		out.Categories = normalizeList(parsed.Categories)
		out.ContentType = ParseContentType(parsed.Type)
		out.Reasoning = strings.TrimSpace(parsed.Reasoning)
		return out
	}

	// Salvage individual fields from a truncated or otherwise invalid body.
	salvaged := false
	if m := scoreSalvageRe.FindStringSubmatch(text); m != nil {
		if score, err := strconv.Atoi(m[1]); err == nil {
			out.RelevanceScore = clampScore(score, 5)
			salvaged = true
		}
	}
	if m := typeSalvageRe.FindStringSubmatch(text); m != nil {
		out.ContentType = ParseContentType(m[1])
		salvaged = true
	}
	if m := categoriesSalvageRe.FindStringSubmatch(text); m != nil {
		var cats []string
		for _, q := range quotedStringRe.FindAllStringSubmatch(m[1], -1) {
			cats = append(cats, q[1])
		}
		out.Categories = normalizeList(cats)
		salvaged = true
	}
	if m := reasoningSalvageRe.FindStringSubmatch(text); m != nil {
		out.Reasoning = strings.TrimSpace(m[1])
	}

	if !salvaged {
		log.Printf("classify unparseable response, using defaults source=%s len=%d", item.Source, len(responseText))
	}
	return out
}

// parseScoreField accepts the expected number as well as model outputs like
// "7" or 7.0.
func parseScoreField(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt
	}
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return int(asFloat)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(asString)); err == nil {
			return v
		}
	}
	return 0
}

func clampScore(score, fallback int) int {
	if score == 0 {
		return fallback
	}
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// classifyCandidate returns an error only for call-level failure (transport,
// cancellation). A malformed response is not an error: it goes through the
// salvage ladder and its defaults. The caller decides what a failed call
// means; a defaulted score for an item the model never saw would fabricate a
// record.
func classifyCandidate(ctx context.Context, cfg Config, project Project, item CandidateItem) (ClassifiedItem, LLMUsage, error) {
	systemPrompt, userPrompt := buildClassifyPrompts(project, item)
	responseText, usage, err := callAnthropic(ctx, cfg.AnthropicAPIKey, cfg.LLMModel, systemPrompt, userPrompt)
	if err != nil {
		return ClassifiedItem{}, usage, err
	}
	return parseClassifierResponse(responseText, item), usage, nil
}

// classifyBatch runs classification with a bounded worker pool. Ordering of
// results follows the input slice, but completion order is unspecified.
// Items whose call failed are dropped, and once the batch context is
// cancelled the remaining jobs are skipped outright.
func classifyBatch(ctx context.Context, cfg Config, project Project, items []CandidateItem) ([]ClassifiedItem, LLMUsage) {
	if len(items) == 0 {
		return nil, LLMUsage{}
	}

	workers := cfg.ClassifyWorkers
	if workers > len(items) {
		workers = len(items)
	}

	results := make([]ClassifiedItem, len(items))
	done := make([]bool, len(items))
	usages := make([]LLMUsage, len(items))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				ictx, cancel := context.WithTimeout(ctx, cfg.ClassifyTimeout())
				item, usage, err := classifyCandidate(ictx, cfg, project, items[idx])
				cancel()
				usages[idx] = usage
				if err != nil {
					log.Printf("classify call failed source=%s err=%v (item dropped)", items[idx].Source, err)
					continue
				}
				results[idx] = item
				done[idx] = true
			}
		}()
	}
	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var out []ClassifiedItem
	total := LLMUsage{}
	for i, u := range usages {
		total.Add(u)
		if done[i] {
			out = append(out, results[i])
		}
	}
	if dropped := len(items) - len(out); dropped > 0 {
		log.Printf("classify batch dropped project=%s dropped=%d of=%d", project.ID, dropped, len(items))
	}
	log.Printf("classify batch done project=%s items=%d classified=%d tokens_in=%d tokens_out=%d",
		project.ID, len(items), len(out), total.InputTokens, total.OutputTokens)
	return out, total
}

// --- Search necessity evaluation ---

// EvaluateSearchNecessity asks the model whether a fresh search is worth
// running given recent activity. Callers fail open on error.
func EvaluateSearchNecessity(ctx context.Context, cfg Config, project Project, recentCount int, recentFeedback []Discovery) (bool, string, error) {
	systemPrompt := `You decide whether a content discovery system should run a fresh search for a project now.
Searching again too soon wastes work when recent findings have not been reviewed; waiting too long makes the feed stale.

Respond with JSON only (no markdown):
{"search": true, "reason": "..."}`

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (domain: %s)\n", project.Name, project.Domain)
	fmt.Fprintf(&b, "Discoveries found in the last %dh: %d\n", cfg.RecencyWindowHours, recentCount)
	fmt.Fprintf(&b, "Project last updated: %s\n", project.LastUpdated.Format("2006-01-02 15:04"))
	if len(recentFeedback) == 0 {
		b.WriteString("Recent user responses: none\n")
	} else {
		b.WriteString("Recent user responses:\n")
		for _, d := range recentFeedback {
			verdict := "not useful"
			if d.FeedbackUseful != nil && *d.FeedbackUseful {
				verdict = "useful"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", verdict, d.Title)
		}
	}

	responseText, _, err := callAnthropic(ctx, cfg.AnthropicAPIKey, cfg.LLMModel, systemPrompt, b.String())
	if err != nil {
		return false, "", err
	}

	text := stripCodeFences(responseText)
	var decision struct {
		Search bool   `json:"search"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &decision); err == nil {
		return decision.Search, decision.Reason, nil
	}
	if m := searchSalvageRe.FindStringSubmatch(text); m != nil {
		return m[1] == "true", "salvaged from malformed evaluator response", nil
	}
	return false, "", fmt.Errorf("unparseable necessity response: %s", text)
}

// --- Query generation ---

var absoluteYearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// stripAbsoluteYears removes year tokens so generated queries do not narrow
// matches to a single calendar year.
func stripAbsoluteYears(q string) string {
	return squashSpace(absoluteYearRe.ReplaceAllString(q, ""))
}

// GenerateSearchQueries produces the run's query batch from project goals
// and interests. On model failure the caller falls back to templateQueries.
func GenerateSearchQueries(ctx context.Context, cfg Config, project Project) ([]string, LLMUsage, error) {
	systemPrompt := fmt.Sprintf(`You generate web search queries for a content discovery system.
Produce exactly %d short queries that would surface recent, high-quality content for the project below.
Do not include absolute dates or years in any query.

Respond with JSON only (no markdown):
["query one", "query two"]`, cfg.SearchQueryCount)

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nDomain: %s\n", project.Name, project.Domain)
	fmt.Fprintf(&b, "Goals:\n- %s\n", strings.Join(project.Goals, "\n- "))
	fmt.Fprintf(&b, "Interests:\n- %s\n", strings.Join(project.Interests, "\n- "))

	responseText, usage, err := callAnthropic(ctx, cfg.AnthropicAPIKey, cfg.LLMModel, systemPrompt, b.String())
	if err != nil {
		return nil, usage, err
	}

	text := stripCodeFences(responseText)
	var queries []string
	if err := json.Unmarshal([]byte(text), &queries); err != nil {
		return nil, usage, fmt.Errorf("parsing query response: %w (response: %s)", err, text)
	}

	cleaned := sanitizeQueries(queries, cfg.SearchQueryCount)
	if len(cleaned) == 0 {
		return nil, usage, fmt.Errorf("query response contained no usable queries")
	}
	return cleaned, usage, nil
}

// templateQueries is the deterministic fallback when query generation
// fails: simple combinations of interests and goals, no dates.
func templateQueries(project Project, n int) []string {
	var queries []string
	for _, interest := range project.Interests {
		queries = append(queries, fmt.Sprintf("%s latest developments", interest))
	}
	for _, goal := range project.Goals {
		queries = append(queries, fmt.Sprintf("%s %s", project.Domain, goal))
	}
	if len(queries) == 0 && project.Domain != "" {
		queries = append(queries, fmt.Sprintf("%s news and tools", project.Domain))
	}
	return sanitizeQueries(queries, n)
}

func sanitizeQueries(queries []string, limit int) []string {
	var cleaned []string
	for _, q := range queries {
		q = stripAbsoluteYears(q)
		if q != "" {
			cleaned = append(cleaned, q)
		}
	}
	cleaned = normalizeList(cleaned)
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return cleaned
}
