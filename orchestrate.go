package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type mailboxAPI interface {
	FetchUnreadFrom(ctx context.Context, senders []string) ([]RawMessage, error)
}

// Orchestrator drives one search or ingest run end to end:
// necessity check → query generation → provider fan-out → extraction →
// classification → merge → project bookkeeping.
type Orchestrator struct {
	cfg     Config
	db      *sql.DB
	engine  *MergeEngine
	chain   *providerChain
	mailbox mailboxAPI

	// Seams for the external semantic capabilities.
	classifyBatch     func(ctx context.Context, cfg Config, project Project, items []CandidateItem) ([]ClassifiedItem, LLMUsage)
	generateQueries   func(ctx context.Context, cfg Config, project Project) ([]string, LLMUsage, error)
	evaluateNecessity func(ctx context.Context, cfg Config, project Project, recentCount int, recentFeedback []Discovery) (bool, string, error)
}

func NewOrchestrator(cfg Config, db *sql.DB, engine *MergeEngine, chain *providerChain, mailbox mailboxAPI) *Orchestrator {
	return &Orchestrator{
		cfg:               cfg,
		db:                db,
		engine:            engine,
		chain:             chain,
		mailbox:           mailbox,
		classifyBatch:     classifyBatch,
		generateQueries:   GenerateSearchQueries,
		evaluateNecessity: EvaluateSearchNecessity,
	}
}

type SearchResult struct {
	Skipped       bool
	SkipReason    string
	Queries       []string
	QueriesFailed int
	Candidates    int
	Merge         MergeStats
	Usage         LLMUsage
}

// RunProjectSearch executes the full state machine for one project. Only a
// persistence outage surfaces as an error; provider and classifier trouble
// degrades to counters and log lines. The project's last_updated timestamp
// moves at the end of every run, including skips and empty results.
func (o *Orchestrator) RunProjectSearch(ctx context.Context, project Project, now time.Time) (SearchResult, error) {
	var result SearchResult

	run, reason := o.shouldSearch(ctx, project, now)
	if !run {
		result.Skipped = true
		result.SkipReason = reason
		log.Printf("search skipped project=%s reason=%q", project.ID, reason)
		return result, TouchProjectLastUpdated(o.db, project.ID, now)
	}
	log.Printf("search starting project=%s reason=%q", project.ID, reason)

	queries, usage, err := o.generateQueries(ctx, o.cfg, project)
	result.Usage.Add(usage)
	if err != nil {
		log.Printf("query generation failed project=%s err=%v, using templates", project.ID, err)
		queries = templateQueries(project, o.cfg.SearchQueryCount)
	}
	result.Queries = queries
	if len(queries) == 0 {
		log.Printf("search no queries project=%s", project.ID)
		return result, TouchProjectLastUpdated(o.db, project.ID, now)
	}

	// Fan out: queries are independent; one failure never cancels the rest.
	type queryResult struct {
		items     []CandidateItem
		attempted []string
		err       error
	}
	results := make([]queryResult, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(idx int, query string) {
			defer wg.Done()
			items, attempted, err := o.chain.Run(ctx, query, &project)
			results[idx] = queryResult{items: items, attempted: attempted, err: err}
		}(i, q)
	}
	wg.Wait()

	// Overlapping queries surface the same URL more than once; classify
	// each source a single time.
	seenSource := make(map[string]bool)
	var candidates []CandidateItem
	duplicates := 0
	for i, r := range results {
		if r.err != nil {
			result.QueriesFailed++
			log.Printf("search query failed project=%s query=%q attempted=%s err=%v",
				project.ID, queries[i], strings.Join(r.attempted, ","), r.err)
			continue
		}
		log.Printf("search query done project=%s query=%q provider=%s items=%d",
			project.ID, queries[i], lastAttempted(r.attempted), len(r.items))
		for _, item := range r.items {
			if item.Source != "" {
				if seenSource[item.Source] {
					duplicates++
					continue
				}
				seenSource[item.Source] = true
			}
			candidates = append(candidates, item)
		}
	}
	result.Candidates = len(candidates)
	if duplicates > 0 {
		log.Printf("search cross-query duplicates project=%s skipped=%d", project.ID, duplicates)
	}

	if result.QueriesFailed == len(queries) {
		// The run still completes; callers must not be blocked by a
		// transient outage of every content source.
		log.Printf("search no methods succeeded project=%s queries=%d", project.ID, len(queries))
		return result, TouchProjectLastUpdated(o.db, project.ID, now)
	}

	classified, usage := o.classifyBatch(ctx, o.cfg, project, candidates)
	result.Usage.Add(usage)
	if err := ctx.Err(); err != nil {
		// A cancelled run must not merge; a partial classification pass
		// says nothing reliable about what it skipped.
		log.Printf("search aborted project=%s err=%v", project.ID, err)
		return result, err
	}

	result.Merge = o.engine.MergeBatch(project.ID, &project, classified, now)
	log.Printf("search merge done project=%s inserted=%d updated=%d unchanged=%d below_threshold=%d",
		project.ID, result.Merge.Inserted, result.Merge.Updated, result.Merge.Unchanged, result.Merge.BelowThreshold)

	return result, TouchProjectLastUpdated(o.db, project.ID, now)
}

// shouldSearch is the necessity check. A stale project always searches;
// a recently active one asks the evaluator, and evaluator failure fails
// open toward freshness.
func (o *Orchestrator) shouldSearch(ctx context.Context, project Project, now time.Time) (bool, string) {
	windowStart := now.Add(-o.cfg.RecencyWindow())

	recentCount, err := CountDiscoveriesSince(o.db, project.ID, windowStart)
	if err != nil {
		log.Printf("necessity count error project=%s err=%v", project.ID, err)
		return true, "recent discovery count unavailable; searching anyway"
	}
	if recentCount == 0 || project.LastUpdated.Before(windowStart) {
		return true, fmt.Sprintf("stale: %d recent discoveries, last updated %s",
			recentCount, project.LastUpdated.Format("2006-01-02 15:04"))
	}

	feedback, err := GetRecentFeedback(o.db, project.ID, windowStart, 10)
	if err != nil {
		log.Printf("necessity feedback error project=%s err=%v", project.ID, err)
	}

	run, reason, err := o.evaluateNecessity(ctx, o.cfg, project, recentCount, feedback)
	if err != nil {
		log.Printf("necessity evaluator failed project=%s err=%v (failing open)", project.ID, err)
		return true, "evaluator unavailable; searching anyway"
	}
	return run, reason
}

func lastAttempted(attempted []string) string {
	if len(attempted) == 0 {
		return "none"
	}
	return attempted[len(attempted)-1]
}

func FormatSearchSummary(r SearchResult) string {
	if r.Skipped {
		return fmt.Sprintf("Search skipped: %s", r.SkipReason)
	}
	if len(r.Queries) == 0 {
		return "Search ran with no queries."
	}
	if r.QueriesFailed == len(r.Queries) {
		return fmt.Sprintf("All %d queries failed; no content sources reachable.", len(r.Queries))
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("%d new", r.Merge.Inserted))
	if r.Merge.Updated > 0 {
		parts = append(parts, fmt.Sprintf("%d improved", r.Merge.Updated))
	}
	if r.Merge.Unchanged > 0 {
		parts = append(parts, fmt.Sprintf("%d already tracked", r.Merge.Unchanged))
	}
	if r.Merge.BelowThreshold > 0 {
		parts = append(parts, fmt.Sprintf("%d below threshold", r.Merge.BelowThreshold))
	}
	msg := fmt.Sprintf("Searched %d queries (%d failed), %d candidates: %s",
		len(r.Queries), r.QueriesFailed, r.Candidates, strings.Join(parts, ", "))
	if len(r.Merge.Errors) > 0 {
		msg += fmt.Sprintf("\nWarnings:\n%s", strings.Join(r.Merge.Errors, "\n"))
	}
	return msg
}

// --- Newsletter ingest ---

type IngestResult struct {
	Messages   int
	Extracted  int
	Candidates int
	Merge      MergeStats
	Usage      LLMUsage
	Errors     []string
}

// IngestNewsletters pulls unread messages from the configured senders and
// runs them through the same extract → classify → merge pipeline. Per-
// message extraction trouble is counted, never fatal.
func (o *Orchestrator) IngestNewsletters(ctx context.Context, project Project, now time.Time) (IngestResult, error) {
	var result IngestResult
	if o.mailbox == nil || len(o.cfg.NewsletterSenders) == 0 {
		return result, fmt.Errorf("mailbox not configured")
	}

	messages, err := o.mailbox.FetchUnreadFrom(ctx, o.cfg.NewsletterSenders)
	if err != nil {
		return result, fmt.Errorf("fetching newsletters: %w", err)
	}
	result.Messages = len(messages)

	var candidates []CandidateItem
	for _, msg := range messages {
		format := DetectSourceFormat(msg.Sender)
		items := ExtractCandidates(msg.Body(), format)
		log.Printf("ingest extracted message=%s sender=%s format=%s items=%d",
			msg.ID, msg.Sender, format, len(items))
		for i := range items {
			if items[i].PublishedAt.IsZero() {
				items[i].PublishedAt = msg.Date
			}
		}
		candidates = append(candidates, items...)
	}
	result.Extracted = len(candidates)
	result.Candidates = len(candidates)

	classified, usage := o.classifyBatch(ctx, o.cfg, project, candidates)
	result.Usage.Add(usage)
	if err := ctx.Err(); err != nil {
		log.Printf("ingest aborted project=%s err=%v", project.ID, err)
		return result, err
	}

	result.Merge = o.engine.MergeBatch(project.ID, &project, classified, now)
	result.Errors = result.Merge.Errors
	log.Printf("ingest merge done project=%s messages=%d inserted=%d updated=%d unchanged=%d below_threshold=%d",
		project.ID, result.Messages, result.Merge.Inserted, result.Merge.Updated,
		result.Merge.Unchanged, result.Merge.BelowThreshold)

	return result, TouchProjectLastUpdated(o.db, project.ID, now)
}

func FormatIngestSummary(r IngestResult) string {
	if r.Messages == 0 {
		return "No unread newsletters."
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("%d new", r.Merge.Inserted))
	if r.Merge.Updated > 0 {
		parts = append(parts, fmt.Sprintf("%d improved", r.Merge.Updated))
	}
	if r.Merge.Unchanged > 0 {
		parts = append(parts, fmt.Sprintf("%d already tracked", r.Merge.Unchanged))
	}
	if r.Merge.BelowThreshold > 0 {
		parts = append(parts, fmt.Sprintf("%d below threshold", r.Merge.BelowThreshold))
	}
	msg := fmt.Sprintf("Ingested %d newsletters, %d items: %s",
		r.Messages, r.Extracted, strings.Join(parts, ", "))
	if len(r.Errors) > 0 {
		msg += fmt.Sprintf("\nWarnings:\n%s", strings.Join(r.Errors, "\n"))
	}
	return msg
}
