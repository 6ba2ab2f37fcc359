package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// passthroughClassifier assigns a fixed score without any network calls.
func passthroughClassifier(score int) func(context.Context, Config, Project, []CandidateItem) ([]ClassifiedItem, LLMUsage) {
	return func(_ context.Context, _ Config, _ Project, items []CandidateItem) ([]ClassifiedItem, LLMUsage) {
		var out []ClassifiedItem
		for _, item := range items {
			out = append(out, ClassifiedItem{
				CandidateItem:  item,
				RelevanceScore: score,
				ContentType:    ContentTypeOther,
			})
		}
		return out, LLMUsage{InputTokens: int64(len(items)) * 10, OutputTokens: int64(len(items))}
	}
}

func fixedQueries(queries ...string) func(context.Context, Config, Project) ([]string, LLMUsage, error) {
	return func(context.Context, Config, Project) ([]string, LLMUsage, error) {
		return queries, LLMUsage{}, nil
	}
}

func newTestOrchestrator(t *testing.T, db *sql.DB, chain *providerChain) *Orchestrator {
	t.Helper()
	cfg := Config{
		MinRelevance:        5,
		SearchQueryCount:    3,
		RecencyWindowHours:  6,
		ClassifyWorkers:     2,
		ProviderTimeoutSecs: 8,
		ClassifyTimeoutSecs: 1,
	}
	o := NewOrchestrator(cfg, db, NewMergeEngine(db, cfg.MinRelevance), chain, nil)
	o.classifyBatch = passthroughClassifier(8)
	o.generateQueries = fixedQueries("query one")
	o.evaluateNecessity = func(context.Context, Config, Project, int, []Discovery) (bool, string, error) {
		return true, "test", nil
	}
	return o
}

func staleProject(id string) Project {
	return Project{
		ID:          id,
		Name:        "Test " + id,
		Domain:      "game development",
		Interests:   []string{"procedural generation"},
		LastUpdated: time.Now().UTC().Add(-48 * time.Hour),
	}
}

func TestRunProjectSearchHappyPath(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "Found article", Source: "https://example.com/found"},
			{Title: "Another hit", Source: "https://example.com/other"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)

	now := time.Now().UTC().Truncate(time.Second)
	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), now)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Skipped {
		t.Fatalf("stale project must not skip: %+v", result)
	}
	if result.Candidates != 2 || result.Merge.Inserted != 2 {
		t.Errorf("expected 2 candidates inserted, got %+v", result)
	}
	if result.Usage.TotalTokens() == 0 {
		t.Errorf("expected classifier usage accounted")
	}

	stored, err := GetDiscoveryBySource(db, "p1", "https://example.com/found")
	if err != nil {
		t.Fatalf("discovery not persisted: %v", err)
	}
	if stored.SearchQuery != "query one" {
		t.Errorf("query attribution missing: %q", stored.SearchQuery)
	}

	project, _ := GetProject(db, "p1")
	if !project.LastUpdated.Equal(now) {
		t.Errorf("run must touch lastUpdated: %v != %v", project.LastUpdated, now)
	}
}

func TestRunProjectSearchAllQueriesFail(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", err: fmt.Errorf("down")}},
		timeout:   time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	o.generateQueries = fixedQueries("q1", "q2")

	now := time.Now().UTC().Truncate(time.Second)
	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), now)
	if err != nil {
		t.Fatalf("a total provider outage must not error the run: %v", err)
	}
	if result.QueriesFailed != 2 || result.Candidates != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	// The timestamp still moves so the staleness signal stays honest.
	project, _ := GetProject(db, "p1")
	if !project.LastUpdated.Equal(now) {
		t.Errorf("failed run must still touch lastUpdated")
	}

	summary := FormatSearchSummary(result)
	if !strings.Contains(summary, "no content sources reachable") {
		t.Errorf("unexpected summary: %q", summary)
	}
}

func TestRunProjectSearchPartialQueryFailure(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	// One provider that fails on a specific query, succeeds otherwise.
	flaky := &queryAwareProvider{
		failOn: "bad query",
		items:  []CandidateItem{{Title: "ok", Source: "https://example.com/ok"}},
	}
	chain := &providerChain{providers: []searchProvider{flaky}, timeout: time.Second}
	o := newTestOrchestrator(t, db, chain)
	o.generateQueries = fixedQueries("good query", "bad query")

	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.QueriesFailed != 1 {
		t.Errorf("expected 1 failed query, got %d", result.QueriesFailed)
	}
	if result.Merge.Inserted != 1 {
		t.Errorf("surviving query results must still merge: %+v", result.Merge)
	}
}

type queryAwareProvider struct {
	failOn string
	items  []CandidateItem
}

func (p *queryAwareProvider) Name() string              { return "flaky" }
func (p *queryAwareProvider) NeedsProjectContext() bool { return false }
func (p *queryAwareProvider) Search(ctx context.Context, query string, project *Project) ([]CandidateItem, error) {
	if query == p.failOn {
		return nil, fmt.Errorf("refusing %q", query)
	}
	return p.items, nil
}

func TestRunProjectSearchSkipTouchesTimestamp(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	// Recent discovery plus fresh lastUpdated pushes the decision to the
	// evaluator, which declines.
	mustInsertDiscovery(t, db, Discovery{
		ProjectID: "p1", Title: "recent", Source: "https://example.com/r",
		RelevanceScore: 7, DiscoveredAt: time.Now().UTC(),
	})
	o := newTestOrchestrator(t, db, &providerChain{timeout: time.Second})
	o.evaluateNecessity = func(context.Context, Config, Project, int, []Discovery) (bool, string, error) {
		return false, "plenty of unreviewed findings", nil
	}

	project := staleProject("p1")
	project.LastUpdated = time.Now().UTC()
	now := time.Now().UTC().Truncate(time.Second).Add(time.Minute)

	result, err := o.RunProjectSearch(context.Background(), project, now)
	if err != nil {
		t.Fatalf("skip run failed: %v", err)
	}
	if !result.Skipped || result.SkipReason != "plenty of unreviewed findings" {
		t.Errorf("expected evaluator skip, got %+v", result)
	}

	got, _ := GetProject(db, "p1")
	if !got.LastUpdated.Equal(now) {
		t.Errorf("skip must still touch lastUpdated")
	}
	if s := FormatSearchSummary(result); !strings.Contains(s, "skipped") {
		t.Errorf("unexpected summary: %q", s)
	}
}

func TestRunProjectSearchEvaluatorFailsOpen(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")
	mustInsertDiscovery(t, db, Discovery{
		ProjectID: "p1", Title: "recent", Source: "https://example.com/r",
		RelevanceScore: 7, DiscoveredAt: time.Now().UTC(),
	})

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "hit", Source: "https://example.com/hit"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	o.evaluateNecessity = func(context.Context, Config, Project, int, []Discovery) (bool, string, error) {
		return false, "", fmt.Errorf("model unavailable")
	}

	project := staleProject("p1")
	project.LastUpdated = time.Now().UTC()

	result, err := o.RunProjectSearch(context.Background(), project, time.Now().UTC())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Skipped {
		t.Errorf("evaluator failure must fail open toward searching")
	}
	if result.Merge.Inserted != 1 {
		t.Errorf("expected the search to run and insert: %+v", result)
	}
}

func TestRunProjectSearchQueryGenerationFallsBack(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "hit", Source: "https://example.com/hit"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	o.generateQueries = func(context.Context, Config, Project) ([]string, LLMUsage, error) {
		return nil, LLMUsage{}, fmt.Errorf("generation failed")
	}

	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Template fallback from the project's interests kicks in.
	if len(result.Queries) == 0 {
		t.Fatalf("expected template queries, got none")
	}
	if result.Queries[0] != "procedural generation latest developments" {
		t.Errorf("unexpected fallback query: %q", result.Queries[0])
	}
	if result.Merge.Inserted != 1 {
		t.Errorf("fallback queries must still produce discoveries: %+v", result)
	}
}

func TestRunProjectSearchBelowThresholdDiscarded(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "weak", Source: "https://example.com/weak"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	o.classifyBatch = passthroughClassifier(3)

	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Merge.BelowThreshold != 1 || result.Merge.Inserted != 0 {
		t.Errorf("expected the weak item discarded: %+v", result.Merge)
	}
}

// A cancelled run must abort before the merge instead of writing defaulted
// scores for items the classifier never saw.
func TestRunProjectSearchCancelledContextInsertsNothing(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "first", Source: "https://example.com/first"},
			{Title: "second", Source: "https://example.com/second"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	// Real classification path: under a cancelled context every call is
	// skipped and its item dropped.
	o.classifyBatch = classifyBatch

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before, _ := GetProject(db, "p1")
	_, err := o.RunProjectSearch(ctx, staleProject("p1"), time.Now().UTC())
	if err == nil {
		t.Fatalf("cancelled run must surface an error")
	}

	for _, src := range []string{"https://example.com/first", "https://example.com/second"} {
		if _, err := GetDiscoveryBySource(db, "p1", src); !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("cancelled run persisted %s (err=%v)", src, err)
		}
	}
	after, _ := GetProject(db, "p1")
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("aborted run must not touch lastUpdated")
	}
}

func TestRunProjectSearchDedupesAcrossQueries(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	// Both queries surface the same URL.
	provider := &fakeProvider{name: "semantic", items: []CandidateItem{
		{Title: "same story", Source: "https://example.com/same"},
	}}
	chain := &providerChain{providers: []searchProvider{provider}, timeout: time.Second}
	o := newTestOrchestrator(t, db, chain)
	o.generateQueries = fixedQueries("query one", "query two")

	classifiedCount := 0
	base := passthroughClassifier(8)
	o.classifyBatch = func(ctx context.Context, cfg Config, p Project, items []CandidateItem) ([]ClassifiedItem, LLMUsage) {
		classifiedCount += len(items)
		return base(ctx, cfg, p, items)
	}

	result, err := o.RunProjectSearch(context.Background(), staleProject("p1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Candidates != 1 {
		t.Errorf("expected 1 candidate after cross-query dedup, got %d", result.Candidates)
	}
	if classifiedCount != 1 {
		t.Errorf("duplicate source classified %d times, want 1", classifiedCount)
	}
	if result.Merge.Inserted != 1 {
		t.Errorf("expected single insertion: %+v", result.Merge)
	}
}

type fakeMailbox struct {
	messages []RawMessage
	err      error
	senders  []string
}

func (f *fakeMailbox) FetchUnreadFrom(ctx context.Context, senders []string) ([]RawMessage, error) {
	f.senders = senders
	return f.messages, f.err
}

func TestIngestNewsletters(t *testing.T) {
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	msgDate := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{messages: []RawMessage{
		{
			ID:     "m1",
			Sender: "dan@tldrnewsletter.com",
			Date:   msgDate,
			HTMLBody: `<p><a href="https://example.com/gpu">GPU driver deep dive</a></p>
				<p><a href="https://example.com/subscribe">Subscribe to our newsletter</a></p>`,
		},
	}}

	o := newTestOrchestrator(t, db, &providerChain{timeout: time.Second})
	o.mailbox = mailbox
	o.cfg.NewsletterSenders = []string{"dan@tldrnewsletter.com"}

	now := time.Now().UTC().Truncate(time.Second)
	result, err := o.IngestNewsletters(context.Background(), staleProject("p1"), now)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.Messages != 1 || result.Extracted != 1 {
		t.Errorf("expected 1 message and 1 extracted item (promo filtered): %+v", result)
	}
	if result.Merge.Inserted != 1 {
		t.Errorf("expected 1 insertion: %+v", result.Merge)
	}
	if len(mailbox.senders) != 1 {
		t.Errorf("sender allowlist not forwarded: %+v", mailbox.senders)
	}

	stored, err := GetDiscoveryBySource(db, "p1", "https://example.com/gpu")
	if err != nil {
		t.Fatalf("discovery not persisted: %v", err)
	}
	// Items without their own publication date inherit the message date.
	if !stored.PublishedAt.Equal(msgDate) {
		t.Errorf("expected message date inherited, got %v", stored.PublishedAt)
	}

	project, _ := GetProject(db, "p1")
	if !project.LastUpdated.Equal(now) {
		t.Errorf("ingest must touch lastUpdated")
	}

	if s := FormatIngestSummary(result); !strings.Contains(s, "1 new") {
		t.Errorf("unexpected summary: %q", s)
	}
}

func TestIngestNewslettersUnconfigured(t *testing.T) {
	db := newTestDB(t)
	o := newTestOrchestrator(t, db, &providerChain{timeout: time.Second})

	if _, err := o.IngestNewsletters(context.Background(), staleProject("p1"), time.Now()); err == nil {
		t.Fatalf("expected error when mailbox is not configured")
	}

	o.mailbox = &fakeMailbox{}
	if _, err := o.IngestNewsletters(context.Background(), staleProject("p1"), time.Now()); err == nil {
		t.Fatalf("expected error when no senders are configured")
	}
}

func TestFormatSearchSummary(t *testing.T) {
	r := SearchResult{
		Queries:    []string{"a", "b", "c"},
		Candidates: 12,
		Merge:      MergeStats{Inserted: 4, Updated: 1, Unchanged: 5, BelowThreshold: 2},
	}
	s := FormatSearchSummary(r)
	for _, want := range []string{"3 queries", "12 candidates", "4 new", "1 improved", "5 already tracked", "2 below threshold"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
