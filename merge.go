package main

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"
)

type mergeOutcome int

const (
	mergeInserted mergeOutcome = iota
	mergeUpdated
	mergeUnchanged
	mergeBelowThreshold
	mergeNoIdentity
)

// mergeDiscovery applies the score-dominance policy to an existing record:
// scorable fields move only when the incoming score is strictly greater.
// Review state (viewed/hidden/feedback) and DiscoveredAt are never touched,
// so a hidden discovery stays hidden. Pure; storage happens elsewhere.
func mergeDiscovery(existing Discovery, in ClassifiedItem) (Discovery, bool) {
	if in.RelevanceScore <= existing.RelevanceScore {
		return existing, false
	}
	existing.Title = in.Title
	existing.Description = in.Description
	existing.RelevanceScore = in.RelevanceScore
	existing.Categories = in.Categories
	existing.ContentType = in.ContentType
	existing.Reasoning = in.Reasoning
	if !in.PublishedAt.IsZero() {
		existing.PublishedAt = in.PublishedAt
	}
	if in.SearchQuery != "" {
		existing.SearchQuery = in.SearchQuery
	}
	return existing, true
}

func newDiscovery(projectID string, project *Project, in ClassifiedItem, now time.Time) Discovery {
	d := Discovery{
		ProjectID:      projectID,
		Title:          in.Title,
		Description:    in.Description,
		Source:         in.Source,
		RelevanceScore: in.RelevanceScore,
		Categories:     in.Categories,
		ContentType:    in.ContentType,
		Reasoning:      in.Reasoning,
		DiscoveredAt:   now,
		PublishedAt:    in.PublishedAt,
		SearchQuery:    in.SearchQuery,
	}
	if project != nil {
		d.SearchPhase = project.Phase
		d.SearchProgress = project.Progress
	}
	return d
}

// MergeEngine reconciles classified items against the persisted discovery
// set. Writes for the same (project, source) key are serialized through
// striped locks so concurrent classification results resolve by score
// comparison instead of racing raw overwrites.
type MergeEngine struct {
	db           *sql.DB
	minRelevance int
	locks        [64]sync.Mutex
}

func NewMergeEngine(db *sql.DB, minRelevance int) *MergeEngine {
	return &MergeEngine{db: db, minRelevance: minRelevance}
}

func (e *MergeEngine) lockFor(projectID, source string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// MergeItem reconciles one classified item. Sub-threshold items are
// discarded silently; items without a source URL cannot carry an identity
// and are skipped the same way.
func (e *MergeEngine) MergeItem(projectID string, project *Project, in ClassifiedItem, now time.Time) (mergeOutcome, error) {
	if strings.TrimSpace(in.Source) == "" {
		return mergeNoIdentity, nil
	}
	if in.RelevanceScore < e.minRelevance {
		return mergeBelowThreshold, nil
	}

	mu := e.lockFor(projectID, in.Source)
	mu.Lock()
	defer mu.Unlock()

	existing, err := GetDiscoveryBySource(e.db, projectID, in.Source)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := InsertDiscovery(e.db, newDiscovery(projectID, project, in, now)); err != nil {
			return mergeUnchanged, fmt.Errorf("inserting discovery %s: %w", in.Source, err)
		}
		return mergeInserted, nil
	}
	if err != nil {
		return mergeUnchanged, fmt.Errorf("looking up discovery %s: %w", in.Source, err)
	}

	merged, changed := mergeDiscovery(existing, in)
	if !changed {
		return mergeUnchanged, nil
	}
	if err := UpdateDiscoveryScores(e.db, merged); err != nil {
		return mergeUnchanged, fmt.Errorf("updating discovery %s: %w", in.Source, err)
	}
	return mergeUpdated, nil
}

type MergeStats struct {
	Inserted       int
	Updated        int
	Unchanged      int
	BelowThreshold int
	NoIdentity     int
	Errors         []string
}

func (e *MergeEngine) MergeBatch(projectID string, project *Project, items []ClassifiedItem, now time.Time) MergeStats {
	var stats MergeStats
	for _, item := range items {
		outcome, err := e.MergeItem(projectID, project, item, now)
		if err != nil {
			log.Printf("merge error project=%s source=%s err=%v", projectID, item.Source, err)
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		switch outcome {
		case mergeInserted:
			stats.Inserted++
		case mergeUpdated:
			stats.Updated++
		case mergeUnchanged:
			stats.Unchanged++
		case mergeBelowThreshold:
			stats.BelowThreshold++
		case mergeNoIdentity:
			stats.NoIdentity++
		}
	}
	return stats
}
