package main

import (
	"strings"
	"time"
)

// Project is the tracked domain of interest. The pipeline consumes it
// read-only except for LastUpdated, which every search run touches.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	Goals       []string  `json:"goals"`
	Interests   []string  `json:"interests"`
	Phase       string    `json:"phase"`
	Progress    string    `json:"progress"`
	LastUpdated time.Time `json:"lastUpdated"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CandidateItem is an unscored piece of content produced by the extractor
// or a search provider. It is never persisted directly.
type CandidateItem struct {
	Title          string
	Description    string
	Source         string // URL; the identity half of the dedup key
	PublishedAt    time.Time
	SearchQuery    string
	CategoryHint   string
	PopularityHint string
}

type ContentType string

const (
	ContentTypeArticle    ContentType = "article"
	ContentTypeDiscussion ContentType = "discussion"
	ContentTypeNews       ContentType = "news"
	ContentTypeResearch   ContentType = "research"
	ContentTypeTool       ContentType = "tool"
	ContentTypeOther      ContentType = "other"
)

// ParseContentType maps free-form classifier output onto the enum.
// Anything unrecognized is "other", never a guessed common value.
func ParseContentType(s string) ContentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "article", "blog", "blog post":
		return ContentTypeArticle
	case "discussion", "forum", "thread":
		return ContentTypeDiscussion
	case "news":
		return ContentTypeNews
	case "research", "paper":
		return ContentTypeResearch
	case "tool", "library", "repo", "repository":
		return ContentTypeTool
	default:
		return ContentTypeOther
	}
}

// ClassifiedItem is a CandidateItem annotated by the classifier gateway.
type ClassifiedItem struct {
	CandidateItem
	RelevanceScore int
	Categories     []string
	ContentType    ContentType
	Reasoning      string
}

// Discovery is the persisted, deduplicated record of a relevant finding.
// Identity is (ProjectID, Source); the pipeline never deletes one.
type Discovery struct {
	ID             int64       `json:"id"`
	ProjectID      string      `json:"projectId"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Source         string      `json:"source"`
	RelevanceScore int         `json:"relevanceScore"`
	Categories     []string    `json:"categories"`
	ContentType    ContentType `json:"contentType"`
	Reasoning      string      `json:"reasoning,omitempty"`
	DiscoveredAt   time.Time   `json:"discoveredAt"`
	PublishedAt    time.Time   `json:"publishedAt,omitempty"`
	Viewed         bool        `json:"viewed"`
	ViewedAt       time.Time   `json:"viewedAt,omitempty"`
	Hidden         bool        `json:"hidden"`
	FeedbackUseful *bool       `json:"feedbackUseful,omitempty"`
	FeedbackNotes  string      `json:"feedbackNotes,omitempty"`
	SearchQuery    string      `json:"searchQuery,omitempty"`
	SearchPhase    string      `json:"searchPhase,omitempty"`
	SearchProgress string      `json:"searchProgress,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// normalizeList trims, drops empties and deduplicates while preserving
// order. Goals and interests are stored and consumed in this shape.
func normalizeList(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}
