package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Server is the HTTP surface consumed by the presentation layer: trigger a
// search, list discoveries, record feedback, bulk review-state updates.
type Server struct {
	cfg Config
	db  *sql.DB
	orc *Orchestrator
}

func NewServer(cfg Config, db *sql.DB, orc *Orchestrator) *Server {
	return &Server{cfg: cfg, db: db, orc: orc}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/search", s.handleTriggerSearch)
	mux.HandleFunc("GET /projects/{id}/discoveries", s.handleListDiscoveries)
	mux.HandleFunc("POST /discoveries/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("POST /discoveries/viewed", s.handleBulkViewed)
	mux.HandleFunc("POST /discoveries/hidden", s.handleBulkHidden)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http write error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleTriggerSearch kicks off a run in the background and returns 202.
// The run carries its own timeout so a stuck search cannot hold the caller.
func (s *Server) handleTriggerSearch(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	project, err := GetProject(s.db, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SearchRunTimeout())
		defer cancel()
		result, err := s.orc.RunProjectSearch(ctx, project, time.Now().In(s.cfg.Location))
		if err != nil {
			log.Printf("triggered search error project=%s: %v", projectID, err)
			return
		}
		log.Printf("triggered search complete project=%s: %s", projectID, FormatSearchSummary(result))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "projectId": projectID})
}

func (s *Server) handleListDiscoveries(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	q := r.URL.Query()

	filter := DiscoveryFilter{
		State: q.Get("state"),
		Sort:  q.Get("sort"),
	}
	if v := q.Get("page"); v != "" {
		filter.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("per_page"); v != "" {
		filter.PerPage, _ = strconv.Atoi(v)
	}

	discoveries, counts, err := ListDiscoveries(s.db, projectID, filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if discoveries == nil {
		discoveries = []Discovery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"discoveries": discoveries,
		"counts":      counts,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid discovery id")
		return
	}

	var body struct {
		Useful bool   `json:"useful"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err = SetDiscoveryFeedback(s.db, id, body.Useful, body.Notes, time.Now().In(s.cfg.Location))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "discovery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := GetDiscoveryByID(s.db, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type bulkRequest struct {
	IDs    []int64 `json:"ids"`
	Hidden *bool   `json:"hidden,omitempty"`
}

// Bulk handlers apply the single-item transition per item; a partial
// failure reports how many succeeded before it.
func (s *Server) handleBulkViewed(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	done, err := MarkDiscoveriesViewed(s.db, body.IDs, time.Now().In(s.cfg.Location))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"updated": done,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": done})
}

func (s *Server) handleBulkHidden(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hidden := true
	if body.Hidden != nil {
		hidden = *body.Hidden
	}

	done, err := SetDiscoveriesHidden(s.db, body.IDs, hidden)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"updated": done,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": done})
}
