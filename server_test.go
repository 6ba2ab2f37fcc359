package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *Orchestrator) {
	t.Helper()
	db := newTestDB(t)
	mustSeedProject(t, db, "p1")

	chain := &providerChain{
		providers: []searchProvider{&fakeProvider{name: "semantic", items: []CandidateItem{
			{Title: "hit", Source: "https://example.com/hit"},
		}}},
		timeout: time.Second,
	}
	o := newTestOrchestrator(t, db, chain)
	o.cfg.Location = time.UTC
	o.cfg.SearchRunTimeoutSecs = 5

	srv := NewServer(o.cfg, db, o)
	return srv, o
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: non-JSON response %q", method, path, rec.Body.String())
		}
	}
	return rec, parsed
}

func TestTriggerSearchAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/projects/p1/search", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["status"] != "accepted" || body["projectId"] != "p1" {
		t.Errorf("unexpected body: %+v", body)
	}

	// The run happens in the background; wait for the insert to land.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := GetDiscoveryBySource(srv.db, "p1", "https://example.com/hit"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background search never persisted its discovery")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTriggerSearchUnknownProject(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/projects/nope/search", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["error"] == "" {
		t.Errorf("expected error message, got %+v", body)
	}
}

func TestListDiscoveriesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := mustInsertDiscovery(t, srv.db, Discovery{
		ProjectID: "p1", Title: "stored", Source: "https://example.com/s",
		RelevanceScore: 8, DiscoveredAt: time.Now().UTC(),
	})
	if err := SetDiscoveryHidden(srv.db, id, true); err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/projects/p1/discoveries", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	counts, ok := body["counts"].(map[string]any)
	if !ok || counts["total"].(float64) != 1 || counts["hidden"].(float64) != 1 {
		t.Errorf("unexpected counts: %+v", body["counts"])
	}

	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/projects/p1/discoveries?state=new", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list, ok := body["discoveries"].([]any)
	if !ok {
		t.Fatalf("discoveries must be a JSON array even when empty: %+v", body)
	}
	if len(list) != 0 {
		t.Errorf("hidden item leaked into new filter: %+v", list)
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodGet, "/projects/p1/discoveries?state=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := mustInsertDiscovery(t, srv.db, Discovery{
		ProjectID: "p1", Title: "stored", Source: "https://example.com/s",
		RelevanceScore: 8, DiscoveredAt: time.Now().UTC(),
	})

	path := fmt.Sprintf("/discoveries/%d/feedback", id)
	rec, body := doJSON(t, srv.Handler(), http.MethodPost, path, `{"useful": true, "notes": "great find"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["feedbackUseful"] != true || body["viewed"] != true {
		t.Errorf("expected updated discovery with feedback and viewed, got %+v", body)
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/99999/feedback", `{"useful": false}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing discovery, got %d", rec.Code)
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/abc/feedback", `{"useful": false}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", rec.Code)
	}
}

func TestBulkViewedEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a := mustInsertDiscovery(t, srv.db, Discovery{
		ProjectID: "p1", Title: "a", Source: "https://example.com/a",
		RelevanceScore: 8, DiscoveredAt: time.Now().UTC(),
	})
	b := mustInsertDiscovery(t, srv.db, Discovery{
		ProjectID: "p1", Title: "b", Source: "https://example.com/b",
		RelevanceScore: 8, DiscoveredAt: time.Now().UTC(),
	})

	payload := fmt.Sprintf(`{"ids": [%d, %d]}`, a, b)
	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/viewed", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["updated"].(float64) != 2 {
		t.Errorf("expected 2 updated, got %+v", body)
	}

	// Partial failure reports progress made before the bad id.
	payload = fmt.Sprintf(`{"ids": [%d, 99999]}`, a)
	rec, body = doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/viewed", payload)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on partial failure, got %d", rec.Code)
	}
	if body["updated"].(float64) != 1 {
		t.Errorf("expected 1 completed before failure, got %+v", body)
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/viewed", `{"ids": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty id list, got %d", rec.Code)
	}
}

func TestBulkHiddenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a := mustInsertDiscovery(t, srv.db, Discovery{
		ProjectID: "p1", Title: "a", Source: "https://example.com/a",
		RelevanceScore: 8, DiscoveredAt: time.Now().UTC(),
	})

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/hidden",
		fmt.Sprintf(`{"ids": [%d]}`, a))
	if rec.Code != http.StatusOK || body["updated"].(float64) != 1 {
		t.Fatalf("hide failed: %d %+v", rec.Code, body)
	}
	got, _ := GetDiscoveryByID(srv.db, a)
	if !got.Hidden {
		t.Errorf("default action must hide")
	}

	// Explicit hidden=false reverses the soft delete.
	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/discoveries/hidden",
		fmt.Sprintf(`{"ids": [%d], "hidden": false}`, a))
	if rec.Code != http.StatusOK {
		t.Fatalf("unhide failed: %d", rec.Code)
	}
	got, _ = GetDiscoveryByID(srv.db, a)
	if got.Hidden {
		t.Errorf("expected unhidden")
	}
}
