package graphstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
)

func testGraphClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNamespace(t *testing.T) {
	if got := Namespace("acme"); got != "tenant_acme" {
		t.Errorf("Namespace(acme) = %q", got)
	}
}

func TestAddEpisodeTagsCreatedObjects(t *testing.T) {
	var episodeBody, tagBody map[string]any
	var tagPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/episodes":
			_ = json.NewDecoder(r.Body).Decode(&episodeBody)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"episode_id":  "ep-1",
				"created_ids": []string{"ent-1", "fact-1"},
			})
		default:
			tagPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&tagBody)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	ref, err := c.AddEpisode(context.Background(), Episode{
		TenantID:      "acme",
		Name:          "handbook (part 1)",
		Content:       "some text",
		ReferenceTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddEpisode() error = %v", err)
	}
	if ref.ID != "ep-1" || ref.TenantID != "acme" {
		t.Errorf("ref = %+v", ref)
	}
	if episodeBody["group_id"] != "tenant_acme" {
		t.Errorf("episode group_id = %v", episodeBody["group_id"])
	}
	if tagPath != "/namespaces/tenant_acme/tag" {
		t.Errorf("tag path = %q", tagPath)
	}
	ids, _ := tagBody["ids"].([]any)
	if len(ids) != 3 {
		t.Errorf("tagged ids = %v, want episode plus created objects", tagBody["ids"])
	}
	if tagBody["tenant_id"] != "acme" {
		t.Errorf("tag tenant_id = %v", tagBody["tenant_id"])
	}
}

func TestAddEpisodeFailsWhenTaggingFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/episodes" {
			_ = json.NewEncoder(w).Encode(map[string]any{"episode_id": "ep-1"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	_, err := c.AddEpisode(context.Background(), Episode{
		TenantID: "acme",
		Content:  "some text",
	})
	if err == nil {
		t.Fatal("AddEpisode() succeeded despite tag failure")
	}
	if !apperr.Is(err, apperr.BackendTransient) {
		t.Errorf("error kind = %v, want BackendTransient", apperr.KindOf(err))
	}
}

func TestSearchScopesToNamespaceAndChecksOwnership(t *testing.T) {
	var searchBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&searchBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []Result{
				{Kind: SearchSimilarity, Fact: &Fact{ID: "f1", TenantID: "acme", Body: "fact one"}},
			},
		})
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	results, err := c.Search(context.Background(), "acme", "query", SearchSimilarity, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Fact.Body != "fact one" {
		t.Errorf("results = %+v", results)
	}
	if searchBody["group_id"] != "tenant_acme" {
		t.Errorf("search group_id = %v", searchBody["group_id"])
	}
}

func TestSearchRejectsForeignResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []Result{
				{Kind: SearchSimilarity, Fact: &Fact{ID: "f1", TenantID: "globex", Body: "leaked"}},
			},
		})
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	_, err := c.Search(context.Background(), "acme", "query", SearchSimilarity, 5)
	if !apperr.Is(err, apperr.IsolationViolation) {
		t.Fatalf("error kind = %v, want IsolationViolation", apperr.KindOf(err))
	}
}

func TestSearchRejectsUnknownKind(t *testing.T) {
	c := testGraphClient(t, "http://localhost:0")
	if _, err := c.Search(context.Background(), "acme", "q", SearchKind("bogus"), 5); !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("error kind = %v, want ValidationFailed", apperr.KindOf(err))
	}
}

func TestEntityRelationshipsRejectsForeignEdge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("group_id"); got != "tenant_acme" {
			t.Errorf("group_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"edges": []Edge{{ID: "e1", TenantID: "globex", Type: "WORKS_ON"}},
		})
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	_, err := c.EntityRelationships(context.Background(), "acme", "ent-1", DirectionBoth, nil, 5)
	if !apperr.Is(err, apperr.IsolationViolation) {
		t.Fatalf("error kind = %v, want IsolationViolation", apperr.KindOf(err))
	}
}

func TestStatsAndDeleteNamespacePaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(Stats{Entities: 3, Facts: 2})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	stats, err := c.Stats(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Entities != 3 || stats.Facts != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if err := c.DeleteNamespace(context.Background(), "acme"); err != nil {
		t.Fatalf("DeleteNamespace() error = %v", err)
	}

	want := []string{
		"GET /namespaces/tenant_acme/stats",
		"DELETE /namespaces/tenant_acme",
	}
	for i, w := range want {
		if i >= len(paths) || paths[i] != w {
			t.Errorf("request %d = %v, want %q", i, paths, w)
			break
		}
	}
}

func TestServerErrorsClassifiedTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testGraphClient(t, srv.URL)
	_, err := c.Stats(context.Background(), "acme")
	if !apperr.Is(err, apperr.BackendTransient) {
		t.Errorf("error kind = %v, want BackendTransient", apperr.KindOf(err))
	}
}
