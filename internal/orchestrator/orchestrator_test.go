package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/vectorstore"
)

type stubTenants struct {
	tenant *repository.Tenant
}

func (s *stubTenants) Create(context.Context, *repository.Tenant) error { return nil }

func (s *stubTenants) GetByID(_ context.Context, id string) (*repository.Tenant, error) {
	if s.tenant == nil || s.tenant.ID != id {
		return nil, repository.ErrNotFound
	}
	return s.tenant, nil
}

func (s *stubTenants) List(context.Context, repository.TenantStatus) ([]*repository.Tenant, error) {
	return nil, nil
}

func (s *stubTenants) UpdateStatus(context.Context, string, repository.TenantStatus) error {
	return nil
}

func (s *stubTenants) Delete(context.Context, string) error { return nil }

func (s *stubTenants) CountDocuments(context.Context, string) (int, error) { return 0, nil }

type stubVectors struct {
	hits []vectorstore.Hit
	err  error
}

func (s *stubVectors) EnsureCollection(context.Context, int) error { return nil }

func (s *stubVectors) InsertChunks(context.Context, string, []vectorstore.Chunk) error { return nil }

func (s *stubVectors) VectorSearch(context.Context, string, []float32, int, float32) ([]vectorstore.Hit, error) {
	return s.hits, s.err
}

func (s *stubVectors) HybridSearch(context.Context, string, []float32, string, int, float32, float32) ([]vectorstore.Hit, error) {
	return s.hits, s.err
}

func (s *stubVectors) DeleteByDocument(context.Context, string, string) error { return nil }
func (s *stubVectors) DeleteByTenant(context.Context, string) error           { return nil }
func (s *stubVectors) Ping(context.Context) error                             { return nil }
func (s *stubVectors) Close() error                                           { return nil }

type stubGraph struct {
	results []graphstore.Result
	edges   []graphstore.Edge
	err     error
}

func (s *stubGraph) AddEpisode(context.Context, graphstore.Episode) (*graphstore.EpisodeRef, error) {
	return nil, nil
}

func (s *stubGraph) Search(context.Context, string, string, graphstore.SearchKind, int) ([]graphstore.Result, error) {
	return s.results, s.err
}

func (s *stubGraph) EntityRelationships(context.Context, string, string, graphstore.Direction, []string, int) ([]graphstore.Edge, error) {
	return s.edges, nil
}

func (s *stubGraph) EntityTimeline(context.Context, string, string, int) ([]graphstore.FactEvent, error) {
	return nil, nil
}

func (s *stubGraph) ShortestPath(context.Context, string, string, string, int) ([]graphstore.Path, error) {
	return nil, nil
}

func (s *stubGraph) Stats(context.Context, string) (*graphstore.Stats, error) {
	return &graphstore.Stats{}, nil
}

func (s *stubGraph) DeleteNamespace(context.Context, string) error { return nil }
func (s *stubGraph) Ping(context.Context) error                    { return nil }
func (s *stubGraph) Close() error                                  { return nil }

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return make([]float32, 4), nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 4)
	}
	return out, nil
}

func (stubEmbedder) Dimension() int    { return 4 }
func (stubEmbedder) ModelName() string { return "stub" }

func newTestOrchestrator(vectors *stubVectors, graph *stubGraph) *Orchestrator {
	return New(Config{
		Tenants:  &stubTenants{tenant: &repository.Tenant{ID: "acme", Status: repository.TenantActive}},
		Vectors:  vectors,
		Graph:    graph,
		Embedder: stubEmbedder{},
	})
}

func TestQueryComposesVectorAndGraph(t *testing.T) {
	vectors := &stubVectors{hits: sampleVecHits()}
	graph := &stubGraph{
		results: []graphstore.Result{
			{Kind: graphstore.SearchSimilarity, Fact: &graphstore.Fact{ID: "fact-1", TenantID: "acme", Body: "A depends on B"}},
			{Kind: graphstore.SearchSimilarity, Entity: &graphstore.Entity{ID: "ent-1", TenantID: "acme", Name: "A"}},
		},
		edges: []graphstore.Edge{
			{ID: "edge-1", TenantID: "acme", Type: "DEPENDS_ON", SourceName: "A", TargetName: "B"},
		},
	}

	answer, err := newTestOrchestrator(vectors, graph).Query(context.Background(), "acme", "what depends on B", DefaultFlags())
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if answer.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %q", answer.Confidence)
	}
	if !contains(answer.SystemsUsed, "vector") || !contains(answer.SystemsUsed, "graph") {
		t.Errorf("systems = %v", answer.SystemsUsed)
	}
	if _, ok := answer.Timings["total_ms"]; !ok {
		t.Error("timings missing total_ms")
	}
	if _, ok := answer.Timings["vector_ms"]; !ok {
		t.Error("timings missing vector_ms")
	}
}

func TestQueryTimingsSafeUnderConcurrentBackends(t *testing.T) {
	vectors := &stubVectors{hits: sampleVecHits()}
	graph := &stubGraph{
		results: []graphstore.Result{
			{Kind: graphstore.SearchSimilarity, Fact: &graphstore.Fact{ID: "fact-1", TenantID: "acme", Body: "A depends on B"}},
		},
	}
	o := newTestOrchestrator(vectors, graph)

	// Backend legs record their timings from separate goroutines; hammer the
	// orchestrator so the race detector sees any unsynchronized write.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := o.Query(context.Background(), "acme", "what depends on B", DefaultFlags())
			if err != nil {
				t.Errorf("Query() error = %v", err)
				return
			}
			for _, key := range []string{"vector_ms", "graph_ms", "total_ms"} {
				if _, ok := answer.Timings[key]; !ok {
					t.Errorf("timings missing %s", key)
				}
			}
		}()
	}
	wg.Wait()
}

func TestQueryEmptyText(t *testing.T) {
	o := newTestOrchestrator(&stubVectors{}, &stubGraph{})
	_, err := o.Query(context.Background(), "acme", "", DefaultFlags())
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("error kind = %v, want ValidationFailed", apperr.KindOf(err))
	}
}

func TestQuerySuspendedTenant(t *testing.T) {
	o := newTestOrchestrator(&stubVectors{}, &stubGraph{})
	o.tenants = &stubTenants{tenant: &repository.Tenant{ID: "acme", Status: repository.TenantSuspended}}

	_, err := o.Query(context.Background(), "acme", "q", DefaultFlags())
	if !apperr.Is(err, apperr.TenantUnavailable) {
		t.Errorf("error kind = %v, want TenantUnavailable", apperr.KindOf(err))
	}
}

func TestQueryUnknownTenant(t *testing.T) {
	o := newTestOrchestrator(&stubVectors{}, &stubGraph{})
	_, err := o.Query(context.Background(), "ghost", "q", DefaultFlags())
	if !apperr.Is(err, apperr.TenantUnavailable) {
		t.Errorf("error kind = %v, want TenantUnavailable", apperr.KindOf(err))
	}
}

func TestQueryToleratesBackendFailure(t *testing.T) {
	vectors := &stubVectors{err: errors.New("qdrant down")}
	graph := &stubGraph{
		results: []graphstore.Result{
			{Kind: graphstore.SearchSimilarity, Fact: &graphstore.Fact{ID: "fact-1", TenantID: "acme", Body: "A depends on B"}},
		},
	}

	answer, err := newTestOrchestrator(vectors, graph).Query(context.Background(), "acme", "q", DefaultFlags())
	if err != nil {
		t.Fatalf("Query() error = %v, backend failure must be dropped", err)
	}
	if answer.Confidence != ConfidenceLow {
		t.Errorf("confidence = %q, want graph-only low", answer.Confidence)
	}
	if contains(answer.SystemsUsed, "vector") {
		t.Errorf("failed backend listed in systems: %v", answer.SystemsUsed)
	}
}

func TestQueryIsolationViolationPropagates(t *testing.T) {
	vectors := &stubVectors{err: apperr.New(apperr.IsolationViolation, "foreign tenant in results")}
	_, err := newTestOrchestrator(vectors, &stubGraph{}).Query(context.Background(), "acme", "q", DefaultFlags())
	if !apperr.Is(err, apperr.IsolationViolation) {
		t.Errorf("error kind = %v, want IsolationViolation", apperr.KindOf(err))
	}
}

func TestQueryRespectsFlags(t *testing.T) {
	vectors := &stubVectors{hits: sampleVecHits()}
	graph := &stubGraph{
		results: []graphstore.Result{
			{Kind: graphstore.SearchSimilarity, Fact: &graphstore.Fact{ID: "fact-1", TenantID: "acme", Body: "A depends on B"}},
		},
	}
	flags := DefaultFlags()
	flags.UseGraph = false

	answer, err := newTestOrchestrator(vectors, graph).Query(context.Background(), "acme", "q", flags)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if contains(answer.SystemsUsed, "graph") {
		t.Errorf("disabled backend consulted: %v", answer.SystemsUsed)
	}
}
