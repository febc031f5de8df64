package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// --- fakes ---

type fakeTenantRepo struct {
	tenants map[string]*repository.Tenant
	counts  map[string]int
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{
		tenants: make(map[string]*repository.Tenant),
		counts:  make(map[string]int),
	}
}

func (r *fakeTenantRepo) Create(_ context.Context, t *repository.Tenant) error {
	if _, ok := r.tenants[t.ID]; ok {
		return repository.ErrAlreadyExists
	}
	r.tenants[t.ID] = t
	return nil
}

func (r *fakeTenantRepo) GetByID(_ context.Context, id string) (*repository.Tenant, error) {
	t, ok := r.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (r *fakeTenantRepo) List(_ context.Context, status repository.TenantStatus) ([]*repository.Tenant, error) {
	var out []*repository.Tenant
	for _, t := range r.tenants {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTenantRepo) UpdateStatus(_ context.Context, id string, status repository.TenantStatus) error {
	t, ok := r.tenants[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	return nil
}

func (r *fakeTenantRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.tenants[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.tenants, id)
	return nil
}

func (r *fakeTenantRepo) CountDocuments(_ context.Context, id string) (int, error) {
	return r.counts[id], nil
}

type fakeDocumentRepo struct {
	docs   map[uuid.UUID]*repository.Document
	chunks map[uuid.UUID][]*repository.Chunk

	updates int
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{
		docs:   make(map[uuid.UUID]*repository.Document),
		chunks: make(map[uuid.UUID][]*repository.Chunk),
	}
}

func (r *fakeDocumentRepo) Create(_ context.Context, doc *repository.Document) error {
	if _, ok := r.docs[doc.ID]; ok {
		return repository.ErrAlreadyExists
	}
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeDocumentRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*repository.Document, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return doc, nil
}

func (r *fakeDocumentRepo) GetBySource(_ context.Context, tenantID, source string) (*repository.Document, error) {
	for _, doc := range r.docs {
		if doc.TenantID == tenantID && doc.Source == source {
			return doc, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDocumentRepo) List(_ context.Context, tenantID string, limit, offset int) ([]*repository.Document, int, error) {
	var out []*repository.Document
	for _, doc := range r.docs {
		if doc.TenantID == tenantID {
			out = append(out, doc)
		}
	}
	return out, len(out), nil
}

func (r *fakeDocumentRepo) Update(_ context.Context, doc *repository.Document) error {
	if _, ok := r.docs[doc.ID]; !ok {
		return repository.ErrNotFound
	}
	r.docs[doc.ID] = doc
	r.updates++
	return nil
}

func (r *fakeDocumentRepo) Delete(_ context.Context, tenantID string, id uuid.UUID) error {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(r.docs, id)
	return nil
}

func (r *fakeDocumentRepo) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	n := 0
	for id, doc := range r.docs {
		if doc.TenantID == tenantID {
			delete(r.docs, id)
			delete(r.chunks, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeDocumentRepo) CreateChunks(_ context.Context, chunks []*repository.Chunk) error {
	for _, ch := range chunks {
		r.chunks[ch.DocumentID] = append(r.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (r *fakeDocumentRepo) GetChunks(_ context.Context, tenantID string, documentID uuid.UUID) ([]*repository.Chunk, error) {
	return r.chunks[documentID], nil
}

func (r *fakeDocumentRepo) DeleteChunks(_ context.Context, tenantID string, documentID uuid.UUID) (int, error) {
	n := len(r.chunks[documentID])
	delete(r.chunks, documentID)
	return n, nil
}

type fakeVectorStore struct {
	inserted       map[string][]vectorstore.Chunk // tenant -> chunks
	deletedDocs    []string
	deletedTenants []string
	insertErr      error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{inserted: make(map[string][]vectorstore.Chunk)}
}

func (s *fakeVectorStore) EnsureCollection(context.Context, int) error { return nil }

func (s *fakeVectorStore) InsertChunks(_ context.Context, tenantID string, chunks []vectorstore.Chunk) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted[tenantID] = append(s.inserted[tenantID], chunks...)
	return nil
}

func (s *fakeVectorStore) VectorSearch(context.Context, string, []float32, int, float32) ([]vectorstore.Hit, error) {
	return nil, nil
}

func (s *fakeVectorStore) HybridSearch(context.Context, string, []float32, string, int, float32, float32) ([]vectorstore.Hit, error) {
	return nil, nil
}

func (s *fakeVectorStore) DeleteByDocument(_ context.Context, tenantID, documentID string) error {
	s.deletedDocs = append(s.deletedDocs, documentID)
	return nil
}

func (s *fakeVectorStore) DeleteByTenant(_ context.Context, tenantID string) error {
	s.deletedTenants = append(s.deletedTenants, tenantID)
	return nil
}

func (s *fakeVectorStore) Ping(context.Context) error { return nil }
func (s *fakeVectorStore) Close() error               { return nil }

type fakeGraphStore struct {
	episodes []graphstore.Episode
	addErr   error
}

func (g *fakeGraphStore) AddEpisode(_ context.Context, ep graphstore.Episode) (*graphstore.EpisodeRef, error) {
	if g.addErr != nil {
		return nil, g.addErr
	}
	g.episodes = append(g.episodes, ep)
	return &graphstore.EpisodeRef{ID: fmt.Sprintf("ep-%d", len(g.episodes)), TenantID: ep.TenantID}, nil
}

func (g *fakeGraphStore) Search(context.Context, string, string, graphstore.SearchKind, int) ([]graphstore.Result, error) {
	return nil, nil
}

func (g *fakeGraphStore) EntityRelationships(context.Context, string, string, graphstore.Direction, []string, int) ([]graphstore.Edge, error) {
	return nil, nil
}

func (g *fakeGraphStore) EntityTimeline(context.Context, string, string, int) ([]graphstore.FactEvent, error) {
	return nil, nil
}

func (g *fakeGraphStore) ShortestPath(context.Context, string, string, string, int) ([]graphstore.Path, error) {
	return nil, nil
}

func (g *fakeGraphStore) Stats(context.Context, string) (*graphstore.Stats, error) {
	return &graphstore.Stats{}, nil
}

func (g *fakeGraphStore) DeleteNamespace(context.Context, string) error { return nil }
func (g *fakeGraphStore) Ping(context.Context) error                    { return nil }
func (g *fakeGraphStore) Close() error                                  { return nil }

type fakeEmbedder struct {
	dim   int
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, _, text string) ([]float32, error) {
	e.calls++
	return make([]float32, e.dim), nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension() int    { return e.dim }
func (e *fakeEmbedder) ModelName() string { return "fake-embed" }

// --- tests ---

type coordinatorFixture struct {
	tenants   *fakeTenantRepo
	documents *fakeDocumentRepo
	vectors   *fakeVectorStore
	graph     *fakeGraphStore
	coord     *Coordinator
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		tenants:   newFakeTenantRepo(),
		documents: newFakeDocumentRepo(),
		vectors:   newFakeVectorStore(),
		graph:     &fakeGraphStore{},
	}
	f.tenants.tenants["acme"] = &repository.Tenant{ID: "acme", Name: "Acme", Status: repository.TenantActive}
	f.coord = NewCoordinator(CoordinatorConfig{
		Tenants:   f.tenants,
		Documents: f.documents,
		Vectors:   f.vectors,
		Graph:     f.graph,
		Embedder:  &fakeEmbedder{dim: 8},
		Chunker:   NewChunker(ChunkerConfig{TargetSize: 20, MaxSize: 40, Overlap: 0, Method: "fixed"}),
	})
	return f
}

func TestIngestWritesAllBackends(t *testing.T) {
	f := newCoordinatorFixture(t)

	res, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme",
		Filename: "notes.md",
		Content:  "# Meeting Notes\n\n" + strings.Repeat("word ", 60),
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Title != "Meeting Notes" {
		t.Errorf("title = %q", res.Title)
	}
	if !res.Vector.OK || !res.Graph.OK {
		t.Errorf("backend outcomes = %+v", res)
	}
	if res.ChunkCount == 0 {
		t.Error("no chunks produced")
	}
	if got := len(f.vectors.inserted["acme"]); got != res.ChunkCount {
		t.Errorf("vector chunks = %d, want %d", got, res.ChunkCount)
	}
	if len(f.graph.episodes) != res.ChunkCount {
		t.Errorf("episodes = %d, want one per chunk", len(f.graph.episodes))
	}
	for _, ep := range f.graph.episodes {
		if ep.TenantID != "acme" {
			t.Errorf("episode tenant = %q", ep.TenantID)
		}
	}
}

func TestIngestSuspendedTenant(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.tenants.tenants["acme"].Status = repository.TenantSuspended

	_, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "a.md", Content: "text body here",
	})
	if !apperr.Is(err, apperr.TenantUnavailable) {
		t.Errorf("error kind = %v, want TenantUnavailable", apperr.KindOf(err))
	}
}

func TestIngestUnknownTenant(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "ghost", Filename: "a.md", Content: "text body here",
	})
	if !apperr.Is(err, apperr.TenantUnavailable) {
		t.Errorf("error kind = %v, want TenantUnavailable", apperr.KindOf(err))
	}
}

func TestIngestQuotaExceeded(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.tenants.tenants["acme"].MaxDocuments = 2
	f.tenants.counts["acme"] = 2

	_, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "a.md", Content: "text body here",
	})
	if !apperr.Is(err, apperr.QuotaExceeded) {
		t.Errorf("error kind = %v, want QuotaExceeded", apperr.KindOf(err))
	}
}

func TestIngestEmptyContent(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "a.md", Content: "   \n\n  ",
	})
	if !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("error kind = %v, want ValidationFailed", apperr.KindOf(err))
	}
}

func TestReingestReplacesInsteadOfDuplicating(t *testing.T) {
	f := newCoordinatorFixture(t)

	first, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "plan.md", Content: "# Plan v1\n\noriginal content here for the plan",
	})
	if err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}

	// Quota is full, but re-ingest of the same source must still work.
	f.tenants.tenants["acme"].MaxDocuments = 1
	f.tenants.counts["acme"] = 1

	second, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "plan.md", Content: "# Plan v2\n\nrevised content here for the plan",
	})
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if !second.Reingested {
		t.Error("second ingest not flagged as re-ingest")
	}
	if second.DocumentID != first.DocumentID {
		t.Errorf("document id changed: %v -> %v", first.DocumentID, second.DocumentID)
	}
	if len(f.documents.docs) != 1 {
		t.Errorf("documents = %d, want 1", len(f.documents.docs))
	}
	if f.documents.updates != 1 {
		t.Errorf("updates = %d, want 1", f.documents.updates)
	}
	if len(f.vectors.deletedDocs) != 1 || f.vectors.deletedDocs[0] != first.DocumentID.String() {
		t.Errorf("stale vectors not deleted: %v", f.vectors.deletedDocs)
	}
	if f.documents.docs[second.DocumentID].Title != "Plan v2" {
		t.Errorf("title not updated: %q", f.documents.docs[second.DocumentID].Title)
	}
}

func TestIngestPartialBackendFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.graph.addErr = errors.New("extractor down")

	res, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme", Filename: "a.md", Content: "some document content for ingestion",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v, backend failures must be partial", err)
	}
	if !res.Vector.OK {
		t.Error("vector write should have succeeded")
	}
	if res.Graph.OK || res.Graph.Error == "" {
		t.Errorf("graph outcome = %+v, want reported failure", res.Graph)
	}
}

func TestIngestCollapsesOversizedDocumentToOneEpisode(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coord.episodeTokenCeiling = 50

	res, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme",
		Filename: "big.md",
		Content:  "# Big Document\n\n" + strings.Repeat("word ", 400),
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.ChunkCount < 2 {
		t.Fatalf("chunk count = %d, test needs a multi-chunk document", res.ChunkCount)
	}
	if len(f.graph.episodes) != 1 {
		t.Fatalf("episodes = %d, want 1 collapsed episode", len(f.graph.episodes))
	}
	ep := f.graph.episodes[0]
	if ep.Name != "Big Document" {
		t.Errorf("episode name = %q", ep.Name)
	}
	if got := len(strings.Fields(ep.Content)); got > 50 {
		t.Errorf("episode words = %d, want <= ceiling", got)
	}
}

func TestIngestAttachesEntityHintsToChunkMetadata(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coord.Ingest(context.Background(), IngestRequest{
		TenantID: "acme",
		Filename: "status.md",
		Content:  "# Status\n\nClient: Globex Corp\nWe deploy on Kubernetes with Postgres.",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	chunks := f.vectors.inserted["acme"]
	if len(chunks) == 0 {
		t.Fatal("no chunks inserted")
	}
	if got := chunks[0].Metadata["hint_clients"]; got != "Globex Corp" {
		t.Errorf("hint_clients = %q", got)
	}
	if got := chunks[0].Metadata["hint_technologies"]; !strings.Contains(got, "Kubernetes") {
		t.Errorf("hint_technologies = %q", got)
	}
}
