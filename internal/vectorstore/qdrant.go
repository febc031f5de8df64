package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kmorita/conflux/internal/apperr"
)

const (
	// chunkCollection is the single shared collection. Tenancy is enforced
	// by the indexed tenant_id payload field, not by collection-per-tenant.
	chunkCollection = "chunks"

	// hybridCandidateFactor controls how many vector candidates are fetched
	// before lexical re-scoring trims back to topK.
	hybridCandidateFactor = 3
)

// QdrantStore implements Store using Qdrant over gRPC.
type QdrantStore struct {
	client    *qdrant.Client
	dimension int
	logger    *slog.Logger
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string, dimension int, logger *slog.Logger) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &QdrantStore{client: client, dimension: dimension, logger: logger}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity by checking collection existence.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.CollectionExists(ctx, chunkCollection); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "qdrant unreachable", err)
	}
	return nil
}

// EnsureCollection creates the shared chunk collection and the tenant_id
// payload index if they do not already exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, chunkCollection)
	if err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "failed to check collection existence", err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: chunkCollection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return apperr.Wrap(apperr.BackendUnavailable, "failed to create collection", err)
		}
	}

	// Keyword index on tenant_id keeps the mandatory filter cheap. Idempotent.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: chunkCollection,
		FieldName:      "tenant_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "failed to index tenant_id", err)
	}
	s.dimension = dimension
	return nil
}

// tenantFilter builds the mandatory ownership predicate for a tenant.
func tenantFilter(tenantID string, extra ...*qdrant.Condition) *qdrant.Filter {
	must := append([]*qdrant.Condition{qdrant.NewMatch("tenant_id", tenantID)}, extra...)
	return &qdrant.Filter{Must: must}
}

// InsertChunks upserts a single-tenant batch of chunks.
func (s *QdrantStore) InsertChunks(ctx context.Context, tenantID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		if chunk.TenantID != tenantID {
			return apperr.Newf(apperr.ValidationFailed,
				"chunk %s belongs to tenant %q, batch is for %q", chunk.ID, chunk.TenantID, tenantID)
		}
		if len(chunk.Embedding) != s.dimension {
			return apperr.Newf(apperr.ValidationFailed,
				"chunk %s embedding dimension %d, want %d", chunk.ID, len(chunk.Embedding), s.dimension)
		}

		payload := map[string]*qdrant.Value{
			"tenant_id":       qdrant.NewValueString(chunk.TenantID),
			"document_id":     qdrant.NewValueString(chunk.DocumentID),
			"chunk_index":     qdrant.NewValueInt(int64(chunk.ChunkIndex)),
			"content":         qdrant.NewValueString(chunk.Content),
			"document_title":  qdrant.NewValueString(chunk.DocumentTitle),
			"document_source": qdrant.NewValueString(chunk.DocumentSource),
		}
		for k, v := range chunk.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(chunk.ID),
			Vectors: qdrant.NewVectors(chunk.Embedding...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: chunkCollection,
		Points:         points,
	})
	if err != nil {
		return apperr.Wrap(apperr.BackendTransient, "failed to upsert points", err)
	}

	return nil
}

// VectorSearch performs tenant-filtered similarity search.
func (s *QdrantStore) VectorSearch(ctx context.Context, tenantID string, queryVec []float32, topK int, threshold float32) ([]Hit, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: chunkCollection,
		Query:          qdrant.NewQuery(queryVec...),
		Filter:         tenantFilter(tenantID),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(threshold),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "vector search failed", err)
	}

	hits := make([]Hit, 0, len(response))
	for _, point := range response {
		hit, err := s.hitFromPoint(tenantID, point)
		if err != nil {
			return nil, err
		}
		hit.Score = point.Score
		hits = append(hits, hit)
	}
	return hits, nil
}

// HybridSearch fetches extra vector candidates and re-scores them against the
// query text, blending both legs into the final ranking.
func (s *QdrantStore) HybridSearch(ctx context.Context, tenantID string, queryVec []float32, queryText string, topK int, threshold, vectorWeight float32) ([]Hit, error) {
	candidateLimit := uint64(topK * hybridCandidateFactor)
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: chunkCollection,
		Query:          qdrant.NewQuery(queryVec...),
		Filter:         tenantFilter(tenantID),
		Limit:          qdrant.PtrOf(candidateLimit),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(threshold),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "hybrid search failed", err)
	}

	queryTokens := tokenize(queryText)
	hits := make([]Hit, 0, len(response))
	for _, point := range response {
		hit, err := s.hitFromPoint(tenantID, point)
		if err != nil {
			return nil, err
		}
		hit.VectorScore = point.Score
		lex := float32(jaccardSimilarity(queryTokens, tokenize(hit.Content)))
		hit.Score = CombineScores(point.Score, lex, vectorWeight)
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// hitFromPoint converts a scored point, verifying tenant ownership. A point
// with a foreign tenant_id aborts the whole query.
func (s *QdrantStore) hitFromPoint(tenantID string, point *qdrant.ScoredPoint) (Hit, error) {
	hit := Hit{
		ChunkID:  point.Id.GetUuid(),
		Metadata: make(map[string]string),
	}

	payload := point.Payload
	if payload == nil {
		return Hit{}, apperr.Newf(apperr.Internal, "point %s has no payload", hit.ChunkID)
	}

	hit.TenantID = payload["tenant_id"].GetStringValue()
	if hit.TenantID != tenantID {
		s.logger.Error("vector result owned by another tenant",
			"isolation_violation", true,
			"requested_tenant", tenantID,
			"result_tenant", hit.TenantID,
			"chunk_id", hit.ChunkID,
		)
		return Hit{}, apperr.Newf(apperr.IsolationViolation,
			"result chunk %s does not belong to tenant %q", hit.ChunkID, tenantID)
	}

	hit.DocumentID = payload["document_id"].GetStringValue()
	hit.Content = payload["content"].GetStringValue()
	hit.DocumentTitle = payload["document_title"].GetStringValue()
	hit.DocumentSource = payload["document_source"].GetStringValue()
	for k, v := range payload {
		switch k {
		case "tenant_id", "document_id", "chunk_index", "content", "document_title", "document_source":
		default:
			hit.Metadata[k] = v.GetStringValue()
		}
	}
	return hit, nil
}

// DeleteByDocument removes a document's chunks, tenant-scoped.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: chunkCollection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: tenantFilter(tenantID, qdrant.NewMatch("document_id", documentID)),
			},
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.BackendTransient, "failed to delete document chunks", err)
	}
	return nil
}

// DeleteByTenant removes every chunk a tenant owns.
func (s *QdrantStore) DeleteByTenant(ctx context.Context, tenantID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: chunkCollection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: tenantFilter(tenantID),
			},
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.BackendTransient, "failed to delete tenant chunks", err)
	}
	return nil
}

// Ensure QdrantStore implements Store
var _ Store = (*QdrantStore)(nil)
