package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/embedder"
	"github.com/kmorita/conflux/internal/ess"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// DefaultEpisodeTokenCeiling caps what a single document may send to the
// graph extractor chunk-by-chunk before collapsing to one truncated episode.
const DefaultEpisodeTokenCeiling = 6000

// CoordinatorConfig wires the coordinator's collaborators and knobs.
type CoordinatorConfig struct {
	Tenants   repository.TenantRepository
	Documents repository.DocumentRepository
	Vectors   vectorstore.Store
	Graph     graphstore.GraphStore
	Embedder  embedder.TenantEmbedder

	// ESS is optional; nil disables mirroring regardless of request flags.
	ESS *ess.Client

	Chunker             *Chunker
	EpisodeTokenCeiling int
	Logger              *slog.Logger
}

// Coordinator runs the ingest pipeline: normalize, chunk, embed, then
// dual-write to the vector and graph stores with an optional ESS mirror.
type Coordinator struct {
	tenants   repository.TenantRepository
	documents repository.DocumentRepository
	vectors   vectorstore.Store
	graph     graphstore.GraphStore
	embedder  embedder.TenantEmbedder
	essClient *ess.Client

	chunker             *Chunker
	episodeTokenCeiling int
	logger              *slog.Logger
	now                 func() time.Time
}

// NewCoordinator creates an ingestion coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	chunker := cfg.Chunker
	if chunker == nil {
		chunker = NewChunker(ChunkerConfig{})
	}
	ceiling := cfg.EpisodeTokenCeiling
	if ceiling <= 0 {
		ceiling = DefaultEpisodeTokenCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tenants:             cfg.Tenants,
		documents:           cfg.Documents,
		vectors:             cfg.Vectors,
		graph:               cfg.Graph,
		embedder:            cfg.Embedder,
		essClient:           cfg.ESS,
		chunker:             chunker,
		episodeTokenCeiling: ceiling,
		logger:              logger,
		now:                 time.Now,
	}
}

// IngestRequest carries one document into the pipeline.
type IngestRequest struct {
	TenantID string
	Filename string
	Content  string
	Metadata map[string]string

	// MirrorToESS uploads the document to the enterprise search service.
	MirrorToESS bool
}

// BackendOutcome reports one backend's share of the dual-write.
type BackendOutcome struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// IngestionResult reports the outcome per backend. Partial failure is
// permitted: the ingest succeeded for the backends that accepted it.
type IngestionResult struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Title      string         `json:"title"`
	ChunkCount int            `json:"chunk_count"`
	Reingested bool           `json:"reingested"`
	Vector     BackendOutcome `json:"vector"`
	Graph      BackendOutcome `json:"graph"`
	ESS        BackendOutcome `json:"ess,omitempty"`
}

// Ingest runs the full pipeline for one document. Pre-write failures (tenant
// state, quota, validation, embedding) return an error; backend write
// failures are reported per backend in the result.
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (*IngestionResult, error) {
	tenant, err := c.resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	content := Normalize(req.Content)
	if content == "" {
		return nil, apperr.New(apperr.ValidationFailed, "document content is empty")
	}
	title := ExtractTitle(content, req.Filename)

	// Re-ingest of the same source replaces prior chunks instead of
	// accumulating duplicates.
	existing, err := c.documents.GetBySource(ctx, tenant.ID, req.Filename)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, "document lookup failed", err)
	}
	reingest := existing != nil

	if !reingest {
		if err := c.checkQuota(ctx, tenant); err != nil {
			return nil, err
		}
	}

	chunks := c.chunker.Chunk(content)
	if len(chunks) == 0 {
		return nil, apperr.New(apperr.ValidationFailed, "document produced no chunks")
	}

	hints := ExtractEntityHints(content)

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	embeddings, err := c.embedder.EmbedBatch(ctx, tenant.ID, texts)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "embedding failed", err)
	}
	dim := c.embedder.Dimension()
	for i, vec := range embeddings {
		if err := embedder.VerifyDimension(vec, dim); err != nil {
			return nil, apperr.Wrap(apperr.Internal, fmt.Sprintf("chunk %d", i), err)
		}
	}

	docID := uuid.New()
	if reingest {
		docID = existing.ID
	}

	result := &IngestionResult{
		DocumentID: docID,
		Title:      title,
		ChunkCount: len(chunks),
		Reingested: reingest,
	}

	rows := c.buildChunkRows(tenant.ID, docID, chunks, embeddings, hints)

	result.Vector = c.writeVector(ctx, tenant.ID, docID, title, req, content, rows, reingest, existing)
	result.Graph = c.writeGraph(ctx, tenant.ID, title, req.Filename, chunks)
	if req.MirrorToESS && c.essClient != nil {
		result.ESS = c.writeESS(ctx, tenant.ID, title, req.Filename, chunks, hints)
	}

	c.logger.Info("ingest complete",
		"tenant_id", tenant.ID,
		"document_id", docID,
		"title", title,
		"chunks", len(chunks),
		"reingested", reingest,
		"vector_ok", result.Vector.OK,
		"graph_ok", result.Graph.OK,
		"ess_ok", result.ESS.OK,
	)
	return result, nil
}

func (c *Coordinator) resolveTenant(ctx context.Context, tenantID string) (*repository.Tenant, error) {
	tenant, err := c.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.TenantUnavailable, "tenant %q not found", tenantID)
		}
		return nil, apperr.Wrap(apperr.Internal, "tenant lookup failed", err)
	}
	if tenant.Status != repository.TenantActive {
		return nil, apperr.Newf(apperr.TenantUnavailable, "tenant %q is %s", tenantID, tenant.Status)
	}
	return tenant, nil
}

func (c *Coordinator) checkQuota(ctx context.Context, tenant *repository.Tenant) error {
	if tenant.MaxDocuments <= 0 {
		return nil
	}
	count, err := c.tenants.CountDocuments(ctx, tenant.ID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "document count failed", err)
	}
	if count >= tenant.MaxDocuments {
		return apperr.Newf(apperr.QuotaExceeded,
			"tenant %q at document quota (%d/%d)", tenant.ID, count, tenant.MaxDocuments)
	}
	return nil
}

// buildChunkRows materializes repository chunk rows with embeddings and
// entity hints merged into metadata.
func (c *Coordinator) buildChunkRows(tenantID string, docID uuid.UUID, chunks []Chunk, embeddings [][]float32, hints map[string]string) []*repository.Chunk {
	now := c.now()
	rows := make([]*repository.Chunk, len(chunks))
	for i, ch := range chunks {
		meta := make(map[string]string, len(ch.Metadata)+len(hints))
		for k, v := range ch.Metadata {
			meta[k] = v
		}
		for k, v := range hints {
			meta[k] = v
		}
		rows[i] = &repository.Chunk{
			ID:         uuid.New(),
			TenantID:   tenantID,
			DocumentID: docID,
			ChunkIndex: i,
			Content:    ch.Content,
			TokenCount: ch.TokenCount,
			Embedding:  embeddings[i],
			Metadata:   meta,
			CreatedAt:  now,
		}
	}
	return rows
}

// writeVector persists the document row and chunks, then mirrors the chunks
// into the vector index. The document row comes first so a vector hit can
// always resolve back to its document.
func (c *Coordinator) writeVector(ctx context.Context, tenantID string, docID uuid.UUID, title string, req IngestRequest, content string, rows []*repository.Chunk, reingest bool, existing *repository.Document) BackendOutcome {
	now := c.now()
	doc := &repository.Document{
		ID:         docID,
		TenantID:   tenantID,
		Title:      title,
		Source:     req.Filename,
		Content:    content,
		ChunkCount: len(rows),
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if reingest {
		doc.CreatedAt = existing.CreatedAt
		if err := c.documents.Update(ctx, doc); err != nil {
			return BackendOutcome{Error: fmt.Sprintf("document update: %v", err)}
		}
		if _, err := c.documents.DeleteChunks(ctx, tenantID, docID); err != nil {
			return BackendOutcome{Error: fmt.Sprintf("stale chunk delete: %v", err)}
		}
		if err := c.vectors.DeleteByDocument(ctx, tenantID, docID.String()); err != nil {
			return BackendOutcome{Error: fmt.Sprintf("stale vector delete: %v", err)}
		}
	} else {
		if err := c.documents.Create(ctx, doc); err != nil {
			return BackendOutcome{Error: fmt.Sprintf("document create: %v", err)}
		}
	}

	if err := c.documents.CreateChunks(ctx, rows); err != nil {
		return BackendOutcome{Error: fmt.Sprintf("chunk insert: %v", err)}
	}

	points := make([]vectorstore.Chunk, len(rows))
	for i, row := range rows {
		points[i] = vectorstore.Chunk{
			ID:             row.ID.String(),
			TenantID:       tenantID,
			DocumentID:     docID.String(),
			ChunkIndex:     row.ChunkIndex,
			Content:        row.Content,
			Embedding:      row.Embedding,
			DocumentTitle:  title,
			DocumentSource: req.Filename,
			Metadata:       row.Metadata,
		}
	}
	if err := c.vectors.InsertChunks(ctx, tenantID, points); err != nil {
		return BackendOutcome{Error: fmt.Sprintf("vector upsert: %v", err)}
	}

	return BackendOutcome{OK: true, Count: len(rows)}
}

// writeGraph sends episodes to the graph extractor: one per chunk while the
// document fits under the token ceiling, otherwise a single truncated episode
// for the whole document.
func (c *Coordinator) writeGraph(ctx context.Context, tenantID, title, source string, chunks []Chunk) BackendOutcome {
	totalTokens := 0
	for _, ch := range chunks {
		totalTokens += ch.TokenCount
	}

	now := c.now()
	var episodes []graphstore.Episode
	if totalTokens > c.episodeTokenCeiling {
		var all []string
		for _, ch := range chunks {
			all = append(all, ch.Content)
		}
		combined := TruncateAtWordBoundary(joinParagraphs(all), c.episodeTokenCeiling)
		episodes = []graphstore.Episode{{
			TenantID:          tenantID,
			Name:              title,
			Content:           combined,
			ReferenceTime:     now,
			SourceDescription: source,
		}}
	} else {
		episodes = make([]graphstore.Episode, len(chunks))
		for i, ch := range chunks {
			episodes[i] = graphstore.Episode{
				TenantID:          tenantID,
				Name:              fmt.Sprintf("%s (part %d)", title, i+1),
				Content:           ch.Content,
				ReferenceTime:     now,
				SourceDescription: source,
			}
		}
	}

	written := 0
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return BackendOutcome{Count: written, Error: err.Error()}
		}
		if _, err := c.graph.AddEpisode(ctx, ep); err != nil {
			return BackendOutcome{Count: written, Error: fmt.Sprintf("episode %q: %v", ep.Name, err)}
		}
		written++
	}
	return BackendOutcome{OK: true, Count: written}
}

// writeESS mirrors the document into the enterprise search service.
func (c *Coordinator) writeESS(ctx context.Context, tenantID, title, source string, chunks []Chunk, hints map[string]string) BackendOutcome {
	sections := make([]ess.Section, len(chunks))
	for i, ch := range chunks {
		sections[i] = ess.Section{Text: ch.Content}
	}
	res, err := c.essClient.Ingest(ctx, tenantID, ess.IngestDocument{
		Filename: source,
		Title:    title,
		Sections: sections,
		Metadata: hints,
	})
	if err != nil {
		return BackendOutcome{Error: fmt.Sprintf("ess upload: %v", err)}
	}
	return BackendOutcome{OK: true, Count: res.SectionsCount}
}

func joinParagraphs(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}
