// Package graphstore provides the tenant-namespaced knowledge graph adapter.
// Ingestion is coarse-grained at the episode level; the external extractor
// derives entities, relationships, and facts, which the adapter then tags
// with the owning tenant before the write is considered complete.
package graphstore

import (
	"context"
	"time"
)

// SearchKind selects which node population a graph search targets.
type SearchKind string

const (
	SearchSimilarity SearchKind = "similarity"
	SearchEntities   SearchKind = "entities"
	SearchFacts      SearchKind = "facts"
)

// Direction selects edge orientation for relationship queries.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Episode is the unit of graph ingestion.
type Episode struct {
	TenantID          string
	Name              string
	Content           string
	ReferenceTime     time.Time
	SourceDescription string
}

// EpisodeRef identifies a stored episode.
type EpisodeRef struct {
	ID       string
	TenantID string
}

// Entity is a graph node owned by a tenant.
type Entity struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Summary  string            `json:"summary,omitempty"`
	Labels   []string          `json:"labels,omitempty"`
	Attrs    map[string]string `json:"attributes,omitempty"`
}

// Edge is a directed relationship between two entities of the same tenant.
type Edge struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Type       string `json:"type"`
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	Fact       string `json:"fact,omitempty"`
}

// Fact is a temporal statement derived from episodes.
type Fact struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Body      string     `json:"body"`
	EntityIDs []string   `json:"entity_ids,omitempty"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	Score     float32    `json:"score,omitempty"`
}

// Result is a single graph search hit.
type Result struct {
	Kind   SearchKind `json:"kind"`
	Entity *Entity    `json:"entity,omitempty"`
	Fact   *Fact      `json:"fact,omitempty"`
	Score  float32    `json:"score"`
}

// FactEvent is a timeline entry for an entity, ordered by valid_at desc.
type FactEvent struct {
	Fact    Fact      `json:"fact"`
	ValidAt time.Time `json:"valid_at"`
}

// Path is a node/edge alternation between two entities.
type Path struct {
	Entities []Entity `json:"entities"`
	Edges    []Edge   `json:"edges"`
}

// Stats summarizes a tenant's graph contents.
type Stats struct {
	Entities      int            `json:"entities"`
	Relationships int            `json:"relationships"`
	Facts         int            `json:"facts"`
	Episodes      int            `json:"episodes"`
	ByType        map[string]int `json:"by_type,omitempty"`
}

// GraphStore defines the tenant-scoped graph operations.
type GraphStore interface {
	// AddEpisode submits content to the extractor and tags everything it
	// produced with the tenant before returning.
	AddEpisode(ctx context.Context, ep Episode) (*EpisodeRef, error)

	// Search queries the tenant's subgraph for similarity hits, entities, or
	// facts.
	Search(ctx context.Context, tenantID, query string, kind SearchKind, limit int) ([]Result, error)

	// EntityRelationships lists edges touching an entity, optionally
	// restricted by type.
	EntityRelationships(ctx context.Context, tenantID, entityID string, direction Direction, types []string, limit int) ([]Edge, error)

	// EntityTimeline returns an entity's facts sorted by valid_at descending.
	EntityTimeline(ctx context.Context, tenantID, entityID string, limit int) ([]FactEvent, error)

	// ShortestPath finds a path between two named entities, bounded by
	// maxDepth; every node and edge on the path shares the tenant.
	ShortestPath(ctx context.Context, tenantID, sourceName, targetName string, maxDepth int) ([]Path, error)

	// Stats counts the tenant's graph objects.
	Stats(ctx context.Context, tenantID string) (*Stats, error)

	// DeleteNamespace removes everything the tenant owns.
	DeleteNamespace(ctx context.Context, tenantID string) error

	// Ping verifies connectivity, used by the readiness probe.
	Ping(ctx context.Context) error

	Close() error
}

// Namespace derives the deterministic per-tenant graph namespace.
func Namespace(tenantID string) string {
	return "tenant_" + tenantID
}
