// Package agent wraps the LLM with a fixed tool registry and runs the
// tool-call loop. Tools are pure functions of their arguments plus the
// request's auth context; no tool sees or accepts a tenant id — the runtime
// substitutes the authenticated tenant.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/auth"
	"github.com/kmorita/conflux/internal/embedder"
	"github.com/kmorita/conflux/internal/ess"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/llm"
	"github.com/kmorita/conflux/internal/orchestrator"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// Services is the immutable bundle of backends a tool may call.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Vectors      vectorstore.Store
	Graph        graphstore.GraphStore
	ESS          *ess.Client
	Bindings     *ess.BindingManager
	Embedder     embedder.TenantEmbedder

	CCPairID      int
	ESSMaxRetries int
}

// ToolFunc executes one tool call. The auth context supplies the tenant.
type ToolFunc func(ctx context.Context, ac *auth.AuthContext, svc Services, args json.RawMessage) (any, error)

// Tool couples a schema with its implementation.
type Tool struct {
	Def llm.ToolDef
	Run ToolFunc
}

// Registry is the fixed tool set exposed to the model.
type Registry struct {
	tools map[string]Tool
	order []string
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns the tool schemas in registration order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Def)
	}
	return defs
}

func (r *Registry) register(name, description, params string, fn ToolFunc) {
	r.tools[name] = Tool{
		Def: llm.ToolDef{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(params),
		},
		Run: fn,
	}
	r.order = append(r.order, name)
}

type searchArgs struct {
	Query        string  `json:"query"`
	TopK         int     `json:"top_k"`
	MinScore     float32 `json:"min_score"`
	VectorWeight float32 `json:"vector_weight"`
	Kind         string  `json:"kind"`
	Limit        int     `json:"limit"`
}

type entityArgs struct {
	EntityID   string   `json:"entity_id"`
	Direction  string   `json:"direction"`
	Types      []string `json:"types"`
	Limit      int      `json:"limit"`
	TargetName string   `json:"target_name"`
	MaxDepth   int      `json:"max_depth"`
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, apperr.Wrap(apperr.ValidationFailed, "malformed tool arguments", err)
	}
	return args, nil
}

// NewRegistry builds the fixed registry.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}

	r.register("vector_search",
		"Semantic similarity search over the tenant's document chunks. Best for finding passages about a topic.",
		`{"type":"object","properties":{"query":{"type":"string"},"top_k":{"type":"integer"},"min_score":{"type":"number"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			if args.TopK <= 0 {
				args.TopK = orchestrator.DefaultTopK
			}
			if args.MinScore <= 0 {
				args.MinScore = orchestrator.DefaultMinScore
			}
			vec, err := svc.Embedder.Embed(ctx, ac.TenantID, args.Query)
			if err != nil {
				return nil, err
			}
			return svc.Vectors.VectorSearch(ctx, ac.TenantID, vec, args.TopK, args.MinScore)
		})

	r.register("graph_search",
		"Search the tenant's knowledge graph for entities or facts. kind is one of similarity, entities, facts.",
		`{"type":"object","properties":{"query":{"type":"string"},"kind":{"type":"string","enum":["similarity","entities","facts"]},"limit":{"type":"integer"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			kind := graphstore.SearchKind(args.Kind)
			if args.Kind == "" {
				kind = graphstore.SearchSimilarity
			}
			return svc.Graph.Search(ctx, ac.TenantID, args.Query, kind, args.Limit)
		})

	r.register("hybrid_search",
		"Combined semantic and lexical search over document chunks. Use when exact wording matters as much as meaning.",
		`{"type":"object","properties":{"query":{"type":"string"},"top_k":{"type":"integer"},"min_score":{"type":"number"},"vector_weight":{"type":"number"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			if args.TopK <= 0 {
				args.TopK = orchestrator.DefaultTopK
			}
			if args.MinScore <= 0 {
				args.MinScore = orchestrator.DefaultMinScore
			}
			if args.VectorWeight <= 0 {
				args.VectorWeight = orchestrator.DefaultVectorWeight
			}
			vec, err := svc.Embedder.Embed(ctx, ac.TenantID, args.Query)
			if err != nil {
				return nil, err
			}
			return svc.Vectors.HybridSearch(ctx, ac.TenantID, vec, args.Query, args.TopK, args.MinScore, args.VectorWeight)
		})

	r.register("comprehensive_search",
		"Full fan-out across all knowledge sources with a synthesized, cited answer. Use for broad or important questions.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			return svc.Orchestrator.Query(ctx, ac.TenantID, args.Query, orchestrator.DefaultFlags())
		})

	r.register("entity_relationships",
		"List relationships touching a knowledge-graph entity. direction is in, out, or both.",
		`{"type":"object","properties":{"entity_id":{"type":"string"},"direction":{"type":"string","enum":["in","out","both"]},"types":{"type":"array","items":{"type":"string"}},"limit":{"type":"integer"}},"required":["entity_id"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[entityArgs](raw)
			if err != nil {
				return nil, err
			}
			direction := graphstore.Direction(args.Direction)
			if args.Direction == "" {
				direction = graphstore.DirectionBoth
			}
			return svc.Graph.EntityRelationships(ctx, ac.TenantID, args.EntityID, direction, args.Types, args.Limit)
		})

	r.register("entity_timeline",
		"Chronological facts about a knowledge-graph entity, newest first.",
		`{"type":"object","properties":{"entity_id":{"type":"string"},"limit":{"type":"integer"}},"required":["entity_id"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[entityArgs](raw)
			if err != nil {
				return nil, err
			}
			return svc.Graph.EntityTimeline(ctx, ac.TenantID, args.EntityID, args.Limit)
		})

	r.register("onyx_search",
		"Targeted enterprise search over the tenant's indexed corpus. Returns an answer with source documents.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			if svc.ESS == nil || svc.Bindings == nil {
				return nil, apperr.New(apperr.BackendUnavailable, "enterprise search is not configured")
			}
			docSetID, err := svc.Bindings.EnsureDocumentSet(ctx, ac.TenantID, svc.CCPairID)
			if err != nil {
				return nil, err
			}
			return svc.ESS.Search(ctx, args.Query, docSetID, svc.ESSMaxRetries)
		})

	r.register("onyx_answer_with_quote",
		"Enterprise search that returns an answer plus a supporting verbatim quote from the best source document.",
		`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		func(ctx context.Context, ac *auth.AuthContext, svc Services, raw json.RawMessage) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			if svc.ESS == nil || svc.Bindings == nil {
				return nil, apperr.New(apperr.BackendUnavailable, "enterprise search is not configured")
			}
			docSetID, err := svc.Bindings.EnsureDocumentSet(ctx, ac.TenantID, svc.CCPairID)
			if err != nil {
				return nil, err
			}
			res, err := svc.ESS.Search(ctx, args.Query, docSetID, svc.ESSMaxRetries)
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"success": res.Success,
				"answer":  res.Answer,
			}
			if len(res.SourceDocs) > 0 {
				out["quote"] = res.SourceDocs[0].Blurb
				out["quote_source"] = res.SourceDocs[0].SemanticID
			}
			if !res.Success {
				out["error"] = res.Error
			}
			return out, nil
		})

	return r
}

// Execute runs one named tool, enforcing that the tool exists and that the
// caller's context carries the tenant.
func (r *Registry) Execute(ctx context.Context, ac *auth.AuthContext, svc Services, call llm.ToolCall) (any, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return nil, apperr.Newf(apperr.ValidationFailed, "unknown tool %q", call.Name)
	}
	if ac == nil || ac.TenantID == "" {
		return nil, apperr.New(apperr.Unauthorized, "tool call without tenant identity")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tool %s cancelled: %w", call.Name, err)
	}
	return tool.Run(ctx, ac, svc, call.Arguments)
}
