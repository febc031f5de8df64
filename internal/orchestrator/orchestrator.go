// Package orchestrator fans a question out across the vector, graph, and
// enterprise search backends and composes a single cited answer. Backends
// that miss their deadline are dropped, not failed: the answer is built from
// whatever arrived.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/embedder"
	"github.com/kmorita/conflux/internal/ess"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// Default tuning knobs. All overridable via Config.
const (
	DefaultTopK          = 10
	DefaultMinScore      = 0.5
	DefaultVectorWeight  = 0.7
	DefaultVectorTimeout = 3 * time.Second
	DefaultGraphTimeout  = 5 * time.Second
	DefaultESSTimeout    = 90 * time.Second
	DefaultHardDeadline  = 120 * time.Second
)

// Flags enables or disables each backend for one query and carries the
// ranking knobs.
type Flags struct {
	UseVector bool
	UseGraph  bool
	UseESS    bool

	TopK         int
	MinScore     float32
	VectorWeight float32
	MaxRetries   int
}

// DefaultFlags enables everything with the default knobs.
func DefaultFlags() Flags {
	return Flags{
		UseVector:    true,
		UseGraph:     true,
		UseESS:       true,
		TopK:         DefaultTopK,
		MinScore:     DefaultMinScore,
		VectorWeight: DefaultVectorWeight,
	}
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Tenants  repository.TenantRepository
	Vectors  vectorstore.Store
	Graph    graphstore.GraphStore
	ESS      *ess.Client
	Bindings *ess.BindingManager
	Embedder embedder.TenantEmbedder

	// CCPairID is the connector-credential pair provisioned for this
	// deployment's corpus.
	CCPairID int

	VectorTimeout time.Duration
	GraphTimeout  time.Duration
	ESSTimeout    time.Duration
	HardDeadline  time.Duration

	Logger *slog.Logger
}

// Orchestrator is the synthesis engine.
type Orchestrator struct {
	tenants  repository.TenantRepository
	vectors  vectorstore.Store
	graph    graphstore.GraphStore
	essc     *ess.Client
	bindings *ess.BindingManager
	embedder embedder.TenantEmbedder

	ccPairID      int
	vectorTimeout time.Duration
	graphTimeout  time.Duration
	essTimeout    time.Duration
	hardDeadline  time.Duration
	logger        *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		tenants:       cfg.Tenants,
		vectors:       cfg.Vectors,
		graph:         cfg.Graph,
		essc:          cfg.ESS,
		bindings:      cfg.Bindings,
		embedder:      cfg.Embedder,
		ccPairID:      cfg.CCPairID,
		vectorTimeout: cfg.VectorTimeout,
		graphTimeout:  cfg.GraphTimeout,
		essTimeout:    cfg.ESSTimeout,
		hardDeadline:  cfg.HardDeadline,
		logger:        cfg.Logger,
	}
	if o.vectorTimeout <= 0 {
		o.vectorTimeout = DefaultVectorTimeout
	}
	if o.graphTimeout <= 0 {
		o.graphTimeout = DefaultGraphTimeout
	}
	if o.essTimeout <= 0 {
		o.essTimeout = DefaultESSTimeout
	}
	if o.hardDeadline <= 0 {
		o.hardDeadline = DefaultHardDeadline
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// graphResults bundles the graph leg of the fan-out.
type graphResults struct {
	Facts []graphstore.Fact
	Edges []graphstore.Edge
}

// essResult bundles the ESS leg, including the degraded simple-chat path.
type essResult struct {
	Answer     string
	SourceDocs []ess.SourceDoc
	Attempted  bool
	Degraded   bool
}

// Query runs the full retrieval and synthesis pipeline for a tenant question.
func (o *Orchestrator) Query(ctx context.Context, tenantID, text string, flags Flags) (*SynthesizedAnswer, error) {
	start := time.Now()

	if text == "" {
		return nil, apperr.New(apperr.ValidationFailed, "query text is empty")
	}
	if flags.TopK <= 0 {
		flags.TopK = DefaultTopK
	}
	if flags.MinScore <= 0 {
		flags.MinScore = DefaultMinScore
	}
	if flags.VectorWeight <= 0 {
		flags.VectorWeight = DefaultVectorWeight
	}

	tenant, err := o.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.TenantUnavailable, "tenant %q not found", tenantID)
		}
		return nil, apperr.Wrap(apperr.Internal, "tenant lookup failed", err)
	}
	if tenant.Status != repository.TenantActive {
		return nil, apperr.Newf(apperr.TenantUnavailable, "tenant %q is %s", tenantID, tenant.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, o.hardDeadline)
	defer cancel()

	queryVec, err := o.embedder.Embed(ctx, tenantID, text)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "query embedding failed", err)
	}

	// Each leg owns exactly one result slot and one elapsed slot; nothing is
	// shared until g.Wait() returns.
	var (
		vecHits    []vectorstore.Hit
		graphRes   graphResults
		essRes     essResult
		vecElapsed time.Duration
		grElapsed  time.Duration
		essElapsed time.Duration
	)

	// Backend errors never cancel siblings: each task logs its own failure
	// and leaves its result set empty. Only isolation violations surface.
	var g errgroup.Group

	if flags.UseVector {
		g.Go(func() error {
			t0 := time.Now()
			defer func() { vecElapsed = time.Since(t0) }()

			vctx, vcancel := context.WithTimeout(ctx, o.vectorTimeout)
			defer vcancel()
			hits, err := o.vectors.HybridSearch(vctx, tenantID, queryVec, text, flags.TopK, flags.MinScore, flags.VectorWeight)
			if err != nil {
				if apperr.Is(err, apperr.IsolationViolation) {
					return err
				}
				o.logger.Warn("vector backend dropped", "tenant_id", tenantID, "error", err)
				return nil
			}
			vecHits = hits
			return nil
		})
	}

	if flags.UseGraph {
		g.Go(func() error {
			t0 := time.Now()
			defer func() { grElapsed = time.Since(t0) }()

			gtx, gcancel := context.WithTimeout(ctx, o.graphTimeout)
			defer gcancel()
			res, err := o.searchGraph(gtx, tenantID, text, flags.TopK)
			if err != nil {
				if apperr.Is(err, apperr.IsolationViolation) {
					return err
				}
				o.logger.Warn("graph backend dropped", "tenant_id", tenantID, "error", err)
				return nil
			}
			graphRes = *res
			return nil
		})
	}

	if flags.UseESS && o.essc != nil {
		g.Go(func() error {
			t0 := time.Now()
			defer func() { essElapsed = time.Since(t0) }()

			ectx, ecancel := context.WithTimeout(ctx, o.essTimeout)
			defer ecancel()
			essRes = o.searchESS(ectx, tenantID, text, flags.MaxRetries)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Only isolation violations propagate out of the group.
		return nil, err
	}

	answer := Synthesize(text, vecHits, graphRes, essRes)
	timings := make(map[string]int64)
	if flags.UseVector {
		timings["vector_ms"] = vecElapsed.Milliseconds()
	}
	if flags.UseGraph {
		timings["graph_ms"] = grElapsed.Milliseconds()
	}
	if flags.UseESS && o.essc != nil {
		timings["ess_ms"] = essElapsed.Milliseconds()
	}
	timings["total_ms"] = time.Since(start).Milliseconds()
	answer.Timings = timings

	o.logger.Info("query synthesized",
		"tenant_id", tenantID,
		"confidence", answer.Confidence,
		"systems_used", answer.SystemsUsed,
		"citations", len(answer.Citations),
		"total_ms", timings["total_ms"],
	)
	return answer, nil
}

// searchGraph runs similarity search plus a best-effort relationship
// expansion for the highest-scoring entity.
func (o *Orchestrator) searchGraph(ctx context.Context, tenantID, text string, topK int) (*graphResults, error) {
	results, err := o.graph.Search(ctx, tenantID, text, graphstore.SearchSimilarity, topK)
	if err != nil {
		return nil, err
	}

	res := &graphResults{}
	var topEntity *graphstore.Entity
	for _, r := range results {
		if r.Fact != nil {
			res.Facts = append(res.Facts, *r.Fact)
		}
		if r.Entity != nil && topEntity == nil {
			topEntity = r.Entity
		}
	}

	if topEntity != nil {
		edges, err := o.graph.EntityRelationships(ctx, tenantID, topEntity.ID, graphstore.DirectionBoth, nil, 3)
		if err != nil {
			// Best-effort: relationship expansion failing never drops the facts.
			o.logger.Debug("relationship expansion skipped", "entity_id", topEntity.ID, "error", err)
		} else {
			res.Edges = edges
		}
	}
	return res, nil
}

// searchESS runs the targeted search with retries, degrading to simple chat
// when the targeted path yields nothing.
func (o *Orchestrator) searchESS(ctx context.Context, tenantID, text string, maxRetries int) essResult {
	res := essResult{Attempted: true}

	docSetID, err := o.bindings.EnsureDocumentSet(ctx, tenantID, o.ccPairID)
	if err != nil {
		o.logger.Warn("ess binding unavailable", "tenant_id", tenantID, "error", err)
		return res
	}

	search, err := o.essc.Search(ctx, text, docSetID, maxRetries)
	if err != nil {
		o.logger.Warn("ess search aborted", "tenant_id", tenantID, "error", err)
		return res
	}
	if search.Success && search.Answer != "" {
		res.Answer = search.Answer
		res.SourceDocs = search.SourceDocs
		return res
	}

	answer, err := o.essc.SimpleChat(ctx, text)
	if err != nil || answer == "" {
		o.logger.Warn("ess simple chat empty", "tenant_id", tenantID, "error", err)
		return res
	}
	res.Answer = answer
	res.Degraded = true
	return res
}
