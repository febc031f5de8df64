package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kmorita/conflux/internal/vectorstore"
)

// Confidence levels for a synthesized answer.
const (
	ConfidenceVeryHigh = "very_high"
	ConfidenceHigh     = "high"
	ConfidenceMedium   = "medium"
	ConfidenceLow      = "low"
	ConfidenceNone     = "none"
)

// Fallback chain markers. The chain records, in order, what the synthesizer
// attempted and what carried the answer.
const (
	chainESSAttempted  = "ess_attempted"
	chainESSSucceeded  = "ess_succeeded"
	chainESSFailed     = "ess_failed"
	chainESSDegraded   = "ess_degraded"
	chainESSPrimary    = "ess_primary"
	chainVectorPrimary = "vector_primary"
	chainGraphPrimary  = "graph_primary"
	chainGraphAdded    = "graph_synthesis_added"
	chainEvidenceAdded = "vector_evidence_added"
	chainNoResults     = "no_results"
)

// evidenceScoreFloor is the minimum hybrid score for a vector hit to appear
// in the Evidence paragraph of an ESS-primary answer.
const evidenceScoreFloor = 0.7

// primaryChunkLimit truncates the vector-primary chunk text.
const primaryChunkLimit = 500

// Citation points at one supporting item. Nothing enters the answer without
// a producible citation.
type Citation struct {
	Kind   string  `json:"kind"` // vector | graph | ess
	Source string  `json:"source"`
	Score  float32 `json:"score,omitempty"`
	ID     string  `json:"id"`
}

// SynthesizedAnswer is the orchestrator's composed output.
type SynthesizedAnswer struct {
	Text          string           `json:"text"`
	Citations     []Citation       `json:"citations"`
	SystemsUsed   []string         `json:"systems_used"`
	Confidence    string           `json:"confidence"`
	FallbackChain []string         `json:"fallback_chain"`
	Timings       map[string]int64 `json:"timings"`
}

// Synthesize composes the answer deterministically from the three result
// sets. Pure: same inputs, same output. Per-backend order is preserved;
// backends are composed, never interleaved.
func Synthesize(query string, vecHits []vectorstore.Hit, graph graphResults, essR essResult) *SynthesizedAnswer {
	a := &SynthesizedAnswer{
		Citations:     []Citation{},
		SystemsUsed:   []string{},
		FallbackChain: []string{},
		Confidence:    ConfidenceNone,
	}

	essAnswered := essR.Answer != ""
	if essR.Attempted {
		a.FallbackChain = append(a.FallbackChain, chainESSAttempted)
		if essAnswered {
			a.FallbackChain = append(a.FallbackChain, chainESSSucceeded)
			if essR.Degraded {
				a.FallbackChain = append(a.FallbackChain, chainESSDegraded)
			}
		} else {
			a.FallbackChain = append(a.FallbackChain, chainESSFailed)
		}
	}

	haveVector := len(vecHits) > 0
	haveGraph := len(graph.Facts) > 0 || len(graph.Edges) > 0

	if essAnswered {
		a.SystemsUsed = append(a.SystemsUsed, "ess")
	}
	if haveVector {
		a.SystemsUsed = append(a.SystemsUsed, "vector")
	}
	if haveGraph {
		a.SystemsUsed = append(a.SystemsUsed, "graph")
	}

	var sections []string
	switch {
	case essAnswered:
		a.FallbackChain = append(a.FallbackChain, chainESSPrimary)
		sections = append(sections, essR.Answer)
		for _, d := range essR.SourceDocs {
			a.Citations = append(a.Citations, Citation{
				Kind:   "ess",
				Source: d.SemanticID,
				Score:  d.Score,
				ID:     d.DocumentID,
			})
		}

		if para, cites := relationshipContext(graph, 2); para != "" {
			sections = append(sections, para)
			a.Citations = append(a.Citations, cites...)
			a.FallbackChain = append(a.FallbackChain, chainGraphAdded)
		}

		if para, cites := evidenceParagraph(vecHits, 2); para != "" {
			sections = append(sections, para)
			a.Citations = append(a.Citations, cites...)
			a.FallbackChain = append(a.FallbackChain, chainEvidenceAdded)
		}

	case haveVector:
		a.FallbackChain = append(a.FallbackChain, chainVectorPrimary)
		top := vecHits[0]
		sections = append(sections, truncate(top.Content, primaryChunkLimit))
		a.Citations = append(a.Citations, vectorCitation(top))

		if para, cites := relationshipContext(graph, 2); para != "" {
			sections = append(sections, para)
			a.Citations = append(a.Citations, cites...)
			a.FallbackChain = append(a.FallbackChain, chainGraphAdded)
		}

	case haveGraph:
		a.FallbackChain = append(a.FallbackChain, chainGraphPrimary)
		para, cites := graphSummary(query, graph, 3)
		sections = append(sections, para)
		a.Citations = append(a.Citations, cites...)

	default:
		a.FallbackChain = append(a.FallbackChain, chainNoResults)
		sections = append(sections, "No results were found for this query across the configured knowledge sources.")
	}

	a.Text = strings.Join(sections, "\n\n")
	a.Confidence = confidence(essAnswered, essR.Degraded, haveVector, haveGraph)
	return a
}

// confidence implements the ladder: very_high when ESS plus corroboration,
// high for ESS alone, medium when vector carried it, low for graph alone.
func confidence(essAnswered, essDegraded, haveVector, haveGraph bool) string {
	switch {
	case essAnswered && !essDegraded && (haveVector || haveGraph):
		return ConfidenceVeryHigh
	case essAnswered && !essDegraded:
		return ConfidenceHigh
	case essAnswered && essDegraded:
		// Untargeted chat answers rank below corpus-backed vector hits.
		if haveVector {
			return ConfidenceMedium
		}
		return ConfidenceLow
	case haveVector:
		return ConfidenceMedium
	case haveGraph:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

// relationshipContext renders up to maxFacts graph facts as a supporting
// paragraph.
func relationshipContext(graph graphResults, maxFacts int) (string, []Citation) {
	facts := graph.Facts
	if len(facts) == 0 {
		return "", nil
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}

	var lines []string
	var cites []Citation
	for _, f := range facts {
		lines = append(lines, "- "+f.Body)
		cites = append(cites, Citation{Kind: "graph", Source: f.Body, Score: f.Score, ID: f.ID})
	}
	return "Relationship Context:\n" + strings.Join(lines, "\n"), cites
}

// evidenceParagraph renders up to maxHits high-scoring vector chunks.
func evidenceParagraph(hits []vectorstore.Hit, maxHits int) (string, []Citation) {
	var lines []string
	var cites []Citation
	for _, h := range hits {
		if h.Score < evidenceScoreFloor {
			continue
		}
		lines = append(lines, "- "+truncate(h.Content, 200))
		cites = append(cites, vectorCitation(h))
		if len(lines) >= maxHits {
			break
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return "Evidence:\n" + strings.Join(lines, "\n"), cites
}

// graphSummary templates the graph-only answer from the top facts.
func graphSummary(query string, graph graphResults, maxFacts int) (string, []Citation) {
	facts := graph.Facts
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}

	var lines []string
	var cites []Citation
	for _, f := range facts {
		lines = append(lines, "- "+f.Body)
		cites = append(cites, Citation{Kind: "graph", Source: f.Body, Score: f.Score, ID: f.ID})
	}
	for _, e := range graph.Edges {
		if len(lines) >= maxFacts {
			break
		}
		line := fmt.Sprintf("- %s %s %s", e.SourceName, e.Type, e.TargetName)
		lines = append(lines, line)
		cites = append(cites, Citation{Kind: "graph", Source: line, ID: e.ID})
	}

	return fmt.Sprintf("Knowledge graph results for %q:\n%s", query, strings.Join(lines, "\n")), cites
}

func vectorCitation(h vectorstore.Hit) Citation {
	source := h.DocumentTitle
	if source == "" {
		source = h.DocumentSource
	}
	return Citation{Kind: "vector", Source: source, Score: h.Score, ID: h.ChunkID}
}

// truncate cuts text at a word boundary near limit.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
