package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/auth"
	"github.com/kmorita/conflux/internal/llm"
)

// DefaultStepBudget bounds the tool-call loop.
const DefaultStepBudget = 5

const systemPrompt = `You are a retrieval assistant answering questions from a private knowledge base.

Tool selection:
- comprehensive_search: broad or important questions; synthesizes across all sources with citations.
- vector_search / hybrid_search: find specific passages; hybrid when exact wording matters.
- graph_search / entity_relationships / entity_timeline: questions about entities, their connections, or how things changed over time.
- onyx_search / onyx_answer_with_quote: questions best answered from the indexed enterprise corpus, especially when a verbatim quote is needed.

Call a tool when you need information. Answer directly once you have enough. Cite which sources supported your answer.`

// EventKind tags a runtime progress event.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventText       EventKind = "text"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
)

// Event is one observable step of a run, consumed by the streaming API.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// EventFunc receives progress events during a run. May be nil.
type EventFunc func(Event)

// RunResult is the terminal outcome of a tool loop.
type RunResult struct {
	FinalText string        `json:"final_text"`
	ToolsUsed []string      `json:"tools_used"`
	Steps     int           `json:"steps"`
	Elapsed   time.Duration `json:"-"`
}

// Runtime drives the LLM tool loop for authenticated requests.
type Runtime struct {
	llm      llm.LLM
	registry *Registry
	svc      Services

	stepBudget int
	model      string
	logger     *slog.Logger
}

// RuntimeConfig wires the runtime.
type RuntimeConfig struct {
	LLM        llm.LLM
	Registry   *Registry
	Services   Services
	StepBudget int
	Model      string
	Logger     *slog.Logger
}

// NewRuntime creates an agent runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	budget := cfg.StepBudget
	if budget <= 0 {
		budget = DefaultStepBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		llm:        cfg.LLM,
		registry:   registry,
		svc:        cfg.Services,
		stepBudget: budget,
		model:      cfg.Model,
		logger:     logger,
	}
}

// Run executes the tool loop: call the model, execute its tool calls, feed
// the results back, and repeat until a terminal message or the step budget.
// history carries prior turns of the same session.
func (r *Runtime) Run(ctx context.Context, ac *auth.AuthContext, question string, history []llm.Message, emit EventFunc) (*RunResult, error) {
	if ac == nil || ac.TenantID == "" {
		return nil, apperr.New(apperr.Unauthorized, "agent run without tenant identity")
	}
	if strings.TrimSpace(question) == "" {
		return nil, apperr.New(apperr.ValidationFailed, "question is empty")
	}
	if emit == nil {
		emit = func(Event) {}
	}

	start := time.Now()
	messages := append(append([]llm.Message{}, history...), llm.Message{
		Role:    llm.RoleUser,
		Content: question,
	})

	opts := llm.GenerateOptions{
		Model:        r.model,
		SystemPrompt: systemPrompt,
		Temperature:  llm.DefaultTemperature,
	}

	result := &RunResult{}
	defs := r.registry.Defs()

	for step := 0; step < r.stepBudget; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Steps = step + 1
		emit(Event{Kind: EventStatus, Text: fmt.Sprintf("thinking (step %d)", step+1)})

		resp, err := r.llm.Chat(ctx, messages, defs, opts)
		if err != nil {
			return nil, apperr.Wrap(apperr.BackendUnavailable, "model call failed", err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			result.FinalText = resp.Message.Content
			result.Elapsed = time.Since(start)
			emit(Event{Kind: EventText, Text: result.FinalText})
			return result, nil
		}

		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			emit(Event{Kind: EventToolCall, Tool: call.Name, Args: call.Arguments})

			payload, err := r.registry.Execute(ctx, ac, r.svc, call)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// Tool failures go back to the model as structured results so
				// it can try another tool or answer from what it has.
				payload = map[string]string{"error": err.Error()}
				r.logger.Warn("tool call failed",
					"tenant_id", ac.TenantID,
					"tool", call.Name,
					"error", err,
				)
			}

			result.ToolsUsed = append(result.ToolsUsed, call.Name)
			emit(Event{Kind: EventToolResult, Tool: call.Name, Payload: payload})

			encoded, err := json.Marshal(payload)
			if err != nil {
				encoded = []byte(`{"error":"unencodable tool result"}`)
			}
			messages = append(messages, llm.Message{
				Role:     llm.RoleTool,
				ToolName: call.Name,
				Content:  string(encoded),
			})
		}
	}

	// Budget exhausted: ask for a final answer without tools.
	resp, err := r.llm.Chat(ctx, messages, nil, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "final model call failed", err)
	}
	result.FinalText = resp.Message.Content
	result.Elapsed = time.Since(start)
	emit(Event{Kind: EventText, Text: result.FinalText})
	return result, nil
}
