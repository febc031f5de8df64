// Package llm provides the generative model client used by the agent
// runtime: plain generation, token streaming, and tool-calling chat.
package llm

import (
	"context"
	"encoding/json"
)

// GenerateOptions configures a generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length (0 = no limit).
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// Role identifies a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolName names the tool a RoleTool message is answering for.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is the model's request to invoke a registered tool.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a callable tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatResponse is one assistant turn: either text or tool calls (or both).
type ChatResponse struct {
	Message Message
	Done    bool
}

// LLM defines the generative model client.
type LLM interface {
	// Generate sends a prompt and returns the complete response. It blocks
	// until the full response is received or an error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream sends a prompt and returns a channel streaming response
	// chunks. The channel is closed when generation completes or fails;
	// callers check StreamChunk.Error and StreamChunk.Done.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)

	// Chat sends a conversation with tool definitions and returns the
	// assistant's next turn. The caller runs the tool loop.
	Chat(ctx context.Context, messages []Message, tools []ToolDef, opts GenerateOptions) (*ChatResponse, error)
}
