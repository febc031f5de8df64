package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kmorita/conflux/internal/apperr"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API endpoint.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultModel is the default LLM model to use.
	DefaultModel = "llama3.2"

	// DefaultTemperature keeps answers factual rather than creative.
	DefaultTemperature = 0.3

	// DefaultMaxBackoff caps the total retry delay on rate-limited or
	// transient generation failures before the error surfaces.
	DefaultMaxBackoff = 30 * time.Second
)

// OllamaClient implements the LLM interface using the Ollama API.
// Non-streaming calls absorb rate limits with jittered exponential backoff
// up to the configured cap.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	model      string
	maxBackoff time.Duration

	// newBackoff is swappable so tests retry without real delays.
	newBackoff func() backoff.BackOff
}

// OllamaOption is a functional option for configuring OllamaClient.
type OllamaOption func(*OllamaClient)

// WithBaseURL sets a custom base URL for the Ollama API.
func WithBaseURL(url string) OllamaOption {
	return func(c *OllamaClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OllamaOption {
	return func(c *OllamaClient) {
		c.httpClient = client
	}
}

// WithModel sets the default model for the client.
func WithModel(model string) OllamaOption {
	return func(c *OllamaClient) {
		c.model = model
	}
}

// WithMaxBackoff caps the total retry delay for rate-limited calls.
func WithMaxBackoff(d time.Duration) OllamaOption {
	return func(c *OllamaClient) {
		c.maxBackoff = d
	}
}

// NewOllamaClient creates a new Ollama LLM client with the given options.
func NewOllamaClient(opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		baseURL: DefaultOllamaBaseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		model:      DefaultModel,
		maxBackoff: DefaultMaxBackoff,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	c.newBackoff = func() backoff.BackOff {
		policy := backoff.NewExponentialBackOff()
		policy.MaxInterval = c.maxBackoff
		policy.MaxElapsedTime = c.maxBackoff
		return policy
	}

	return c
}

// generateRequest is the body for Ollama's generate API.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateResponse is the response from Ollama's generate API.
type generateResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Response  string    `json:"response"`
	Done      bool      `json:"done"`
}

// Generate sends a prompt to Ollama and returns the complete response.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  opts.SystemPrompt,
		Stream:  false,
		Options: buildOptions(opts),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.postWithRetry(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "decoding generate response", err)
	}

	return result.Response, nil
}

// GenerateStream sends a prompt to Ollama and returns a channel that streams response chunks.
func (c *OllamaClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	req, err := c.buildGenerateRequest(ctx, prompt, opts, true)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// No client timeout for streaming; the context handles cancellation.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)

		for {
			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					return
				}
				chunks <- StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var streamResp generateResponse
			if err := json.Unmarshal(line, &streamResp); err != nil {
				chunks <- StreamChunk{Error: fmt.Errorf("parsing stream response: %w", err), Done: true}
				return
			}

			chunk := StreamChunk{
				Token: streamResp.Response,
				Done:  streamResp.Done,
			}

			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			case chunks <- chunk:
			}

			if streamResp.Done {
				return
			}
		}
	}()

	return chunks, nil
}

// chatRequest is the body for Ollama's chat API with tool support.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []chatTool     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatResponseBody struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Chat sends a conversation with tool definitions and returns the
// assistant's next turn, which may be text, tool calls, or both.
func (c *OllamaClient) Chat(ctx context.Context, messages []Message, tools []ToolDef, opts GenerateOptions) (*ChatResponse, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	body := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(messages)+1),
		Stream:   false,
	}
	if opts.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: string(RoleSystem), Content: opts.SystemPrompt})
	}
	for _, m := range messages {
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call chatToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, t := range tools {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ct)
	}
	body.Options = buildOptions(opts)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.postWithRetry(ctx, "/api/chat", jsonBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.StreamTruncated, "decoding chat response", err)
	}

	out := &ChatResponse{
		Message: Message{
			Role:    Role(parsed.Message.Role),
			Content: parsed.Message.Content,
		},
		Done: parsed.Done,
	}
	for _, tc := range parsed.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// postWithRetry POSTs a JSON body, absorbing rate-limited and transient
// failures with backoff until the cap. The caller owns the response body.
func (c *OllamaClient) postWithRetry(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		r, err := c.postOnce(ctx, path, body)
		if err != nil {
			if !apperr.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// postOnce is a single round trip with classified failure kinds.
func (c *OllamaClient) postOnce(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "llm request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		kind := apperr.BackendUnavailable
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = apperr.RateLimited
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
			kind = apperr.BackendTransient
		}
		return nil, &apperr.Error{
			Kind:       kind,
			Msg:        fmt.Sprintf("ollama API error (status %d): %s", resp.StatusCode, string(respBody)),
			RetryAfter: retryAfterSeconds(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

func retryAfterSeconds(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// buildGenerateRequest constructs the HTTP request for the generate API.
func (c *OllamaClient) buildGenerateRequest(ctx context.Context, prompt string, opts GenerateOptions, stream bool) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	reqBody := generateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  opts.SystemPrompt,
		Stream:  stream,
		Options: buildOptions(opts),
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func buildOptions(opts GenerateOptions) map[string]any {
	options := make(map[string]any)
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

// Ensure OllamaClient implements LLM interface.
var _ LLM = (*OllamaClient)(nil)
