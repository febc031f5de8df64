package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
)

// ClientConfig holds configuration for the ESS client.
type ClientConfig struct {
	// BaseURL is the service API base URL.
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// PersonaID selects the service-side persona for chat sessions.
	PersonaID int

	// ChatTimeout bounds chat round trips (default: 90s).
	ChatTimeout time.Duration

	// IngestTimeout bounds a single file-upload attempt (default: 30s).
	// Retried attempts each get a fresh deadline.
	IngestTimeout time.Duration

	// MaxRetries bounds the targeted-search retry loop (default: 3).
	MaxRetries int

	// RetrySleep is the linear pause between search attempts (default: 5s).
	RetrySleep time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger for attempt diagnostics.
	Logger *slog.Logger
}

// Client talks to the enterprise search service.
type Client struct {
	baseURL       string
	apiKey        string
	personaID     int
	maxRetries    int
	retrySleep    time.Duration
	ingestTimeout time.Duration
	client        *http.Client
	logger        *slog.Logger

	// sleep and ingestBackoffBase are swappable so tests do not wait out
	// real retry pauses.
	sleep             func(ctx context.Context, d time.Duration) error
	ingestBackoffBase time.Duration
}

// NewClient creates an ESS client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ess base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.ChatTimeout
		if timeout <= 0 {
			timeout = DefaultChatTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	retrySleep := cfg.RetrySleep
	if retrySleep <= 0 {
		retrySleep = DefaultRetrySleep
	}
	ingestTimeout := cfg.IngestTimeout
	if ingestTimeout <= 0 {
		ingestTimeout = DefaultIngestTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:            cfg.APIKey,
		personaID:         cfg.PersonaID,
		maxRetries:        maxRetries,
		retrySleep:        retrySleep,
		ingestTimeout:     ingestTimeout,
		client:            httpClient,
		logger:            logger,
		sleep:             sleepCtx,
		ingestBackoffBase: DefaultIngestBackoffBase,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Probe verifies the service accepts our credentials.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.get(ctx, "/persona")
	if err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "ess unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.Wrap(apperr.BackendUnavailable, "ess rejected credentials", ErrAuthFailed)
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(classifyStatus(resp.StatusCode), "ess persona probe failed (status %d)", resp.StatusCode)
	}
	return nil
}

// CCPairStatus fetches the readiness snapshot for a connector-credential pair.
func (c *Client) CCPairStatus(ctx context.Context, ccPairID int) (*CCPairStatus, error) {
	resp, err := c.get(ctx, "/cc-pair/"+strconv.Itoa(ccPairID))
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "cc-pair status fetch failed", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "cc-pair status"); err != nil {
		return nil, err
	}

	var status CCPairStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, apperr.Wrap(apperr.StreamTruncated, "cc-pair status unparseable", err)
	}
	return &status, nil
}

// CreateDocumentSet creates a document set scoped to the CC-pair. The admin
// endpoint is preferred; deployments that hide it return 404 or 405, in which
// case the non-admin endpoint is tried. Other failures bubble up.
func (c *Client) CreateDocumentSet(ctx context.Context, name string, ccPairID int) (int, error) {
	body := map[string]any{
		"name":        name,
		"description": "managed document set for " + name,
		"cc_pair_ids": []int{ccPairID},
	}

	id, status, err := c.postDocumentSet(ctx, "/admin/document-set", body)
	if err == nil {
		return id, nil
	}
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		c.logger.Warn("admin document-set endpoint unavailable, falling back",
			"status", status)
		id, _, err = c.postDocumentSet(ctx, "/document-set", body)
		if err != nil {
			return 0, err
		}
		return id, nil
	}
	return 0, err
}

func (c *Client) postDocumentSet(ctx context.Context, path string, body map[string]any) (int, int, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.BackendUnavailable, "document-set create failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, resp.StatusCode, apperr.Newf(classifyStatus(resp.StatusCode),
			"document-set create rejected (status %d): %s", resp.StatusCode, string(respBody))
	}

	// Some deployments return a bare integer id, others an object.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, resp.StatusCode, apperr.Wrap(apperr.StreamTruncated, "document-set response truncated", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if id, err := strconv.Atoi(string(trimmed)); err == nil {
		return id, resp.StatusCode, nil
	}
	var obj struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return 0, resp.StatusCode, apperr.Wrap(apperr.StreamTruncated, "document-set response unparseable", err)
	}
	return obj.ID, resp.StatusCode, nil
}

type createSessionResponse struct {
	ChatSessionID string `json:"chat_session_id"`
}

// createChatSession opens a fresh single-use chat session.
func (c *Client) createChatSession(ctx context.Context) (string, error) {
	body := map[string]any{
		"persona_id":  c.personaID,
		"description": "",
	}
	resp, err := c.post(ctx, "/chat/create-chat-session", body)
	if err != nil {
		return "", apperr.Wrap(apperr.BackendUnavailable, "chat session create failed", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "chat session create"); err != nil {
		return "", err
	}

	var session createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "chat session response unparseable", err)
	}
	if session.ChatSessionID == "" {
		return "", apperr.New(apperr.StreamTruncated, "chat session response missing id")
	}
	return session.ChatSessionID, nil
}

// chatMessage is the final fragment of a send-message stream.
type chatMessage struct {
	Answer      string `json:"answer"`
	Message     string `json:"message"`
	ErrorMsg    string `json:"error"`
	ContextDocs *struct {
		TopDocuments []SourceDoc `json:"top_documents"`
	} `json:"context_docs"`
}

// answerText prefers the explicit answer field, falling back to message.
func (m *chatMessage) answerText() string {
	if m.Answer != "" {
		return m.Answer
	}
	return m.Message
}

// sendMessage issues one message on a session and parses the final stream
// fragment. docSetIDs, when non-empty, constrain retrieval to those sets.
func (c *Client) sendMessage(ctx context.Context, sessionID, message string, docSetIDs []int) (*chatMessage, error) {
	body := map[string]any{
		"chat_session_id":   sessionID,
		"message":           message,
		"parent_message_id": nil,
		"prompt_id":         nil,
		"file_descriptors":  []any{},
		"search_doc_ids":    nil,
	}
	retrieval := map[string]any{
		"run_search": "always",
		"real_time":  true,
	}
	if len(docSetIDs) > 0 {
		retrieval["document_set_ids"] = docSetIDs
	}
	body["retrieval_options"] = retrieval

	resp, err := c.post(ctx, "/chat/send-message", body)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "send-message failed", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "send-message"); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.StreamTruncated, "send-message body truncated", err)
	}

	var msg chatMessage
	if err := parseLastJSONLine(raw, &msg); err != nil {
		return nil, apperr.Wrap(apperr.StreamTruncated, "send-message stream unparseable", err)
	}
	if msg.ErrorMsg != "" {
		return nil, apperr.Newf(apperr.BackendTransient, "ess reported error: %s", msg.ErrorMsg)
	}
	return &msg, nil
}

// parseLastJSONLine decodes a body that is either one JSON document or a
// stream of newline-delimited fragments. For streams, lines are scanned in
// reverse and the last parseable JSON object wins.
func parseLastJSONLine(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(trimmed, out); err == nil {
		return nil
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no parseable JSON fragment in %d lines", len(lines))
}

// Search runs a targeted search against a document set with a bounded retry
// loop. Every attempt uses a fresh session. Exhausted retries return a
// structured failure, not an error; only context cancellation is an error.
func (c *Client) Search(ctx context.Context, query string, docSetID, maxRetries int) (*SearchResult, error) {
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			// A rate-limited attempt carries the server's own pause; use it
			// instead of the fixed linear sleep.
			pause := c.retrySleep
			if ra := apperr.RetryAfterOf(lastErr); ra > 0 {
				pause = ra
			}
			if err := c.sleep(ctx, pause); err != nil {
				return nil, err
			}
		}
		attempts = attempt

		msg, err := c.attemptSearch(ctx, query, docSetID)
		if err != nil {
			lastErr = err
			c.logger.Warn("ess search attempt failed",
				"attempt", attempt,
				"max_retries", maxRetries,
				"error", err,
			)
			if !apperr.Retryable(err) {
				break
			}
			continue
		}
		if answer := msg.answerText(); answer != "" {
			result := &SearchResult{
				Success: true,
				Answer:  answer,
				Attempt: attempt,
			}
			if msg.ContextDocs != nil {
				result.SourceDocs = msg.ContextDocs.TopDocuments
			}
			return result, nil
		}
		lastErr = fmt.Errorf("empty answer")
		c.logger.Warn("ess search returned empty answer", "attempt", attempt)
	}

	return &SearchResult{
		Success: false,
		Attempt: attempts,
		Error:   fmt.Sprintf("search gave up after %d of %d attempts: %v", attempts, maxRetries, lastErr),
	}, nil
}

// attemptSearch is one full session-create plus send-message round.
func (c *Client) attemptSearch(ctx context.Context, query string, docSetID int) (*chatMessage, error) {
	sessionID, err := c.createChatSession(ctx)
	if err != nil {
		return nil, err
	}
	return c.sendMessage(ctx, sessionID, query, []int{docSetID})
}

// SimpleChat sends one message through the simple API with no document-set
// constraint. Used as the last-resort fallback when targeted search finds
// nothing; the orchestrator treats its answers as lower-confidence.
func (c *Client) SimpleChat(ctx context.Context, query string) (string, error) {
	body := map[string]any{
		"message":    query,
		"persona_id": c.personaID,
	}
	resp, err := c.post(ctx, "/chat/send-message-simple-api", body)
	if err != nil {
		return "", apperr.Wrap(apperr.BackendTransient, "simple chat failed", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "simple chat"); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "simple chat body truncated", err)
	}
	var msg chatMessage
	if err := parseLastJSONLine(raw, &msg); err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "simple chat response unparseable", err)
	}
	return msg.answerText(), nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)
	return c.client.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	return c.client.Do(req)
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// checkStatus converts a non-2xx response into the classified error. The
// response body stays readable for 2xx.
func (c *Client) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	kind := classifyStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.Wrap(kind, fmt.Sprintf("%s rejected (status %d)", op, resp.StatusCode), ErrAuthFailed)
	}
	return &apperr.Error{
		Kind:       kind,
		Msg:        fmt.Sprintf("%s failed (status %d): %s", op, resp.StatusCode, string(respBody)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles the delta-seconds form of the header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
