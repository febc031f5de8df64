package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/auth"
	"github.com/kmorita/conflux/internal/ingestion"
	"github.com/kmorita/conflux/internal/llm"
	"github.com/kmorita/conflux/internal/orchestrator"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/service"
)

// maxRequestBody caps JSON and document upload bodies at 10 MiB.
const maxRequestBody = 10 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusTooManyRequests {
		seconds := int64(60)
		if ra := apperr.RetryAfterOf(err); ra > 0 {
			seconds = int64(ra.Seconds())
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	writeJSON(w, status, map[string]string{
		"error":   string(apperr.KindOf(err)),
		"message": err.Error(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.ValidationFailed, "malformed request body", err)
	}
	return nil
}

// --- auth ---

type issueTokenRequest struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" || req.UserID == "" {
		writeError(w, apperr.New(apperr.ValidationFailed, "tenant_id and user_id are required"))
		return
	}

	tenant, err := s.tenants.Get(r.Context(), req.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tenant.Status != repository.TenantActive {
		writeError(w, apperr.Newf(apperr.TenantUnavailable, "tenant %q is %s", tenant.ID, tenant.Status))
		return
	}

	pair, session, err := s.gate.Login(r.Context(), req.TenantID, req.UserID, req.Permissions, s.sessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		SessionID:        session.ID.String(),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, apperr.New(apperr.ValidationFailed, "refresh_token is required"))
		return
	}
	pair, err := s.gate.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

// --- chat ---

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`

	// Direct skips the agent loop and queries the retrieval pipeline
	// immediately, returning the synthesized answer as-is.
	Direct bool `json:"direct"`

	UseVector *bool   `json:"use_vector"`
	UseGraph  *bool   `json:"use_graph"`
	UseESS    *bool   `json:"use_ess"`
	TopK      int     `json:"top_k"`
	MinScore  float32 `json:"min_score"`
}

func (req *chatRequest) flags() orchestrator.Flags {
	flags := orchestrator.DefaultFlags()
	if req.UseVector != nil {
		flags.UseVector = *req.UseVector
	}
	if req.UseGraph != nil {
		flags.UseGraph = *req.UseGraph
	}
	if req.UseESS != nil {
		flags.UseESS = *req.UseESS
	}
	if req.TopK > 0 {
		flags.TopK = req.TopK
	}
	if req.MinScore > 0 {
		flags.MinScore = req.MinScore
	}
	return flags
}

type chatResponse struct {
	Text      string                          `json:"text"`
	Answer    *orchestrator.SynthesizedAnswer `json:"answer,omitempty"`
	ToolsUsed []string                        `json:"tools_used,omitempty"`
	Steps     int                             `json:"steps,omitempty"`
	ElapsedMS int64                           `json:"elapsed_ms"`
	SessionID string                          `json:"session_id,omitempty"`
}

// sessionKey picks the conversation key: an explicit session id wins,
// otherwise the auth session.
func sessionKey(ac *auth.AuthContext, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ac.SessionID != uuid.Nil {
		return ac.SessionID.String()
	}
	return ""
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthorized, "not authenticated"))
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, apperr.New(apperr.ValidationFailed, "message is required"))
		return
	}

	start := time.Now()

	if req.Direct {
		answer, err := s.orchestrator.Query(r.Context(), ac.TenantID, req.Message, req.flags())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Text:      answer.Text,
			Answer:    answer,
			ElapsedMS: time.Since(start).Milliseconds(),
		})
		return
	}

	key := sessionKey(ac, req.SessionID)
	var history []llm.Message
	if key != "" {
		history = s.memory.History(ac.TenantID, key)
	}

	result, err := s.runtime.Run(r.Context(), ac, req.Message, history, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if key != "" {
		s.memory.Append(ac.TenantID, key, llm.Message{Role: llm.RoleUser, Content: req.Message})
		s.memory.Append(ac.TenantID, key, llm.Message{Role: llm.RoleAssistant, Content: result.FinalText})
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Text:      result.FinalText,
		ToolsUsed: result.ToolsUsed,
		Steps:     result.Steps,
		ElapsedMS: time.Since(start).Milliseconds(),
		SessionID: key,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Unauthorized, "not authenticated"))
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, apperr.New(apperr.ValidationFailed, "message is required"))
		return
	}

	sse := newSSEWriter(w)
	if sse == nil {
		writeError(w, apperr.New(apperr.Internal, "streaming unsupported by connection"))
		return
	}

	key := sessionKey(ac, req.SessionID)
	var history []llm.Message
	if key != "" {
		history = s.memory.History(ac.TenantID, key)
	}

	start := time.Now()
	result, err := s.runtime.Run(r.Context(), ac, req.Message, history, sse.sendEvent)
	if err != nil {
		sse.sendError(err)
		return
	}

	if key != "" {
		s.memory.Append(ac.TenantID, key, llm.Message{Role: llm.RoleUser, Content: req.Message})
		s.memory.Append(ac.TenantID, key, llm.Message{Role: llm.RoleAssistant, Content: result.FinalText})
	}

	sse.send(frameComplete, chatResponse{
		Text:      result.FinalText,
		ToolsUsed: result.ToolsUsed,
		Steps:     result.Steps,
		ElapsedMS: time.Since(start).Milliseconds(),
		SessionID: key,
	})
}

// --- documents ---

type ingestRequest struct {
	Filename    string            `json:"filename"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
	MirrorToESS bool              `json:"mirror_to_ess"`
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Filename == "" {
		writeError(w, apperr.New(apperr.ValidationFailed, "filename is required"))
		return
	}

	result, err := s.coordinator.Ingest(r.Context(), ingestion.IngestRequest{
		TenantID:    ac.TenantID,
		Filename:    req.Filename,
		Content:     req.Content,
		Metadata:    req.Metadata,
		MirrorToESS: req.MirrorToESS,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type documentSummary struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Source     string            `json:"source"`
	ChunkCount int               `json:"chunk_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func summarize(doc *repository.Document) documentSummary {
	return documentSummary{
		ID:         doc.ID.String(),
		Title:      doc.Title,
		Source:     doc.Source,
		ChunkCount: doc.ChunkCount,
		Metadata:   doc.Metadata,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	docs, total, err := s.documents.List(r.Context(), ac.TenantID, limit, offset)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "document list failed", err))
		return
	}
	out := make([]documentSummary, len(docs))
	for i, d := range docs {
		out[i] = summarize(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func documentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ValidationFailed, "malformed document id", err)
	}
	return id, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	id, err := documentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.documents.GetByID(r.Context(), ac.TenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, apperr.Newf(apperr.NotFound, "document %s not found", id))
			return
		}
		writeError(w, apperr.Wrap(apperr.Internal, "document lookup failed", err))
		return
	}
	out := summarize(doc)
	writeJSON(w, http.StatusOK, map[string]any{
		"document": out,
		"content":  doc.Content,
	})
}

// handleDeleteDocument removes the document row, its chunks, and its vector
// points. Chunk and vector cleanup precede the row delete so a retried delete
// converges.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	id, err := documentID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.documents.GetByID(r.Context(), ac.TenantID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, apperr.Newf(apperr.NotFound, "document %s not found", id))
			return
		}
		writeError(w, apperr.Wrap(apperr.Internal, "document lookup failed", err))
		return
	}

	if _, err := s.documents.DeleteChunks(r.Context(), ac.TenantID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "chunk delete failed", err))
		return
	}
	if err := s.vectors.DeleteByDocument(r.Context(), ac.TenantID, id.String()); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "vector delete failed", err))
		return
	}
	if err := s.documents.Delete(r.Context(), ac.TenantID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "document delete failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id.String()})
}

// --- tenants (admin) ---

type createTenantRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	MaxDocuments int               `json:"max_documents"`
	MaxStorageMB int               `json:"max_storage_mb"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tenant, err := s.tenants.Create(r.Context(), service.CreateTenantInput{
		ID:           req.ID,
		Name:         req.Name,
		MaxDocuments: req.MaxDocuments,
		MaxStorageMB: req.MaxStorageMB,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantView(tenant))
}

func tenantView(t *repository.Tenant) map[string]any {
	return map[string]any{
		"id":             t.ID,
		"name":           t.Name,
		"status":         t.Status,
		"max_documents":  t.MaxDocuments,
		"max_storage_mb": t.MaxStorageMB,
		"metadata":       t.Metadata,
		"created_at":     t.CreatedAt,
		"updated_at":     t.UpdatedAt,
	}
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	status := repository.TenantStatus(r.URL.Query().Get("status"))
	tenants, err := s.tenants.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, len(tenants))
	for i, t := range tenants {
		out[i] = tenantView(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantView(tenant))
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tenants.Suspend(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(repository.TenantSuspended)})
}

func (s *Server) handleActivateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tenants.Activate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(repository.TenantActive)})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.tenants.Delete(r.Context(), id, force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true, "force": force})
}

// --- graph ---

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	stats, err := s.graph.Stats(r.Context(), ac.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady pings every backing store. Any failure reports 503 with the
// per-backend breakdown.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	check := func(name string, err error) {
		if err != nil {
			checks[name] = fmt.Sprintf("unavailable: %v", err)
			ready = false
			return
		}
		checks[name] = "ok"
	}

	check("postgres", s.db.Ping(r.Context()))
	check("qdrant", s.vectors.Ping(r.Context()))
	check("graph", s.graph.Ping(r.Context()))
	if s.essProbe != nil {
		check("ess", s.essProbe(r.Context()))
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
