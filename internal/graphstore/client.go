package graphstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
)

const (
	// DefaultTimeout bounds every graph HTTP call.
	DefaultTimeout = 5 * time.Second

	// DefaultSearchLimit is used when a caller passes limit <= 0.
	DefaultSearchLimit = 10
)

// ClientConfig holds configuration for the graph service client.
type ClientConfig struct {
	// BaseURL is the graph service API base URL.
	BaseURL string

	// Username and Password are sent as basic auth when set.
	Username string
	Password string

	// Timeout bounds each request (default: 5s).
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger for isolation diagnostics.
	Logger *slog.Logger
}

// Client implements GraphStore against the graph service's HTTP API.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient creates a graph service client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("graph base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		client:   httpClient,
		logger:   logger,
	}, nil
}

// Close releases client resources. The underlying transport is shared, so
// there is nothing to tear down.
func (c *Client) Close() error { return nil }

// Ping verifies the graph service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthcheck", nil, &out); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "graph service unreachable", err)
	}
	return nil
}

type addEpisodeRequest struct {
	Namespace         string    `json:"group_id"`
	Name              string    `json:"name"`
	Content           string    `json:"content"`
	ReferenceTime     time.Time `json:"reference_time"`
	SourceDescription string    `json:"source_description"`
}

type addEpisodeResponse struct {
	EpisodeID  string   `json:"episode_id"`
	CreatedIDs []string `json:"created_ids"`
}

// AddEpisode submits an episode to the extractor, then tags everything the
// extraction created with the tenant. The tag pass is part of the same
// logical write: its failure fails the whole call.
func (c *Client) AddEpisode(ctx context.Context, ep Episode) (*EpisodeRef, error) {
	if ep.TenantID == "" {
		return nil, apperr.New(apperr.ValidationFailed, "episode has no tenant")
	}
	if ep.Content == "" {
		return nil, apperr.New(apperr.ValidationFailed, "episode has no content")
	}

	req := addEpisodeRequest{
		Namespace:         Namespace(ep.TenantID),
		Name:              ep.Name,
		Content:           ep.Content,
		ReferenceTime:     ep.ReferenceTime,
		SourceDescription: ep.SourceDescription,
	}
	var resp addEpisodeResponse
	if err := c.do(ctx, http.MethodPost, "/episodes", req, &resp); err != nil {
		return nil, err
	}

	tagReq := struct {
		TenantID string   `json:"tenant_id"`
		IDs      []string `json:"ids"`
	}{
		TenantID: ep.TenantID,
		IDs:      append([]string{resp.EpisodeID}, resp.CreatedIDs...),
	}
	if err := c.do(ctx, http.MethodPost, "/namespaces/"+url.PathEscape(Namespace(ep.TenantID))+"/tag", tagReq, nil); err != nil {
		return nil, apperr.Wrap(apperr.BackendTransient, "episode stored but tenant tagging failed", err)
	}

	return &EpisodeRef{ID: resp.EpisodeID, TenantID: ep.TenantID}, nil
}

type searchRequest struct {
	Namespace string `json:"group_id"`
	Query     string `json:"query"`
	Kind      string `json:"kind"`
	Limit     int    `json:"limit"`
}

// Search queries the tenant's subgraph.
func (c *Client) Search(ctx context.Context, tenantID, query string, kind SearchKind, limit int) ([]Result, error) {
	switch kind {
	case SearchSimilarity, SearchEntities, SearchFacts:
	default:
		return nil, apperr.Newf(apperr.ValidationFailed, "unknown graph search kind %q", kind)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	req := searchRequest{
		Namespace: Namespace(tenantID),
		Query:     query,
		Kind:      string(kind),
		Limit:     limit,
	}
	var resp struct {
		Results []Result `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/search", req, &resp); err != nil {
		return nil, err
	}

	for _, r := range resp.Results {
		if r.Entity != nil {
			if err := c.checkOwner(tenantID, r.Entity.TenantID, "entity", r.Entity.ID); err != nil {
				return nil, err
			}
		}
		if r.Fact != nil {
			if err := c.checkOwner(tenantID, r.Fact.TenantID, "fact", r.Fact.ID); err != nil {
				return nil, err
			}
		}
	}
	return resp.Results, nil
}

// EntityRelationships lists edges touching an entity.
func (c *Client) EntityRelationships(ctx context.Context, tenantID, entityID string, direction Direction, types []string, limit int) ([]Edge, error) {
	switch direction {
	case DirectionIn, DirectionOut, DirectionBoth:
	default:
		return nil, apperr.Newf(apperr.ValidationFailed, "unknown edge direction %q", direction)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := url.Values{}
	q.Set("group_id", Namespace(tenantID))
	q.Set("direction", string(direction))
	q.Set("limit", fmt.Sprint(limit))
	for _, t := range types {
		q.Add("type", t)
	}

	var resp struct {
		Edges []Edge `json:"edges"`
	}
	path := "/entities/" + url.PathEscape(entityID) + "/relationships?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	for _, e := range resp.Edges {
		if err := c.checkOwner(tenantID, e.TenantID, "edge", e.ID); err != nil {
			return nil, err
		}
	}
	return resp.Edges, nil
}

// EntityTimeline returns an entity's facts, newest validity first.
func (c *Client) EntityTimeline(ctx context.Context, tenantID, entityID string, limit int) ([]FactEvent, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := url.Values{}
	q.Set("group_id", Namespace(tenantID))
	q.Set("limit", fmt.Sprint(limit))
	q.Set("order", "valid_at_desc")

	var resp struct {
		Events []FactEvent `json:"events"`
	}
	path := "/entities/" + url.PathEscape(entityID) + "/timeline?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	for _, ev := range resp.Events {
		if err := c.checkOwner(tenantID, ev.Fact.TenantID, "fact", ev.Fact.ID); err != nil {
			return nil, err
		}
	}
	return resp.Events, nil
}

type shortestPathRequest struct {
	Namespace  string `json:"group_id"`
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
	MaxDepth   int    `json:"max_depth"`
}

// ShortestPath finds bounded paths between two named entities.
func (c *Client) ShortestPath(ctx context.Context, tenantID, sourceName, targetName string, maxDepth int) ([]Path, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	req := shortestPathRequest{
		Namespace:  Namespace(tenantID),
		SourceName: sourceName,
		TargetName: targetName,
		MaxDepth:   maxDepth,
	}
	var resp struct {
		Paths []Path `json:"paths"`
	}
	if err := c.do(ctx, http.MethodPost, "/paths/shortest", req, &resp); err != nil {
		return nil, err
	}

	for _, p := range resp.Paths {
		for _, ent := range p.Entities {
			if err := c.checkOwner(tenantID, ent.TenantID, "entity", ent.ID); err != nil {
				return nil, err
			}
		}
		for _, e := range p.Edges {
			if err := c.checkOwner(tenantID, e.TenantID, "edge", e.ID); err != nil {
				return nil, err
			}
		}
	}
	return resp.Paths, nil
}

// Stats counts the tenant's graph objects.
func (c *Client) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	var stats Stats
	path := "/namespaces/" + url.PathEscape(Namespace(tenantID)) + "/stats"
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DeleteNamespace removes everything under the tenant's namespace.
func (c *Client) DeleteNamespace(ctx context.Context, tenantID string) error {
	path := "/namespaces/" + url.PathEscape(Namespace(tenantID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// checkOwner validates that a returned object belongs to the requesting
// tenant. Any mismatch aborts the operation.
func (c *Client) checkOwner(tenantID, ownerID, kind, id string) error {
	if ownerID == tenantID {
		return nil
	}
	c.logger.Error("graph result owned by another tenant",
		"isolation_violation", true,
		"requested_tenant", tenantID,
		"result_tenant", ownerID,
		"object_kind", kind,
		"object_id", id,
	)
	return apperr.Newf(apperr.IsolationViolation,
		"graph %s %s does not belong to tenant %q", kind, id, tenantID)
}

// do issues one JSON request against the graph service.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "graph request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return apperr.Newf(apperr.BackendTransient, "graph service error (status %d): %s", resp.StatusCode, string(respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return apperr.Newf(apperr.BackendUnavailable, "graph service rejected request (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ensure Client implements GraphStore
var _ GraphStore = (*Client)(nil)
