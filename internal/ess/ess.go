// Package ess is a protocol client for the external enterprise search
// service. The service's happy path is create session, send message, read a
// stream of newline-delimited JSON fragments, and take the final answer from
// the last complete fragment. Everything else here exists because the happy
// path is rare in production.
package ess

import (
	"errors"
	"net/http"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
)

// ErrAuthFailed marks a 401/403 from the service. Never retried: the API key
// is wrong and retrying will not make it right.
var ErrAuthFailed = errors.New("ess authentication failed")

const (
	// DefaultMaxRetries bounds the targeted-search retry loop.
	DefaultMaxRetries = 3

	// DefaultRetrySleep is the linear pause between search attempts.
	DefaultRetrySleep = 5 * time.Second

	// DefaultIngestBackoffBase seeds the exponential backoff on uploads.
	DefaultIngestBackoffBase = 2 * time.Second

	// DefaultChatTimeout bounds a single chat round trip.
	DefaultChatTimeout = 90 * time.Second

	// DefaultIngestTimeout bounds a single upload round trip.
	DefaultIngestTimeout = 30 * time.Second
)

// SourceDoc is one document the service cited in its answer.
type SourceDoc struct {
	DocumentID string  `json:"document_id"`
	SemanticID string  `json:"semantic_identifier"`
	Link       string  `json:"link"`
	Blurb      string  `json:"blurb"`
	Score      float32 `json:"score"`
}

// SearchResult is the outcome of a targeted search. Exhausted retries yield
// Success=false with Error set, never a Go error: the orchestrator needs to
// fall back, not unwind.
type SearchResult struct {
	Success    bool        `json:"success"`
	Answer     string      `json:"answer,omitempty"`
	SourceDocs []SourceDoc `json:"source_docs,omitempty"`
	Attempt    int         `json:"attempt"`
	Error      string      `json:"error,omitempty"`
}

// Section is one {text, link} unit of an uploaded document.
type Section struct {
	Text string `json:"text"`
	Link string `json:"link,omitempty"`
}

// IngestDocument is the adapter-side shape of a document upload.
type IngestDocument struct {
	Filename string
	Title    string
	Sections []Section
	Metadata map[string]string
}

// IngestResult reports a completed upload.
type IngestResult struct {
	DocumentID    string `json:"document_id"`
	SectionsCount int    `json:"sections_count"`
	Attempts      int    `json:"attempts"`
}

// CCPairStatus is the readiness snapshot of a connector-credential pair.
type CCPairStatus struct {
	ID             int    `json:"id"`
	Status         string `json:"status"`
	AccessType     string `json:"access_type"`
	NumDocsIndexed int    `json:"num_docs_indexed"`
	Indexing       bool   `json:"indexing"`
}

// Ready reports whether targeted search against this pair should work.
func (s CCPairStatus) Ready() bool {
	return s.Status == "ACTIVE" && s.AccessType == "public" && s.NumDocsIndexed > 0 && !s.Indexing
}

// classifyStatus maps an HTTP status from the service to an error kind.
// 401/403 are fatal; 408 and 429 retry despite being 4xx.
func classifyStatus(status int) apperr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.BackendUnavailable
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited
	case status == http.StatusRequestTimeout:
		return apperr.BackendTransient
	case status >= 500:
		return apperr.BackendTransient
	case status >= 400:
		return apperr.ValidationFailed
	default:
		return apperr.Internal
	}
}
