package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/kmorita/conflux/internal/apperr"
)

// metadataHeaderPrefix starts the first line of every uploaded file so the
// service-side parser recovers the structured fields.
const metadataHeaderPrefix = "#ONYX_METADATA="

// Ingest uploads one document through the file-upload endpoint. The
// streaming endpoint is avoided entirely: with bearer auth it answers HTML.
// Transient failures retry with exponential backoff; 401/403 never retry.
func (c *Client) Ingest(ctx context.Context, tenantID string, doc IngestDocument) (*IngestResult, error) {
	if len(doc.Sections) == 0 {
		return nil, apperr.New(apperr.ValidationFailed, "document has no sections")
	}

	fileBody, filename, err := renderUploadFile(tenantID, doc)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.ingestBackoffBase
	policy.RandomizationFactor = 0

	attempts := 0
	var docID string
	operation := func() error {
		attempts++
		// Each attempt gets its own soft deadline; a stalled upload must not
		// consume the whole chat-timeout budget.
		attemptCtx, cancel := context.WithTimeout(ctx, c.ingestTimeout)
		id, err := c.uploadFile(attemptCtx, filename, fileBody)
		cancel()
		if err != nil {
			if !apperr.Retryable(err) {
				return backoff.Permanent(err)
			}
			// Honor an explicit Retry-After before the next backoff interval.
			if ra := apperr.RetryAfterOf(err); ra > 0 {
				if serr := c.sleep(ctx, ra); serr != nil {
					return backoff.Permanent(serr)
				}
			}
			return err
		}
		docID = id
		return nil
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, bounded); err != nil {
		return nil, err
	}

	return &IngestResult{
		DocumentID:    docID,
		SectionsCount: len(doc.Sections),
		Attempts:      attempts,
	}, nil
}

// renderUploadFile flattens the document into a single file: metadata header
// line first, then each section's text, with links folded into the metadata.
func renderUploadFile(tenantID string, doc IngestDocument) ([]byte, string, error) {
	semanticID := semanticIdentifier(doc.Filename, doc.Title)

	meta := map[string]any{
		"semantic_identifier": semanticID,
		"tenant_id":           tenantID,
	}
	if doc.Title != "" {
		meta["title"] = doc.Title
	}
	links := make([]string, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		if s.Link != "" {
			links = append(links, s.Link)
		}
	}
	if len(links) > 0 {
		meta["link"] = links[0]
	}
	for k, v := range doc.Metadata {
		meta[k] = v
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal metadata header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(metadataHeaderPrefix)
	buf.Write(metaJSON)
	buf.WriteByte('\n')
	for i, s := range doc.Sections {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(s.Text)
	}

	filename := doc.Filename
	if filename == "" {
		filename = semanticID + ".txt"
	}
	return buf.Bytes(), filename, nil
}

// semanticIdentifier derives the service-visible document name from the
// filename and title.
func semanticIdentifier(filename, title string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	switch {
	case base != "" && base != "." && title != "":
		return base + " - " + title
	case title != "":
		return title
	case base != "" && base != ".":
		return base
	default:
		return "untitled"
	}
}

type uploadResponse struct {
	FilePaths  []string `json:"file_paths"`
	DocumentID string   `json:"document_id"`
}

// uploadFile POSTs one multipart file with bearer auth.
func (c *Client) uploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/user/file/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.BackendTransient, "file upload failed", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, "file upload"); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "upload response truncated", err)
	}
	var parsed uploadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperr.Wrap(apperr.StreamTruncated, "upload response unparseable", err)
	}
	if parsed.DocumentID != "" {
		return parsed.DocumentID, nil
	}
	if len(parsed.FilePaths) > 0 {
		return parsed.FilePaths[0], nil
	}
	return filename, nil
}
