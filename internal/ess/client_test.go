package ess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmorita/conflux/internal/apperr"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestParseLastJSONLine(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "single JSON document",
			body: `{"answer":"whole body"}`,
			want: "whole body",
		},
		{
			name: "NDJSON stream takes last fragment",
			body: `{"answer":"partial"}` + "\n" + `{"answer":"first full"}` + "\n" + `{"answer":"final"}`,
			want: "final",
		},
		{
			name: "trailing garbage line skipped",
			body: `{"answer":"good"}` + "\n" + `{"broken`,
			want: "good",
		},
		{
			name: "non-JSON lines ignored",
			body: "event: packet\n" + `{"answer":"payload"}` + "\n",
			want: "payload",
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
		{
			name:    "no JSON at all",
			body:    "plain text\nmore text",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg chatMessage
			err := parseLastJSONLine([]byte(tt.body), &msg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLastJSONLine() expected error, got answer %q", msg.Answer)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLastJSONLine() error = %v", err)
			}
			if msg.Answer != tt.want {
				t.Errorf("answer = %q, want %q", msg.Answer, tt.want)
			}
		})
	}
}

func TestSearchFreshSessionPerAttempt(t *testing.T) {
	var sessions, messages atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/create-chat-session":
			n := sessions.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"chat_session_id": "session-" + string(rune('a'+n)),
			})
		case "/chat/send-message":
			if messages.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"answer":"third time lucky"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	res, err := c.Search(context.Background(), "question", 7, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Search() failed: %s", res.Error)
	}
	if res.Answer != "third time lucky" {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", res.Attempt)
	}
	if got := sessions.Load(); got != 3 {
		t.Errorf("sessions created = %d, want a fresh session per attempt", got)
	}
}

func TestSearchAuthFailureNotRetried(t *testing.T) {
	var sessions atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	res, err := c.Search(context.Background(), "question", 7, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if res.Success {
		t.Fatal("Search() succeeded against a 401 backend")
	}
	if res.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 (loop broke on the first try)", res.Attempt)
	}
	if got := sessions.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (auth failures must not retry)", got)
	}
}

func TestSearchHonorsRetryAfterBetweenAttempts(t *testing.T) {
	var messages atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/create-chat-session":
			_ = json.NewEncoder(w).Encode(map[string]string{"chat_session_id": "s"})
		case "/chat/send-message":
			if messages.Add(1) < 3 {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"answer":"after the pause"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	var pauses []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	res, err := c.Search(context.Background(), "question", 7, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !res.Success || res.Attempt != 3 {
		t.Fatalf("result = %+v, want success on attempt 3", res)
	}
	if len(pauses) != 2 {
		t.Fatalf("pauses = %v, want one before each retry", pauses)
	}
	for i, d := range pauses {
		if d != 7*time.Second {
			t.Errorf("pause %d = %v, want the server's 7s Retry-After", i+1, d)
		}
	}
}

func TestSearchSendsDocumentSetConstraint(t *testing.T) {
	var gotRetrieval map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/create-chat-session":
			_ = json.NewEncoder(w).Encode(map[string]string{"chat_session_id": "s"})
		case "/chat/send-message":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotRetrieval, _ = body["retrieval_options"].(map[string]any)
			_, _ = w.Write([]byte(`{"answer":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.Search(context.Background(), "question", 7, 1); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if gotRetrieval == nil {
		t.Fatal("send-message carried no retrieval_options")
	}
	ids, ok := gotRetrieval["document_set_ids"].([]any)
	if !ok || len(ids) != 1 || ids[0] != float64(7) {
		t.Errorf("retrieval_options.document_set_ids = %v, want [7]", gotRetrieval["document_set_ids"])
	}
	if gotRetrieval["run_search"] != "always" {
		t.Errorf("run_search = %v, want always", gotRetrieval["run_search"])
	}
}

func TestSearchExhaustionReturnsStructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	res, err := c.Search(context.Background(), "question", 7, 2)
	if err != nil {
		t.Fatalf("Search() error = %v, exhaustion must not be a Go error", err)
	}
	if res.Success {
		t.Fatal("Search() reported success")
	}
	if res.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Attempt)
	}
	if res.Error == "" {
		t.Error("exhausted search must carry an error description")
	}
}

func TestSearchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(t, srv.URL)
	if _, err := c.Search(ctx, "question", 7, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("Search() error = %v, want context.Canceled", err)
	}
}

func TestCreateDocumentSetAdminFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/document-set":
			w.WriteHeader(http.StatusNotFound)
		case "/document-set":
			_, _ = w.Write([]byte("42"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	id, err := c.CreateDocumentSet(context.Background(), "tenant_acme", 1)
	if err != nil {
		t.Fatalf("CreateDocumentSet() error = %v", err)
	}
	if id != 42 {
		t.Errorf("document set id = %d, want 42", id)
	}
}

func TestCreateDocumentSetObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/document-set" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"id": 9})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	id, err := c.CreateDocumentSet(context.Background(), "tenant_acme", 1)
	if err != nil {
		t.Fatalf("CreateDocumentSet() error = %v", err)
	}
	if id != 9 {
		t.Errorf("document set id = %d, want 9", id)
	}
}

func TestCheckStatusRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.CCPairStatus(context.Background(), 1)
	if !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("error kind = %v, want RateLimited", apperr.KindOf(err))
	}
	if got := apperr.RetryAfterOf(err); got != 30*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 30s", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.BackendUnavailable},
		{http.StatusForbidden, apperr.BackendUnavailable},
		{http.StatusTooManyRequests, apperr.RateLimited},
		{http.StatusRequestTimeout, apperr.BackendTransient},
		{http.StatusInternalServerError, apperr.BackendTransient},
		{http.StatusBadGateway, apperr.BackendTransient},
		{http.StatusBadRequest, apperr.ValidationFailed},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCCPairStatusReady(t *testing.T) {
	tests := []struct {
		name   string
		status CCPairStatus
		want   bool
	}{
		{"ready", CCPairStatus{Status: "ACTIVE", AccessType: "public", NumDocsIndexed: 5}, true},
		{"still indexing", CCPairStatus{Status: "ACTIVE", AccessType: "public", NumDocsIndexed: 5, Indexing: true}, false},
		{"no docs", CCPairStatus{Status: "ACTIVE", AccessType: "public"}, false},
		{"private", CCPairStatus{Status: "ACTIVE", AccessType: "private", NumDocsIndexed: 5}, false},
		{"paused", CCPairStatus{Status: "PAUSED", AccessType: "public", NumDocsIndexed: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Ready(); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}
