package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/repository"
)

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*repository.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[uuid.UUID]*repository.Session)}
}

func (r *fakeSessionRepo) Create(_ context.Context, s *repository.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) Rotate(_ context.Context, id, oldRotation, newRotation uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.RotationID != oldRotation {
		return repository.ErrNotFound
	}
	s.RotationID = newRotation
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) DeleteByTenant(_ context.Context, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.TenantID == tenantID {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestGate(t *testing.T) (*Gate, *fakeSessionRepo) {
	t.Helper()
	repo := newFakeSessionRepo()
	tokens := testTokenManager(time.Hour)
	return NewGate(tokens, repo, nil), repo
}

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestLoginThenAuthenticate(t *testing.T) {
	gate, _ := newTestGate(t)
	pair, session, err := gate.Login(context.Background(), "acme", "user-1", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	ac, err := gate.Authenticate(requestWithToken(pair.AccessToken))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ac.TenantID != "acme" || ac.UserID != "user-1" {
		t.Errorf("auth context = %+v", ac)
	}
	if ac.SessionID != session.ID {
		t.Errorf("session id = %v, want %v", ac.SessionID, session.ID)
	}
	if !ac.Has("chat") {
		t.Error("permission lost in transit")
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	gate, _ := newTestGate(t)
	if _, err := gate.Authenticate(requestWithToken("")); !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized", apperr.KindOf(err))
	}
}

func TestAuthenticateExpiredSession(t *testing.T) {
	gate, repo := newTestGate(t)
	pair, session, err := gate.Login(context.Background(), "acme", "user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	repo.mu.Lock()
	repo.sessions[session.ID].ExpiresAt = time.Now().Add(-time.Minute)
	repo.mu.Unlock()

	if _, err := gate.Authenticate(requestWithToken(pair.AccessToken)); !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized for expired session", apperr.KindOf(err))
	}
}

func TestAuthenticateSessionTenantMismatch(t *testing.T) {
	gate, repo := newTestGate(t)
	pair, session, err := gate.Login(context.Background(), "acme", "user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	repo.mu.Lock()
	repo.sessions[session.ID].TenantID = "globex"
	repo.mu.Unlock()

	if _, err := gate.Authenticate(requestWithToken(pair.AccessToken)); !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized for tenant mismatch", apperr.KindOf(err))
	}
}

func TestAuthenticateRateLimitsRepeatedFailures(t *testing.T) {
	gate, _ := newTestGate(t)

	// Same forged token each time so the failures share a limiter key.
	forged := "forged-token-aaaaaaaaaaaaaaaaaaaaaaaa"
	for i := 0; i < DefaultFailureLimit; i++ {
		if _, err := gate.Authenticate(requestWithToken(forged)); !apperr.Is(err, apperr.Unauthorized) {
			t.Fatalf("attempt %d error kind = %v, want Unauthorized", i+1, apperr.KindOf(err))
		}
	}

	if _, err := gate.Authenticate(requestWithToken(forged)); !apperr.Is(err, apperr.RateLimited) {
		t.Errorf("error kind = %v, want RateLimited after %d failures", apperr.KindOf(err), DefaultFailureLimit)
	}
}

func TestRefreshRotation(t *testing.T) {
	gate, _ := newTestGate(t)
	pair, _, err := gate.Login(context.Background(), "acme", "user-1", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	rotated, err := gate.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if rotated.AccessToken == pair.AccessToken {
		t.Error("access token did not change on refresh")
	}

	// The old refresh token points at a rotated-away generation.
	if _, err := gate.Refresh(context.Background(), pair.RefreshToken); !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized on refresh token reuse", apperr.KindOf(err))
	}

	// The new one still works.
	if _, err := gate.Refresh(context.Background(), rotated.RefreshToken); err != nil {
		t.Errorf("Refresh() with rotated token error = %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	gate, _ := newTestGate(t)
	pair, _, err := gate.Login(context.Background(), "acme", "user-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := gate.Refresh(context.Background(), pair.AccessToken); !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized", apperr.KindOf(err))
	}
}

func TestMiddlewareAttachesContext(t *testing.T) {
	gate, _ := newTestGate(t)
	pair, _, err := gate.Login(context.Background(), "acme", "user-1", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	var seen *AuthContext
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithToken(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.TenantID != "acme" {
		t.Errorf("auth context = %+v", seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithToken(""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission("documents:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed := &AuthContext{TenantID: "acme", Permissions: []string{"documents:*"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", nil)
	handler.ServeHTTP(rec, req.WithContext(WithAuthContext(req.Context(), allowed)))
	if rec.Code != http.StatusOK {
		t.Errorf("status with wildcard grant = %d, want 200", rec.Code)
	}

	denied := &AuthContext{TenantID: "acme", Permissions: []string{"chat"}}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/documents", nil)
	handler.ServeHTTP(rec, req.WithContext(WithAuthContext(req.Context(), denied)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status without grant = %d, want 403", rec.Code)
	}
}
