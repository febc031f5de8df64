package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kmorita/conflux/internal/apperr"
	"github.com/kmorita/conflux/internal/repository"
)

// Gate is the authentication gate: it issues token pairs bound to sessions,
// verifies bearer tokens on incoming requests, and enforces the
// failed-verification rate limit.
type Gate struct {
	tokens   *TokenManager
	sessions repository.SessionRepository
	limiter  *FailureLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewGate creates an authentication gate.
func NewGate(tokens *TokenManager, sessions repository.SessionRepository, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		tokens:   tokens,
		sessions: sessions,
		limiter:  NewFailureLimiter(DefaultFailureLimit, DefaultFailureWindow),
		logger:   logger,
		now:      time.Now,
	}
}

// Login creates a session and issues the initial token pair for a user.
func (g *Gate) Login(ctx context.Context, tenantID, userID string, permissions []string, sessionTTL time.Duration) (*TokenPair, *repository.Session, error) {
	now := g.now()
	session := &repository.Session{
		ID:         uuid.New(),
		TenantID:   tenantID,
		UserID:     userID,
		RotationID: uuid.New(),
		ExpiresAt:  now.Add(sessionTTL),
		CreatedAt:  now,
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "failed to create session", err)
	}

	pair, err := g.tokens.IssuePair(tenantID, userID, permissions, session.ID, session.RotationID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "failed to issue tokens", err)
	}
	return pair, session, nil
}

// Authenticate extracts and verifies the bearer token on a request and
// returns the verified auth context. Session-bound tokens additionally
// require a live session belonging to the same tenant.
func (g *Gate) Authenticate(r *http.Request) (*AuthContext, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	key := limiterKey(token)
	if g.limiter.Blocked(key) {
		return nil, apperr.New(apperr.RateLimited, "too many failed authentication attempts")
	}

	claims, err := g.tokens.VerifyAccess(token)
	if err != nil {
		g.limiter.RecordFailure(key)
		return nil, apperr.Wrap(apperr.Unauthorized, "token verification failed", err)
	}

	sessionID, err := claims.SessionUUID()
	if err != nil {
		g.limiter.RecordFailure(key)
		return nil, apperr.Wrap(apperr.Unauthorized, "malformed session claim", err)
	}

	if sessionID != uuid.Nil {
		session, err := g.sessions.GetByID(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				g.limiter.RecordFailure(key)
				return nil, apperr.New(apperr.Unauthorized, "session not found")
			}
			return nil, apperr.Wrap(apperr.Internal, "session lookup failed", err)
		}
		if session.Expired(g.now()) {
			g.limiter.RecordFailure(key)
			return nil, apperr.New(apperr.Unauthorized, "session expired")
		}
		if session.TenantID != claims.TenantID {
			// A token whose session belongs to another tenant is a forged or
			// replayed credential, not a user error.
			g.logger.Error("session tenant mismatch",
				"isolation_violation", true,
				"claim_tenant", claims.TenantID,
				"session_tenant", session.TenantID,
			)
			g.limiter.RecordFailure(key)
			return nil, apperr.New(apperr.Unauthorized, "session tenant mismatch")
		}
	}

	g.limiter.Reset(key)

	return &AuthContext{
		TenantID:    claims.TenantID,
		UserID:      claims.UserID,
		Permissions: claims.Permissions,
		SessionID:   sessionID,
	}, nil
}

// Refresh rotates a refresh token: both tokens are reissued and the session's
// rotation id advances, so presenting the old refresh token again fails.
func (g *Gate) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := g.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, "refresh token verification failed", err)
	}

	sessionID, err := claims.SessionUUID()
	if err != nil || sessionID == uuid.Nil {
		return nil, apperr.New(apperr.Unauthorized, "refresh token has no session")
	}
	rotationID, err := claims.RotationUUID()
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "refresh token has no rotation id")
	}

	session, err := g.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "session not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "session lookup failed", err)
	}
	if session.Expired(g.now()) {
		return nil, apperr.New(apperr.Unauthorized, "session expired")
	}
	if session.TenantID != claims.TenantID {
		return nil, apperr.New(apperr.Unauthorized, "session tenant mismatch")
	}

	newRotation := uuid.New()
	if err := g.sessions.Rotate(ctx, sessionID, rotationID, newRotation); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Rotation id no longer matches: this refresh token was already
			// used. Treat as credential reuse.
			return nil, apperr.New(apperr.Unauthorized, "refresh token already rotated")
		}
		return nil, apperr.Wrap(apperr.Internal, "session rotation failed", err)
	}

	return g.tokens.IssuePair(claims.TenantID, claims.UserID, claims.Permissions, sessionID, newRotation)
}

// Middleware authenticates every request and attaches the AuthContext.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := g.Authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequirePermission returns middleware enforcing a permission on the route.
func RequirePermission(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, apperr.New(apperr.Unauthorized, "not authenticated"))
				return
			}
			if !ac.Has(required) {
				writeAuthError(w, apperr.Newf(apperr.Forbidden, "missing permission %q", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.New(apperr.Unauthorized, "missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", apperr.New(apperr.Unauthorized, "malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + string(apperr.KindOf(err)) + `"}`))
}
