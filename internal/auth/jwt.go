// Package auth implements the tenant authentication gate: token issuance and
// verification, session binding, the permission model, and failed-attempt
// rate limiting.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
	// ErrWrongTokenType is returned when an access token is presented where a
	// refresh token is required, or vice versa
	ErrWrongTokenType = errors.New("wrong token type")
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims represents the JWT claims for tenant authentication
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	TokenType   string   `json:"type"`
	// RotationID identifies the refresh-token generation; present on refresh
	// tokens only. A rotated-away id must be rejected.
	RotationID string `json:"rotation_id,omitempty"`
}

// TokenManagerConfig holds configuration for token generation and validation
type TokenManagerConfig struct {
	Secret        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	SigningMethod jwt.SigningMethod
}

// DefaultTokenManagerConfig returns a default configuration: 24h access
// tokens, 30d refresh tokens, HS256.
func DefaultTokenManagerConfig(secret string) *TokenManagerConfig {
	return &TokenManagerConfig{
		Secret:        secret,
		AccessTTL:     24 * time.Hour,
		RefreshTTL:    30 * 24 * time.Hour,
		Issuer:        "conflux",
		SigningMethod: jwt.SigningMethodHS256,
	}
}

// TokenManager handles token generation and validation
type TokenManager struct {
	config *TokenManagerConfig
}

// NewTokenManager creates a new token manager with the given configuration
func NewTokenManager(config *TokenManagerConfig) *TokenManager {
	if config.SigningMethod == nil {
		config.SigningMethod = jwt.SigningMethodHS256
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = 24 * time.Hour
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 30 * 24 * time.Hour
	}
	return &TokenManager{config: config}
}

// TokenPair is an access/refresh token couple issued together.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// IssuePair generates an access + refresh token pair bound to a session. The
// rotation id ties the refresh token to the session's current generation.
func (m *TokenManager) IssuePair(tenantID, userID string, permissions []string, sessionID, rotationID uuid.UUID) (*TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(m.config.AccessTTL)
	refreshExp := now.Add(m.config.RefreshTTL)

	access, err := m.sign(&Claims{
		RegisteredClaims: m.registered(tenantID, now, accessExp),
		TenantID:         tenantID,
		UserID:           userID,
		Permissions:      permissions,
		SessionID:        sessionID.String(),
		TokenType:        TokenTypeAccess,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := m.sign(&Claims{
		RegisteredClaims: m.registered(tenantID, now, refreshExp),
		TenantID:         tenantID,
		UserID:           userID,
		Permissions:      permissions,
		SessionID:        sessionID.String(),
		TokenType:        TokenTypeRefresh,
		RotationID:       rotationID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *TokenManager) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    m.config.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		NotBefore: jwt.NewNumericDate(now),
	}
}

func (m *TokenManager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(m.config.SigningMethod, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// Verify validates a token's signature and expiry and returns the claims.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method
		if token.Method.Alg() != m.config.SigningMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// VerifyAccess validates a token and requires type==access.
func (m *TokenManager) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// VerifyRefresh validates a token and requires type==refresh.
func (m *TokenManager) VerifyRefresh(tokenString string) (*Claims, error) {
	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// SessionUUID parses the session id claim, returning uuid.Nil when absent.
func (c *Claims) SessionUUID() (uuid.UUID, error) {
	if c.SessionID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(c.SessionID)
}

// RotationUUID parses the rotation id claim.
func (c *Claims) RotationUUID() (uuid.UUID, error) {
	if c.RotationID == "" {
		return uuid.Nil, ErrInvalidClaims
	}
	return uuid.Parse(c.RotationID)
}
