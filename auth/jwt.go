// Package auth issues and validates tenant tokens. The tenant id carried in
// a valid token is the only source of the tenant for API calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transport-ledger/khata/ledger"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
	ErrNoSecret     = errors.New("auth secret is not configured")
)

// JWTManager handles token generation and validation.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	now           func() time.Time
}

// Claims are the custom claims of a tenant token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager signing with HS256. An empty secret is
// rejected so that the API can never run with an unsigned tenant.
func NewJWTManager(secretKey string, tokenDuration time.Duration) (*JWTManager, error) {
	if secretKey == "" {
		return nil, ErrNoSecret
	}
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		now:           time.Now,
	}, nil
}

// Generate creates a token for tenantID.
func (m *JWTManager) Generate(tenantID ledger.TenantID) (string, error) {
	if tenantID == "" {
		return "", ledger.ErrTenantRequired
	}
	now := m.now()
	claims := &Claims{
		TenantID: string(tenantID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(tenantID),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Validate parses tokenString and returns its claims.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type contextKey string

const tenantKey contextKey = "tenant_id"

// WithTenant stores tenantID in ctx.
func WithTenant(ctx context.Context, tenantID ledger.TenantID) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFrom returns the tenant stored by the middleware, or "".
func TenantFrom(ctx context.Context) ledger.TenantID {
	id, _ := ctx.Value(tenantKey).(ledger.TenantID)
	return id
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}
