// Package security authenticates approvers, decides which tools a profile
// may use, and scrubs secret-looking values before they leave the process.
package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
	ErrNoCapability = errors.New("missing required capability")
)

// CapabilityApprover lets a token holder decide approval requests.
const CapabilityApprover = "approver"

// Claims are the JWT claims of an approver token. The subject is the
// approver name recorded in the audit trail.
type Claims struct {
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// Has reports whether the claims grant capability.
func (c *Claims) Has(capability string) bool {
	for _, got := range c.Capabilities {
		if got == capability {
			return true
		}
	}
	return false
}

// TokenManager issues and validates HS256 tokens.
type TokenManager struct {
	secretKey []byte
	issuer    string

	mu      sync.RWMutex
	revoked map[string]time.Time // token ID -> revocation time
}

// NewTokenManager creates a token manager signing with secretKey.
func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{
		secretKey: []byte(secretKey),
		issuer:    "foreman",
		revoked:   make(map[string]time.Time),
	}
}

// GenerateToken issues a token for subject valid for ttl.
func (tm *TokenManager) GenerateToken(subject string, capabilities []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}
	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    tm.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature, expiry and revocation and returns the
// claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	}, jwt.WithIssuer(tm.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revoked[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// RevokeToken blocks a token for the rest of its life.
func (tm *TokenManager) RevokeToken(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ID == "" {
		return ErrInvalidToken
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.revoked[claims.ID] = time.Now()
	return nil
}

// CleanupRevoked drops revocations older than maxAge.
func (tm *TokenManager) CleanupRevoked(maxAge time.Duration) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, at := range tm.revoked {
		if at.Before(cutoff) {
			delete(tm.revoked, id)
			removed++
		}
	}
	return removed
}

// RevokedCount returns the size of the revocation list.
func (tm *TokenManager) RevokedCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.revoked)
}

type claimsContextKey struct{}

// ContextWithClaims stores claims on ctx.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by Authenticate.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

// Authenticate is HTTP middleware requiring a valid token that carries
// capability. Claims are placed on the request context.
func (tm *TokenManager) Authenticate(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := tm.ValidateToken(token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if capability != "" && !claims.Has(capability) {
				http.Error(w, fmt.Sprintf("%s: %s", ErrNoCapability, capability), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func generateTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
