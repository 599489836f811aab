// Package auth issues and verifies API bearer tokens.
package auth

import (
	"context"
	"slices"
	"time"
)

// Scopes granted by API tokens.
const (
	ScopeRead   = "read"
	ScopeWrite  = "write"
	ScopeInvoke = "invoke"
	ScopeAdmin  = "admin"
)

// AllScopes lists every scope a token may carry.
var AllScopes = []string{ScopeRead, ScopeWrite, ScopeInvoke, ScopeAdmin}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Allows reports whether the claims grant scope. The admin scope grants
// everything.
func (c *Claims) Allows(scope string) bool {
	return slices.Contains(c.Scopes, ScopeAdmin) || slices.Contains(c.Scopes, scope)
}

type contextKey struct{}

var claimsContextKey = contextKey{}

// ContextWithClaims returns a new context with claims attached.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims attached to ctx, if any.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
