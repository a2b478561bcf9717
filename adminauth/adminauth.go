// Package adminauth validates the bearer tokens guarding admin operations
// (upstream create/soft-delete, route-capability reconciliation, manual
// circuit-breaker overrides) named in SPEC_FULL.md's DOMAIN STACK.
//
// Grounded on the teacher's config-object validation style for the claim
// shape, adapted to golang-jwt/jwt/v5 signature verification instead of
// config-file parsing.
package adminauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingScope is returned when a token validates but lacks the admin
// scope required for the attempted operation.
var ErrMissingScope = errors.New("adminauth: token missing required scope")

// Claims is the admin token's claim shape: standard registered claims plus
// a scopes list.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// HasScope reports whether scope is present among the token's scopes.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator verifies admin bearer tokens against a fixed HMAC secret.
type Validator struct {
	secret []byte
	leeway time.Duration
}

// NewValidator constructs a Validator. leeway bounds clock skew tolerance
// for exp/nbf checks.
func NewValidator(secret []byte, leeway time.Duration) *Validator {
	return &Validator{secret: secret, leeway: leeway}
}

// Validate parses and verifies tokenString, then confirms requiredScope is
// present.
func (v *Validator) Validate(tokenString, requiredScope string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("adminauth: unexpected signing method %v", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		return Claims{}, fmt.Errorf("adminauth: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("adminauth: token invalid")
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return Claims{}, ErrMissingScope
	}
	return claims, nil
}

// Issue mints a signed admin token, used by tests and administrative
// tooling that bootstraps credentials.
func (v *Validator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
