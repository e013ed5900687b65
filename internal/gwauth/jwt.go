// Package gwauth is the gateway's Authentication Middleware (spec §4.7):
// two distinct gates, one for agent hosts (API key) and one for web
// clients (bearer JWT or session cookie), both ultimately authorities of
// the out-of-scope identity provider (spec §1, §6).
package gwauth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claims shape the identity provider issues for web
// client bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates client bearer tokens locally against the
// identity provider's published JWKS, avoiding a network round-trip per
// request (grounded on the teacher's internal/auth/jwt.go, parameterized
// by audience instead of hardcoded to one workspace).
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator fetches and caches the JWKS at jwksURL, validating
// tokens with the given audience/issuer.
func NewJWTValidator(ctx context.Context, jwksURL, audience, issuer string) (*JWTValidator, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(fetchCtx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}
	return &JWTValidator{jwks: k, audience: audience, issuer: issuer}, nil
}

// Validate parses and verifies tokenString, returning the subject
// (userId) on success.
func (v *JWTValidator) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("invalid claims type")
	}
	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return "", fmt.Errorf("get audience: %w", err)
		}
		if !containsAud(aud, v.audience) {
			return "", fmt.Errorf("invalid audience")
		}
	}
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return "", fmt.Errorf("invalid issuer")
		}
	}
	return claims.Subject, nil
}

func containsAud(aud []string, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
