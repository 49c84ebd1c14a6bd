package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims is the subset of a provider access token read locally. The
// signature is not verified.
type accessClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func parseAccessClaims(raw string) (*accessClaims, bool) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// tokenExpiry returns the exp claim of raw, if it has one.
func tokenExpiry(raw string) (time.Time, bool) {
	claims, ok := parseAccessClaims(raw)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// withExpiry fills ExpiresAt from the access token when the provider did not
// report a lifetime.
func withExpiry(tokens *Tokens) *Tokens {
	if tokens == nil || !tokens.ExpiresAt.IsZero() {
		return tokens
	}
	if exp, ok := tokenExpiry(tokens.AccessToken); ok {
		tokens.ExpiresAt = exp
	}
	return tokens
}
