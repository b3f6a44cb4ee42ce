// Package authstub satisfies the external role-authentication contract the
// orchestrator's thin HTTP surface is expected to carry (a Keycloak-issued
// bearer token naming the caller's role_key) without implementing role
// logic: that policy lives in the external gateway this non-goal surface
// only has to interoperate with.
package authstub

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of a Keycloak access token this repository reads.
type Claims struct {
	jwt.RegisteredClaims
	RoleKey string `json:"role_key"`
}

// Validator checks a bearer token's signature against a fixed HMAC secret
// and returns its claims. It does not evaluate role membership; callers
// that need authorization decisions apply their own policy to RoleKey.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator over secret (the Keycloak realm's token
// signing secret). A nil Validator always rejects tokens.
func NewValidator(secret string) *Validator {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil
	}
	return &Validator{secret: []byte(trimmed)}
}

// Validate parses and verifies token, returning its Claims.
func (v *Validator) Validate(token string) (*Claims, error) {
	if v == nil {
		return nil, fmt.Errorf("authstub: validator not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authstub: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("authstub: invalid token")
	}
	return claims, nil
}

// ExtractToken pulls the bearer token out of a request's Authorization
// header, or "" if absent.
func ExtractToken(r *http.Request) string {
	parts := strings.Fields(strings.TrimSpace(r.Header.Get("Authorization")))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
