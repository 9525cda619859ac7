// Package identity supplies ready-made identifyUser/identifyPlan hooks so
// callers don't have to hand-roll bearer-token parsing for the common case.
package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims FromBearerJWT expects: a subject (the user) and
// a plan claim naming the billing plan.
type Claims struct {
	jwt.RegisteredClaims
	Plan string `json:"plan"`
}

// KeyFunc resolves the verification key for a parsed token, the same shape
// jwt.ParseWithClaims expects: typically a closure over an HMAC secret or a
// JWKS lookup keyed by the token's kid.
type KeyFunc func(*jwt.Token) (interface{}, error)

// FromBearerJWT returns an identifyUser/identifyPlan hook pair that parses
// the Authorization: Bearer header with keyFunc and returns the subject and
// plan claims respectively. Each hook parses the token independently; both
// run once per request regardless, so the duplicate parse costs nothing
// beyond a second signature check.
func FromBearerJWT(keyFunc KeyFunc) (identifyUser, identifyPlan func(*http.Request) (string, error)) {
	parse := func(r *http.Request) (*Claims, error) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return nil, fmt.Errorf("identity: missing Authorization header")
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, fmt.Errorf("identity: Authorization header is not a bearer token")
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, jwt.Keyfunc(keyFunc))
		if err != nil {
			return nil, fmt.Errorf("identity: token validation failed: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("identity: invalid token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("identity: token subject is required")
		}
		return claims, nil
	}

	identifyUser = func(r *http.Request) (string, error) {
		claims, err := parse(r)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
	identifyPlan = func(r *http.Request) (string, error) {
		claims, err := parse(r)
		if err != nil {
			return "", err
		}
		if claims.Plan == "" {
			return "", fmt.Errorf("identity: token plan claim is required")
		}
		return claims.Plan, nil
	}
	return identifyUser, identifyPlan
}
