// Package auth validates inbound bearer credentials before WebSocket upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a bearer credential is missing,
// malformed, or rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

// Validator is the auth collaborator: validate a bearer token and
// identify the principal it belongs to.
type Validator interface {
	Validate(ctx context.Context, token string) (principalID string, err error)
}

type contextKey int

const principalIDKey contextKey = iota

// PrincipalFromContext extracts the authenticated principal ID from the
// request context.
func PrincipalFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(principalIDKey).(string); ok {
		return v
	}
	return ""
}

// BearerFromRequest extracts the bearer token from the Authorization
// header or, for browser WebSocket clients that cannot set headers,
// the "token" query parameter.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// JWTValidator validates HS256-signed bearer tokens issued by the REST
// API. The token subject identifies the principal.
type JWTValidator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTValidator creates a validator for the given signing secret and
// expected issuer.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer credential and
// injects the principal ID into the request context. It runs before
// any WebSocket upgrade so unauthenticated attempts never allocate a
// session or trigger credential issuance.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, err := v.Validate(r.Context(), BearerFromRequest(r))
			if err != nil {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalIDKey, principalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
