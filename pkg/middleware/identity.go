// Package middleware provides the request-level middleware of the API
// server: identity extraction and per-caller rate limiting.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/contextkeys"
	"github.com/delosis/psytools-server/pkg/httputil"
)

// Identity extracts the gateway-verified identity token from the
// Authorization header, validates its signature and the structural shape of
// its grants, and stores the resulting Caller in the request context.
type Identity struct {
	secret []byte
	policy auth.DuplicatePolicy
}

// NewIdentity creates the identity middleware
func NewIdentity(secret string, policy auth.DuplicatePolicy) *Identity {
	return &Identity{
		secret: []byte(secret),
		policy: policy,
	}
}

// Handler wraps an HTTP handler with identity extraction
func (m *Identity) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		caller, err := m.CallerFromToken(parts[1])
		if err != nil {
			var grantErr *auth.InvalidGrantError
			if errors.As(err, &grantErr) {
				httputil.WriteUnauthorized(w, grantErr.Error())
				return
			}
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFromToken validates a signed identity token and builds a Caller from
// its claims. Shared with the signed download-link flow, which carries the
// same claim shape inside a query parameter instead of a header.
func (m *Identity) CallerFromToken(tokenString string) (*auth.Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &auth.IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity token: %w", err)
	}

	claims, ok := token.Claims.(*auth.IdentityClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("identity token claims have unexpected shape")
	}

	return auth.CallerFromClaims(claims.CallerID, claims.Grants, m.policy)
}

// CallerFrom retrieves the authenticated caller from the request context
func CallerFrom(r *http.Request) *auth.Caller {
	caller, _ := r.Context().Value(contextkeys.CallerKey).(*auth.Caller)
	return caller
}
