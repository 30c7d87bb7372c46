// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the application must be defined here so key
// usage stays discoverable and collision-free.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CallerKey contains *auth.Caller
	// Set by: middleware.Identity (pkg/middleware/identity.go)
	// Required by: all study-scoped API endpoints
	CallerKey Key = "caller"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, response headers
	RequestIDKey Key = "request_id"
)

// WithCaller adds the authenticated caller to the context
func WithCaller(ctx context.Context, caller interface{}) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// WithRequestID adds the request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
