// Package identity carries the authenticated caller through context.Context.
// Only the user ID travels with the request; roles are always re-read from
// the store by the code that needs them.
package identity

import (
	"context"
	"strings"
)

type callerKey struct{}

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID string
}

// WithCaller returns a child context carrying the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller, if an authenticated one is present.
func FromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || strings.TrimSpace(c.UserID) == "" {
		return Caller{}, false
	}
	return c, true
}
