// Shared context keys for the API layer.
// A leaf package so api, api/middleware and api/handlers can all import it without cycles.
package ctxkeys

import "context"

// Key is the named type for all API context keys.
// context.Value compares type and value, so string keys from other packages cannot collide.
type Key string

const (
	// Identity is the authenticated caller. Injected by the auth middleware.
	Identity Key = "identity"
)

// WithValue adds a ctxkeys.Key value to the context.
func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// IdentityFrom returns the caller identity, or false when the request was not authenticated.
func IdentityFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(Identity).(string)
	return v, ok && v != ""
}
