package protocol

import "context"

// clientIDKey is the context key for the client identifier.
type clientIDKey struct{}

// ContextWithClientID returns a context carrying the client identifier.
// Transports attach it so the processor and notification layer can key
// sessions and subscriptions per client.
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, id)
}

// ClientIDFromContext returns the client identifier, or empty string if none.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
