package shared

import "context"

type contextKey string

const actorContextKey contextKey = "actor"

// ContextWithActor stores the acting user id, as asserted by the upstream
// authentication gateway, in the request context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey, actorID)
}

// ActorFromContext returns the acting user id, or 0 when unauthenticated.
func ActorFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(actorContextKey).(int64); ok {
		return v
	}
	return 0
}
