package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the authenticated operator id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the operator id from context.
func ActorFromContext(ctx context.Context) (int64, bool) {
	actorID, ok := ctx.Value(actorContextKey{}).(int64)
	return actorID, ok && actorID > 0
}
