package ledger

import "context"

type contextKey string

const (
	ctxActorType contextKey = "ledger_actor_type"
	ctxActorID   contextKey = "ledger_actor_id"
)

// Actor types recorded on history entries.
const (
	ActorUser    = "user"
	ActorAdmin   = "admin"
	ActorSystem  = "system"
	ActorGateway = "gateway"
)

// WithActor attaches the acting principal to ctx. ApplyDelta falls back to
// it when a Delta carries no ActorID.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	return context.WithValue(ctx, ctxActorID, actorID)
}

// ActorFromContext returns the actor attached by WithActor, or the system
// actor when none is present.
func ActorFromContext(ctx context.Context) (actorType, actorID string) {
	actorType, _ = ctx.Value(ctxActorType).(string)
	actorID, _ = ctx.Value(ctxActorID).(string)
	if actorType == "" {
		actorType = ActorSystem
	}
	if actorID == "" {
		actorID = ActorSystem
	}
	return actorType, actorID
}
