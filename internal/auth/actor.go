// Package auth models the actors calling the control plane and the
// capability policy consulted before every read and mutation.
package auth

import "context"

// Actor is the authenticated caller of a handler. SpaceGUIDs lists the
// spaces the actor is a member of; Admin grants unscoped access. Actors are
// minted by an external token service and arrive as verified bearer tokens.
type Actor struct {
	GUID       string
	Name       string
	Admin      bool
	SpaceGUIDs []string
}

// InSpace reports whether the actor is a member of the given space.
func (a Actor) InSpace(spaceGUID string) bool {
	for _, guid := range a.SpaceGUIDs {
		if guid == spaceGUID {
			return true
		}
	}
	return false
}

type contextKey string

const actorContextKey contextKey = "authenticatedActor"

// ContextWithActor stores the authenticated actor in the provided context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the authenticated actor from context if present.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(Actor)
	return actor, ok
}
