package auth

import "context"

type ctxKey int

const (
	ctxKeyActor ctxKey = iota
)

type Method string

const (
	MethodServiceToken Method = "service_token"
	MethodJWT          Method = "jwt"
	// MethodNone marks requests accepted while authentication is disabled.
	MethodNone Method = "none"
)

// Actor is the authenticated caller of a request.
type Actor struct {
	TenantID string
	ActorID  string
	Roles    []string

	Method Method
	// Subject names the credential, e.g. the service token name.
	Subject string
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(ctxKeyActor).(Actor)
	return a, ok
}
