package orchestrator

import "errors"

var ErrUnauthenticated = errors.New("unauthenticated")

// RequestScope identifies who is acting on behalf of which tenant. It is
// resolved by the transport from the caller's credential.
type RequestScope struct {
	TenantID string
	ActorID  string
	Roles    []string
}

func (s RequestScope) validate() error {
	if s.TenantID == "" || s.ActorID == "" {
		return ErrUnauthenticated
	}
	return nil
}
