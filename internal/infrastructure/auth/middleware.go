package auth

import (
	"encoding/json"
	"net/http"
)

const (
	HeaderServiceToken = "X-Service-Token"
	HeaderTenantID     = "X-Tenant-ID"
	HeaderActorID      = "X-Actor-ID"
	HeaderActorRoles   = "X-Actor-Roles"
)

// Middleware authenticates every request and stores the Actor in its
// context. Failures are answered with 401.
func Middleware(mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := mgr.Authenticate(CredentialsFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Bearer:       BearerToken(r.Header.Get("Authorization")),
		ServiceToken: r.Header.Get(HeaderServiceToken),
		TenantID:     r.Header.Get(HeaderTenantID),
		ActorID:      r.Header.Get(HeaderActorID),
		Roles:        r.Header.Get(HeaderActorRoles),
	}
}
