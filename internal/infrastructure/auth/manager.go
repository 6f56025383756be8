package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type ServiceToken struct {
	Name  string
	Token string
}

// Credentials are the raw auth inputs of one request, collected from HTTP
// headers or gRPC metadata.
type Credentials struct {
	Bearer       string
	ServiceToken string

	// Asserted identity; trusted only together with a valid service token or
	// while authentication is disabled.
	TenantID string
	ActorID  string
	Roles    string
}

// Claims are the actor claims carried by bearer tokens.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type Manager struct {
	serviceTokens map[string]ServiceToken // token -> info
	jwtSecret     []byte
	jwtIssuer     string
	now           func() time.Time
}

func NewManager(serviceTokens []ServiceToken, jwtSecret, jwtIssuer string) *Manager {
	st := make(map[string]ServiceToken, len(serviceTokens))
	for _, t := range serviceTokens {
		if t.Token == "" {
			continue
		}
		st[t.Token] = t
	}
	return &Manager{
		serviceTokens: st,
		jwtSecret:     []byte(jwtSecret),
		jwtIssuer:     jwtIssuer,
		now:           time.Now,
	}
}

// Enabled reports whether any credential type is configured. A disabled
// manager trusts asserted identity headers as is.
func (m *Manager) Enabled() bool {
	return m != nil && (len(m.serviceTokens) > 0 || len(m.jwtSecret) > 0)
}

// Authenticate resolves the actor for c. Bearer tokens take precedence over
// service tokens.
func (m *Manager) Authenticate(c Credentials) (Actor, error) {
	if !m.Enabled() {
		return Actor{
			TenantID: c.TenantID,
			ActorID:  c.ActorID,
			Roles:    SplitRoles(c.Roles),
			Method:   MethodNone,
		}, nil
	}
	if c.Bearer != "" && len(m.jwtSecret) > 0 {
		return m.ParseActorToken(c.Bearer)
	}
	if c.ServiceToken != "" {
		name, ok := m.AuthenticateServiceToken(c.ServiceToken)
		if !ok {
			return Actor{}, fmt.Errorf("%w: invalid service token", ErrUnauthenticated)
		}
		return Actor{
			TenantID: c.TenantID,
			ActorID:  c.ActorID,
			Roles:    SplitRoles(c.Roles),
			Method:   MethodServiceToken,
			Subject:  name,
		}, nil
	}
	return Actor{}, fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
}

func (m *Manager) AuthenticateServiceToken(token string) (subject string, ok bool) {
	if token == "" {
		return "", false
	}
	t, ok := m.serviceTokens[token]
	if !ok {
		return "", false
	}
	if t.Name != "" {
		return t.Name, true
	}
	return "service", true
}

// ParseActorToken validates an HS256 bearer token and returns its actor.
func (m *Manager) ParseActorToken(raw string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(m.jwtIssuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.jwtSecret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Actor{}, fmt.Errorf("%w: invalid token: %v", ErrUnauthenticated, err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Actor{}, fmt.Errorf("%w: token lacks tenant or subject", ErrUnauthenticated)
	}
	return Actor{
		TenantID: claims.TenantID,
		ActorID:  claims.Subject,
		Roles:    claims.Roles,
		Method:   MethodJWT,
		Subject:  claims.Subject,
	}, nil
}

// IssueActorToken signs a token for a, valid for ttl.
func (m *Manager) IssueActorToken(a Actor, ttl time.Duration) (string, error) {
	if len(m.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := m.now()
	claims := Claims{
		TenantID: a.TenantID,
		Roles:    a.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ActorID,
			Issuer:    m.jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// SplitRoles parses a comma separated role list.
func SplitRoles(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BearerToken extracts the token from an "Authorization: Bearer" value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
