package auth

import (
	"context"

	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
)

// Authn methods, in resolution order.
const (
	AuthnAPIKey    = "apikey"
	AuthnJWT       = "jwt"
	AuthnSession   = "session"
	AuthnAnonymous = "anonymous"
)

// Identity is the resolved principal of one request.
type Identity struct {
	Authn     string
	ActorType string // user, apikey, anonymous
	ActorID   string
	TenantID  string
	ProjectID string // "" = tenant-wide
	Email     string
	Groups    []string
	// ClaimRoles are roles asserted by a bearer token, merged with role
	// bindings when evaluating policy.
	ClaimRoles []string
}

// Subjects derives the matchable subject identifiers for role bindings.
func (id Identity) Subjects() []tenancy.Subject {
	var subjects []tenancy.Subject
	switch id.ActorType {
	case "user":
		if id.Email != "" {
			subjects = append(subjects, tenancy.Subject{Type: "user", ID: id.Email})
		}
		for _, g := range id.Groups {
			subjects = append(subjects, tenancy.Subject{Type: "group", ID: g})
		}
	case "apikey":
		subjects = append(subjects, tenancy.Subject{Type: "apikey", ID: id.ActorID})
	}
	return subjects
}

// RateKey is the token-bucket key for this principal.
func (id Identity) RateKey() string {
	if id.Authn == AuthnAnonymous {
		return "anon:" + id.ActorID
	}
	return id.ActorType + ":" + id.ActorID
}

// Anonymous reports whether no credential was presented.
func (id Identity) Anonymous() bool {
	return id.Authn == AuthnAnonymous
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity attaches an identity to a context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext retrieves the request identity; the zero value is
// anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityContextKey).(Identity); ok {
		return id
	}
	return Identity{Authn: AuthnAnonymous, ActorType: "anonymous", ActorID: "unknown"}
}
