package auth

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
)

// SessionCookieName is the signed session cookie.
const SessionCookieName = "praetor_session"

// KeyValidator resolves a plaintext API key to its record.
type KeyValidator interface {
	ValidateAPIKey(plaintext string) (*tenancy.APIKey, error)
}

// SessionValidator resolves a session token to a user id.
type SessionValidator interface {
	Validate(token string) (userID string, err error)
}

// SessionUser is the slice of a user row identity resolution needs.
type SessionUser struct {
	ID          string
	TenantID    string
	Email       string
	DisplayName string
	Groups      []string
	Disabled    bool
}

// UserLookup fetches a user row by id.
type UserLookup interface {
	GetUser(id string) (*SessionUser, error)
}

// ProjectResolver maps an X-Project header to a project within a tenant.
type ProjectResolver interface {
	GetProjectByName(tenantID, name string) (*tenancy.Project, error)
	CreateProject(tenantID, name string) (*tenancy.Project, error)
}

// Middleware performs per-request identity resolution:
// API key > bearer JWT > session cookie > anonymous.
type Middleware struct {
	keys     KeyValidator
	tokens   *TokenIssuer
	sessions SessionValidator
	users    UserLookup
	projects ProjectResolver

	defaultTenantID    string
	autoCreateProjects bool
	logger             *zap.Logger
}

// NewMiddleware wires identity resolution. Any nil collaborator disables
// its auth path.
func NewMiddleware(keys KeyValidator, tokens *TokenIssuer, sessions SessionValidator, users UserLookup, projects ProjectResolver, defaultTenantID string, autoCreateProjects bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		keys:               keys,
		tokens:             tokens,
		sessions:           sessions,
		users:              users,
		projects:           projects,
		defaultTenantID:    defaultTenantID,
		autoCreateProjects: autoCreateProjects,
		logger:             logger.Named("auth"),
	}
}

// Wrap resolves identity and stores it in the request context. It only
// rejects outright on invalid credentials; anonymous requests proceed and
// are denied by per-route permission checks.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, status, msg := m.resolve(r)
		if status != 0 {
			if status == http.StatusUnauthorized && id.Authn == AuthnSession {
				clearSessionCookie(w)
			}
			http.Error(w, `{"error":"`+msg+`"}`, status)
			return
		}

		// Project scoping applies to every authenticated path.
		if project := strings.TrimSpace(r.Header.Get("X-Project")); project != "" && id.TenantID != "" && m.projects != nil {
			p, err := m.projects.GetProjectByName(id.TenantID, project)
			if err != nil {
				if !errors.Is(err, tenancy.ErrNotFound) || !m.autoCreateProjects {
					http.Error(w, `{"error":"unknown project"}`, http.StatusNotFound)
					return
				}
				p, err = m.projects.CreateProject(id.TenantID, project)
				if err != nil && !errors.Is(err, tenancy.ErrConflict) {
					http.Error(w, `{"error":"project resolution failed"}`, http.StatusInternalServerError)
					return
				}
				if p == nil {
					p, _ = m.projects.GetProjectByName(id.TenantID, project)
				}
			}
			if p != nil {
				id.ProjectID = p.ID
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// resolve returns the identity, or a non-zero status + message on a
// presented-but-invalid credential.
func (m *Middleware) resolve(r *http.Request) (Identity, int, string) {
	// 1. API key
	if raw := strings.TrimSpace(r.Header.Get("X-API-Key")); raw != "" {
		if m.keys == nil {
			return Identity{}, http.StatusUnauthorized, "invalid api key"
		}
		key, err := m.keys.ValidateAPIKey(raw)
		if err != nil {
			return Identity{}, http.StatusUnauthorized, "invalid api key"
		}
		return Identity{
			Authn:     AuthnAPIKey,
			ActorType: "apikey",
			ActorID:   key.ID,
			TenantID:  key.TenantID,
		}, 0, ""
	}

	// 2. Bearer JWT
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if raw == "" || m.tokens == nil {
			return Identity{}, http.StatusUnauthorized, "invalid bearer token"
		}
		claims, err := m.tokens.Verify(raw)
		if err != nil {
			return Identity{}, http.StatusUnauthorized, "invalid bearer token"
		}
		id := Identity{
			Authn:      AuthnJWT,
			ActorType:  "user",
			ActorID:    claims.Subject,
			Email:      claims.Email,
			ClaimRoles: claims.Roles,
			TenantID:   m.defaultTenantID,
		}
		if m.users != nil {
			if user, err := m.users.GetUser(claims.Subject); err == nil {
				if user.Disabled {
					return id, http.StatusUnauthorized, "user disabled"
				}
				id.TenantID = user.TenantID
				id.Groups = user.Groups
				if id.Email == "" {
					id.Email = user.Email
				}
			}
		}
		if id.Email == "" {
			id.Email = claims.Subject
		}
		return id, 0, ""
	}

	// 3. Session cookie
	if cookie, err := r.Cookie(SessionCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" && m.sessions != nil {
		userID, err := m.sessions.Validate(cookie.Value)
		if err != nil {
			return Identity{Authn: AuthnSession}, http.StatusUnauthorized, "invalid session"
		}
		id := Identity{
			Authn:     AuthnSession,
			ActorType: "user",
			ActorID:   userID,
			TenantID:  m.defaultTenantID,
		}
		if m.users != nil {
			user, err := m.users.GetUser(userID)
			if err != nil {
				return Identity{Authn: AuthnSession}, http.StatusUnauthorized, "invalid session"
			}
			if user.Disabled {
				return Identity{Authn: AuthnSession}, http.StatusUnauthorized, "user disabled"
			}
			id.TenantID = user.TenantID
			id.Email = user.Email
			id.Groups = user.Groups
		}
		return id, 0, ""
	}

	// 4. Anonymous
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return Identity{
		Authn:     AuthnAnonymous,
		ActorType: "anonymous",
		ActorID:   host,
		TenantID:  m.defaultTenantID,
	}, 0, ""
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
