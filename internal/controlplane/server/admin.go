package server

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
	"github.com/marcus-qen/praetor/internal/controlplane/users"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version})
}

// ── Login / session ──────────────────────────────────────────

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin authenticates a local account and issues both a session
// cookie and a bearer token carrying the user's bound roles.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.userStore.Authenticate(s.defaultTenantID, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrBadPassword) || errors.Is(err, users.ErrDisabled) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		s.storeError(w, r, err)
		return
	}

	token, err := s.sessionStore.Create(user.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	ttl := time.Duration(s.cfg.SessionTTLMin) * time.Minute
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	groups, _ := s.userStore.GroupsForUser(user.ID)
	id := auth.Identity{
		ActorType: "user",
		ActorID:   user.ID,
		TenantID:  user.TenantID,
		Email:     user.Email,
		Groups:    groups,
	}
	roles := s.rolesOf(id)
	bearer, err := s.tokens.Mint(user.ID, user.Email, roles, ttl)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	s.auditStore.Emit("user", user.ID, user.TenantID, "user.login", "user", user.ID, nil)
	s.logger.Info("user logged in", zap.String("user_id", user.ID), zap.String("email", user.Email))
	writeJSON(w, http.StatusOK, map[string]any{
		"token": bearer,
		"user": map[string]any{
			"id":           user.ID,
			"email":        user.Email,
			"display_name": user.DisplayName,
			"roles":        roles,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		s.sessionStore.Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id.Anonymous() {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_type": id.ActorType,
		"actor_id":   id.ActorID,
		"tenant_id":  id.TenantID,
		"project_id": id.ProjectID,
		"email":      id.Email,
		"roles":      s.rolesOf(id),
	})
}

// ── Tenants + API keys ───────────────────────────────────────

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "name is required")
		return
	}
	tenant, err := s.tenants.CreateTenant(req.Name)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "tenant.create", "tenant", tenant.ID, map[string]any{"name": tenant.Name})
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	list, err := s.tenants.ListTenants()
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": list})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenantID := r.PathValue("id")
	key, plaintext, err := s.tenants.CreateAPIKey(tenantID, req.Name)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "apikey.create", "apikey", key.ID, map[string]any{"tenant_id": tenantID})
	// The plaintext appears exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "plaintext": plaintext})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	list, err := s.tenants.ListAPIKeys(r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apikeys": list})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("id")
	plaintext, err := s.tenants.RotateAPIKey(keyID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "apikey.rotate", "apikey", keyID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": keyID, "plaintext": plaintext})
}

func (s *Server) handleDeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("id")
	if err := s.tenants.DeactivateAPIKey(keyID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "apikey.deactivate", "apikey", keyID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ── Projects ─────────────────────────────────────────────────

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "name is required")
		return
	}
	id := auth.IdentityFromContext(r.Context())
	project, err := s.tenants.CreateProject(id.TenantID, req.Name)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "project.create", "project", project.ID, map[string]any{"name": project.Name})
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.tenants.ListProjects(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

// ── Role bindings ────────────────────────────────────────────

type bindingRequest struct {
	ProjectID   string `json:"project_id,omitempty"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
}

func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectType == "" || req.SubjectID == "" || req.Role == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body",
			"subject_type, subject_id, and role are required")
		return
	}
	id := auth.IdentityFromContext(r.Context())
	binding, err := s.tenants.CreateBinding(tenancy.RoleBinding{
		TenantID:    id.TenantID,
		ProjectID:   req.ProjectID,
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Role:        req.Role,
	})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "binding.create", "role_binding", binding.ID, map[string]any{
		"subject": req.SubjectType + ":" + req.SubjectID,
		"role":    req.Role,
	})
	writeJSON(w, http.StatusCreated, binding)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.tenants.ListBindings(id.TenantID, r.URL.Query().Get("project_id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": list})
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	bindingID := r.PathValue("id")
	if err := s.tenants.DeleteBinding(bindingID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "binding.delete", "role_binding", bindingID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ── Feature flags ────────────────────────────────────────────

type flagRequest struct {
	Tool string `json:"tool"`
	Mode string `json:"mode"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	flag, err := s.flagStore.Set(req.Tool, req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_flag", err.Error())
		return
	}
	s.audit(r, "flag.set", "feature_flag", req.Tool, map[string]any{"mode": req.Mode})
	writeJSON(w, http.StatusCreated, flag)
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := s.flagStore.List()
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": list})
}
