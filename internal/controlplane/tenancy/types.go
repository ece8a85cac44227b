// Package tenancy owns the isolation roots of the control plane: tenants,
// their projects, API keys, and role bindings. Every other store carries a
// tenant_id issued here; queries without one are a bug.
package tenancy

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInactive = errors.New("api key inactive")
)

// Tenant is the root of isolation.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is an optional sub-scope within a tenant.
type Project struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// APIKey authenticates machine callers. The plaintext is returned exactly
// once at creation; only a bcrypt hash is stored.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Subject identifies an authenticated principal.
type Subject struct {
	Type string `json:"type"` // user, group, apikey
	ID   string `json:"id"`
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// RoleBinding grants a role to a subject within (tenant, project?).
// ProjectID == "" means tenant-wide.
type RoleBinding struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id,omitempty"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
}
