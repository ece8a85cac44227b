package tenancy

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

const keyPrefixLen = 12

// Store manages tenants, projects, API keys, and role bindings in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite-backed tenancy store and migrates schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tenancy db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id        TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			UNIQUE(tenant_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			name         TEXT NOT NULL,
			key_prefix   TEXT NOT NULL,
			hashed_key   TEXT NOT NULL,
			is_active    INTEGER NOT NULL DEFAULT 1,
			last_used_at TEXT,
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS role_bindings (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			project_id   TEXT NOT NULL DEFAULT '',
			subject_type TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			UNIQUE(tenant_id, project_id, subject_type, subject_id, role)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate tenancy schema: %w", err)
		}
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_bindings_subject ON role_bindings(tenant_id, subject_type, subject_id)`)

	return &Store{db: db}, nil
}

// Close shuts down the store.
func (s *Store) Close() error { return s.db.Close() }

// --- tenants ---

// CreateTenant creates a tenant with a unique name.
func (s *Store) CreateTenant(name string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("tenant name required")
	}

	t := &Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("tenant %q: %w", name, ErrConflict)
		}
		return nil, err
	}
	return t, nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(id string) (*Tenant, error) {
	var t Tenant
	var created string
	err := s.db.QueryRow(`SELECT id, name, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &t, nil
}

// GetTenantByName fetches a tenant by its unique name.
func (s *Store) GetTenantByName(name string) (*Tenant, error) {
	var t Tenant
	var created string
	err := s.db.QueryRow(`SELECT id, name, created_at FROM tenants WHERE name = ?`, name).
		Scan(&t.ID, &t.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &t, nil
}

// EnsureTenant returns the named tenant, creating it if missing.
func (s *Store) EnsureTenant(name string) (*Tenant, error) {
	t, err := s.GetTenantByName(name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	t, err = s.CreateTenant(name)
	if errors.Is(err, ErrConflict) {
		return s.GetTenantByName(name)
	}
	return t, err
}

// ListTenants returns all tenants ordered by name.
func (s *Store) ListTenants() ([]Tenant, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &created); err != nil {
			continue
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// --- projects ---

// CreateProject creates a project scoped to a tenant.
func (s *Store) CreateProject(tenantID, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name required")
	}

	p := &Project{ID: uuid.NewString(), TenantID: tenantID, Name: name}
	_, err := s.db.Exec(`INSERT INTO projects (id, tenant_id, name) VALUES (?, ?, ?)`,
		p.ID, p.TenantID, p.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project %q: %w", name, ErrConflict)
		}
		return nil, err
	}
	return p, nil
}

// GetProjectByName resolves (tenant, name) to a project.
func (s *Store) GetProjectByName(tenantID, name string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(`SELECT id, tenant_id, name FROM projects WHERE tenant_id = ? AND name = ?`,
		tenantID, name).Scan(&p.ID, &p.TenantID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns a tenant's projects.
func (s *Store) ListProjects(tenantID string) ([]Project, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, name FROM projects WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name); err != nil {
			continue
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- api keys ---

// CreateAPIKey mints a key and returns the record plus the plaintext,
// which is never stored or shown again.
func (s *Store) CreateAPIKey(tenantID, name string) (*APIKey, string, error) {
	plaintext, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(`INSERT INTO api_keys (id, tenant_id, name, key_prefix, hashed_key, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		key.ID, key.TenantID, key.Name, plaintext[:keyPrefixLen], string(hash),
		key.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// ValidateAPIKey resolves a plaintext key to its active record and touches
// last_used_at. The prefix narrows candidates before the bcrypt compare.
func (s *Store) ValidateAPIKey(plaintext string) (*APIKey, error) {
	if len(plaintext) < keyPrefixLen {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(`SELECT id, tenant_id, name, hashed_key, is_active, last_used_at, created_at
		FROM api_keys WHERE key_prefix = ?`, plaintext[:keyPrefixLen])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key APIKey
		var hashed, created string
		var active int
		var lastUsed sql.NullString
		if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &hashed, &active, &lastUsed, &created); err != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) != nil {
			continue
		}
		if active == 0 {
			return nil, ErrInactive
		}
		key.IsActive = true
		key.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if lastUsed.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
			key.LastUsedAt = &t
		}
		now := time.Now().UTC()
		_, _ = s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), key.ID)
		return &key, nil
	}
	return nil, ErrNotFound
}

// ListAPIKeys returns a tenant's keys (no hashes).
func (s *Store) ListAPIKeys(tenantID string) ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, name, is_active, last_used_at, created_at
		FROM api_keys WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var active int
		var lastUsed sql.NullString
		var created string
		if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &active, &lastUsed, &created); err != nil {
			continue
		}
		key.IsActive = active == 1
		key.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if lastUsed.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
			key.LastUsedAt = &t
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RotateAPIKey replaces the stored hash with a fresh key, returning the new
// plaintext once.
func (s *Store) RotateAPIKey(id string) (string, error) {
	plaintext, err := generateKey()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}

	res, err := s.db.Exec(`UPDATE api_keys SET hashed_key = ?, key_prefix = ?, is_active = 1 WHERE id = ?`,
		string(hash), plaintext[:keyPrefixLen], id)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return plaintext, nil
}

// DeactivateAPIKey soft-deletes a key.
func (s *Store) DeactivateAPIKey(id string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetAPIKey fetches a key record by id.
func (s *Store) GetAPIKey(id string) (*APIKey, error) {
	var key APIKey
	var active int
	var lastUsed sql.NullString
	var created string
	err := s.db.QueryRow(`SELECT id, tenant_id, name, is_active, last_used_at, created_at
		FROM api_keys WHERE id = ?`, id).
		Scan(&key.ID, &key.TenantID, &key.Name, &active, &lastUsed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	key.IsActive = active == 1
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		key.LastUsedAt = &t
	}
	return &key, nil
}

// --- role bindings ---

// CreateBinding grants a role to a subject. Duplicate 5-tuples conflict.
func (s *Store) CreateBinding(b RoleBinding) (*RoleBinding, error) {
	if b.TenantID == "" || b.SubjectType == "" || b.SubjectID == "" || b.Role == "" {
		return nil, errors.New("tenant_id, subject_type, subject_id, role required")
	}
	b.ID = uuid.NewString()

	_, err := s.db.Exec(`INSERT INTO role_bindings (id, tenant_id, project_id, subject_type, subject_id, role)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.ProjectID, b.SubjectType, b.SubjectID, b.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("role binding: %w", ErrConflict)
		}
		return nil, err
	}
	return &b, nil
}

// ListBindings returns bindings for a tenant, optionally project-filtered.
func (s *Store) ListBindings(tenantID, projectID string) ([]RoleBinding, error) {
	query := `SELECT id, tenant_id, project_id, subject_type, subject_id, role
		FROM role_bindings WHERE tenant_id = ?`
	args := []any{tenantID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []RoleBinding
	for rows.Next() {
		var b RoleBinding
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ProjectID, &b.SubjectType, &b.SubjectID, &b.Role); err != nil {
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// DeleteBinding removes a binding by id.
func (s *Store) DeleteBinding(id string) error {
	res, err := s.db.Exec(`DELETE FROM role_bindings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role binding %s: %w", id, ErrNotFound)
	}
	return nil
}

// RolesFor resolves the roles granted to any of the subjects at
// (tenant, project), falling back to tenant-wide bindings. The result is
// deduplicated and order-stable.
func (s *Store) RolesFor(tenantID, projectID string, subjects []Subject) ([]string, error) {
	if len(subjects) == 0 {
		return nil, nil
	}

	var clauses []string
	args := []any{tenantID}
	for _, sub := range subjects {
		clauses = append(clauses, "(subject_type = ? AND subject_id = ?)")
		args = append(args, sub.Type, sub.ID)
	}

	query := `SELECT project_id, role FROM role_bindings
		WHERE tenant_id = ? AND (` + strings.Join(clauses, " OR ") + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var roles []string
	add := func(role string) {
		if !seen[role] {
			seen[role] = true
			roles = append(roles, role)
		}
	}
	for rows.Next() {
		var bindingProject, role string
		if err := rows.Scan(&bindingProject, &role); err != nil {
			continue
		}
		// Project-scoped bindings apply only within their project;
		// tenant-wide bindings ("" project) apply everywhere.
		if bindingProject == "" || bindingProject == projectID {
			add(role)
		}
	}
	return roles, rows.Err()
}

func generateKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "prk_" + hex.EncodeToString(buf), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
