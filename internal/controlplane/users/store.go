// Package users stores local accounts, their group memberships, and the
// provisioning state SCIM and OIDC logins maintain. Users are never hard
// deleted; deprovisioning flips the disabled flag so audit references stay
// resolvable.
package users

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/controlplane/oidc"
)

var (
	ErrNotFound    = errors.New("users: not found")
	ErrConflict    = errors.New("users: already exists")
	ErrBadPassword = errors.New("users: invalid credentials")
	ErrDisabled    = errors.New("users: account disabled")
)

// Provisioning sources.
const (
	SourceLocal = "local"
	SourceOIDC  = "oidc"
	SourceSCIM  = "scim"
)

// User is an account row. PasswordHash is empty for federated accounts.
type User struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ExternalID  string    `json:"external_id,omitempty"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Source      string    `json:"source"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Group is a named membership set. SCIM provisions these; role bindings
// reference them as group:<name> subjects.
type Group struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	external_id   TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT 'local',
	disabled      INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE(tenant_id, email)
);
CREATE TABLE IF NOT EXISTS groups (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE(tenant_id, name)
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (group_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_users_external ON users(tenant_id, external_id);
`

// Store is the sqlite-backed user directory.
type Store struct {
	db              *sql.DB
	defaultTenantID string
}

// Open opens (creating if needed) the user database at path. Accounts
// reconciled from OIDC land in defaultTenantID.
func Open(path, defaultTenantID string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init users schema: %w", err)
	}
	return &Store{db: db, defaultTenantID: defaultTenantID}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a local account. password may be empty for accounts that
// only ever log in through a federated path.
func (s *Store) Create(tenantID, email, displayName, password, source string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("users: email required")
	}
	if source == "" {
		source = SourceLocal
	}
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}
	u := &User{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Email:       email,
		DisplayName: displayName,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	u.UpdatedAt = u.CreatedAt
	_, err := s.db.Exec(
		`INSERT INTO users (id, tenant_id, email, display_name, password_hash, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.Email, u.DisplayName, hash, u.Source,
		u.CreatedAt.Format(time.RFC3339Nano), u.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// Authenticate verifies email + password against a local account.
func (s *Store) Authenticate(tenantID, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var u User
	var hash string
	var disabled int
	var created, updated string
	err := s.db.QueryRow(
		`SELECT id, tenant_id, external_id, email, display_name, password_hash, source, disabled, created_at, updated_at
		 FROM users WHERE tenant_id = ? AND email = ?`, tenantID, email,
	).Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.DisplayName, &hash, &u.Source, &disabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadPassword
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if disabled != 0 {
		return nil, ErrDisabled
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadPassword
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &u, nil
}

// Get fetches a user by id.
func (s *Store) Get(id string) (*User, error) {
	return s.one(`SELECT id, tenant_id, external_id, email, display_name, source, disabled, created_at, updated_at
		FROM users WHERE id = ?`, id)
}

// GetByEmail fetches a user by tenant + email.
func (s *Store) GetByEmail(tenantID, email string) (*User, error) {
	return s.one(`SELECT id, tenant_id, external_id, email, display_name, source, disabled, created_at, updated_at
		FROM users WHERE tenant_id = ? AND email = ?`, tenantID, strings.ToLower(strings.TrimSpace(email)))
}

// GetByExternalID fetches a user by its identity-provider id.
func (s *Store) GetByExternalID(tenantID, externalID string) (*User, error) {
	return s.one(`SELECT id, tenant_id, external_id, email, display_name, source, disabled, created_at, updated_at
		FROM users WHERE tenant_id = ? AND external_id = ?`, tenantID, externalID)
}

func (s *Store) one(query string, args ...any) (*User, error) {
	var u User
	var disabled int
	var created, updated string
	err := s.db.QueryRow(query, args...).Scan(
		&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.DisplayName, &u.Source, &disabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	u.Disabled = disabled != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &u, nil
}

// List returns all users in a tenant, newest first.
func (s *Store) List(tenantID string) ([]*User, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, external_id, email, display_name, source, disabled, created_at, updated_at
		 FROM users WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var u User
		var disabled int
		var created, updated string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ExternalID, &u.Email, &u.DisplayName, &u.Source, &disabled, &created, &updated); err != nil {
			return nil, err
		}
		u.Disabled = disabled != 0
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// SetDisabled soft-disables (or re-enables) an account.
func (s *Store) SetDisabled(id string, disabled bool) error {
	flag := 0
	if disabled {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE users SET disabled = ?, updated_at = ? WHERE id = ?`,
		flag, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update replaces the mutable profile fields of a user.
func (s *Store) Update(id, email, displayName, externalID string) error {
	res, err := s.db.Exec(
		`UPDATE users SET email = ?, display_name = ?, external_id = ?, updated_at = ? WHERE id = ?`,
		strings.ToLower(strings.TrimSpace(email)), displayName, externalID,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPassword rehashes and stores a new password for a local account.
func (s *Store) SetPassword(id, password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.Exec(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		string(h), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconcileOIDCUser upserts a user row from verified ID-token claims and
// replaces its group memberships with the token's groups claim.
func (s *Store) ReconcileOIDCUser(sub, email, displayName string, groups []string) (*oidc.UserRecord, error) {
	u, err := s.GetByExternalID(s.defaultTenantID, sub)
	if errors.Is(err, ErrNotFound) {
		u, err = s.GetByEmail(s.defaultTenantID, email)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		u, err = s.Create(s.defaultTenantID, email, displayName, "", SourceOIDC)
		if err != nil {
			return nil, err
		}
		if err := s.Update(u.ID, email, displayName, sub); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if u.Disabled {
			return nil, ErrDisabled
		}
		if err := s.Update(u.ID, email, displayName, sub); err != nil {
			return nil, err
		}
	}
	if err := s.ReplaceUserGroups(u.TenantID, u.ID, groups); err != nil {
		return nil, err
	}
	return &oidc.UserRecord{ID: u.ID, Email: u.Email}, nil
}

// CreateGroup inserts a group row.
func (s *Store) CreateGroup(tenantID, name, externalID string) (*Group, error) {
	g := &Group{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ExternalID: externalID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO groups (id, tenant_id, external_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.TenantID, g.ExternalID, g.Name, g.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return g, nil
}

// GetGroup fetches a group by id.
func (s *Store) GetGroup(id string) (*Group, error) {
	var g Group
	var created string
	err := s.db.QueryRow(`SELECT id, tenant_id, external_id, name, created_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.TenantID, &g.ExternalID, &g.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup group: %w", err)
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &g, nil
}

// ListGroups returns all groups in a tenant.
func (s *Store) ListGroups(tenantID string) ([]*Group, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, external_id, name, created_at FROM groups WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []*Group
	for rows.Next() {
		var g Group
		var created string
		if err := rows.Scan(&g.ID, &g.TenantID, &g.ExternalID, &g.Name, &created); err != nil {
			return nil, err
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// DeleteGroup removes a group and its memberships.
func (s *Store) DeleteGroup(id string) error {
	if _, err := s.db.Exec(`DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGroupMembers replaces a group's membership with the given user ids.
func (s *Store) SetGroupMembers(groupID string, userIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	for _, uid := range userIDs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, uid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GroupMembers returns the user ids belonging to a group.
func (s *Store) GroupMembers(groupID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM group_members WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GroupsForUser returns the names of the groups a user belongs to.
func (s *Store) GroupsForUser(userID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT g.name FROM groups g JOIN group_members m ON m.group_id = g.id WHERE m.user_id = ? ORDER BY g.name`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ReplaceUserGroups makes the user a member of exactly the named groups,
// creating any that do not exist yet.
func (s *Store) ReplaceUserGroups(tenantID, userID string, names []string) error {
	if _, err := s.db.Exec(`DELETE FROM group_members WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		g, err := s.groupByName(tenantID, name)
		if errors.Is(err, ErrNotFound) {
			g, err = s.CreateGroup(tenantID, name, "")
			if errors.Is(err, ErrConflict) {
				g, err = s.groupByName(tenantID, name)
			}
		}
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, g.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) groupByName(tenantID, name string) (*Group, error) {
	var g Group
	var created string
	err := s.db.QueryRow(
		`SELECT id, tenant_id, external_id, name, created_at FROM groups WHERE tenant_id = ? AND name = ?`,
		tenantID, name).Scan(&g.ID, &g.TenantID, &g.ExternalID, &g.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &g, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
