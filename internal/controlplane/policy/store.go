package policy

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("policy: not found")
	ErrConflict = errors.New("policy: already exists")
)

// Policy is a stored guardrail document. Version increments on update.
type Policy struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	SourceText string    `json:"source_text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Document parses the stored source (empty document if malformed).
func (p *Policy) Document() Document { return Parse(p.SourceText) }

const policySchema = `
CREATE TABLE IF NOT EXISTS policies (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	project_id  TEXT,
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	source_text TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE(tenant_id, project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);
`

// Store is the sqlite-backed policy table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the policy database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open policy db: %w", err)
	}
	if _, err := db.Exec(policySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init policy schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new policy at version 1.
func (s *Store) Create(tenantID, projectID, name, sourceText string) (*Policy, error) {
	now := time.Now().UTC()
	p := &Policy{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ProjectID:  projectID,
		Name:       name,
		Version:    1,
		SourceText: sourceText,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.Exec(
		`INSERT INTO policies (id, tenant_id, project_id, name, version, source_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, nullable(p.ProjectID), p.Name, p.Version, p.SourceText,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

// Get fetches a policy by id within a tenant.
func (s *Store) Get(tenantID, id string) (*Policy, error) {
	row := s.db.QueryRow(
		`SELECT id, tenant_id, project_id, name, version, source_text, created_at, updated_at
		 FROM policies WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanPolicy(row)
}

// List returns the tenant's policies, optionally filtered by project.
func (s *Store) List(tenantID, projectID string) ([]*Policy, error) {
	query := `SELECT id, tenant_id, project_id, name, version, source_text, created_at, updated_at
		FROM policies WHERE tenant_id = ?`
	args := []any{tenantID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Latest returns the most recently updated policy scoped to the project,
// falling back to the tenant-wide policy. The engine loads this per run.
func (s *Store) Latest(tenantID, projectID string) (*Policy, error) {
	if projectID != "" {
		p, err := scanPolicy(s.db.QueryRow(
			`SELECT id, tenant_id, project_id, name, version, source_text, created_at, updated_at
			 FROM policies WHERE tenant_id = ? AND project_id = ?
			 ORDER BY updated_at DESC LIMIT 1`, tenantID, projectID))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return scanPolicy(s.db.QueryRow(
		`SELECT id, tenant_id, project_id, name, version, source_text, created_at, updated_at
		 FROM policies WHERE tenant_id = ? AND project_id IS NULL
		 ORDER BY updated_at DESC LIMIT 1`, tenantID))
}

// Update replaces the source text and bumps the version.
func (s *Store) Update(tenantID, id, sourceText string) (*Policy, error) {
	res, err := s.db.Exec(
		`UPDATE policies SET source_text = ?, version = version + 1, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		sourceText, time.Now().UTC().Format(time.RFC3339Nano), tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(tenantID, id)
}

// Delete removes a policy.
func (s *Store) Delete(tenantID, id string) error {
	res, err := s.db.Exec(`DELETE FROM policies WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var project sql.NullString
	var created, updated string
	err := row.Scan(&p.ID, &p.TenantID, &project, &p.Name, &p.Version, &p.SourceText, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.ProjectID = project.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
