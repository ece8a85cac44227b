package runbook

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
	ErrNotFound = errors.New("runbook: not found")
	ErrConflict = errors.New("runbook: already exists")
)

// Runbook is a stored runbook row.
type Runbook struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	Name           string    `json:"name"`
	SourceText     string    `json:"source_text"`
	CanaryPromoted bool      `json:"canary_promoted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Document parses the stored source text.
func (r *Runbook) Document() (*Document, error) { return Parse(r.SourceText) }

const runbookSchema = `
CREATE TABLE IF NOT EXISTS runbooks (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	project_id      TEXT,
	name            TEXT NOT NULL,
	source_text     TEXT NOT NULL,
	canary_promoted INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE(tenant_id, project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_runbooks_tenant ON runbooks(tenant_id);
`

// Store is the sqlite-backed runbook table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the runbook database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open runbook db: %w", err)
	}
	if _, err := db.Exec(runbookSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init runbook schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a runbook after validating its source parses.
func (s *Store) Create(tenantID, projectID, name, sourceText string) (*Runbook, error) {
	doc, err := Parse(sourceText)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = doc.Name
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("runbook name required")
	}
	now := time.Now().UTC()
	rb := &Runbook{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ProjectID:  projectID,
		Name:       name,
		SourceText: sourceText,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.Exec(
		`INSERT INTO runbooks (id, tenant_id, project_id, name, source_text, canary_promoted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		rb.ID, rb.TenantID, nullable(rb.ProjectID), rb.Name, rb.SourceText,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("insert runbook: %w", err)
	}
	return rb, nil
}

// Get fetches a runbook by id within a tenant.
func (s *Store) Get(tenantID, id string) (*Runbook, error) {
	return scanRunbook(s.db.QueryRow(
		`SELECT id, tenant_id, project_id, name, source_text, canary_promoted, created_at, updated_at
		 FROM runbooks WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

// List returns the tenant's runbooks, optionally filtered by project.
func (s *Store) List(tenantID, projectID string) ([]*Runbook, error) {
	query := `SELECT id, tenant_id, project_id, name, source_text, canary_promoted, created_at, updated_at
		FROM runbooks WHERE tenant_id = ?`
	args := []any{tenantID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runbooks: %w", err)
	}
	defer rows.Close()
	var out []*Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

// Update replaces the source text after validating it parses. Promotion
// state resets: an edited runbook must re-earn its canary blessing.
func (s *Store) Update(tenantID, id, sourceText string) (*Runbook, error) {
	if _, err := Parse(sourceText); err != nil {
		return nil, err
	}
	res, err := s.db.Exec(
		`UPDATE runbooks SET source_text = ?, canary_promoted = 0, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		sourceText, time.Now().UTC().Format(time.RFC3339Nano), tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("update runbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(tenantID, id)
}

// Delete removes a runbook.
func (s *Store) Delete(tenantID, id string) error {
	res, err := s.db.Exec(`DELETE FROM runbooks WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete runbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Duplicate copies a runbook under "<name>-copy" (suffix repeated until
// the name is free).
func (s *Store) Duplicate(tenantID, id string) (*Runbook, error) {
	src, err := s.Get(tenantID, id)
	if err != nil {
		return nil, err
	}
	name := src.Name + "-copy"
	for {
		dup, err := s.Create(tenantID, src.ProjectID, name, src.SourceText)
		if errors.Is(err, ErrConflict) {
			name += "-copy"
			continue
		}
		return dup, err
	}
}

// SetCanaryPromoted flips the promotion flag.
func (s *Store) SetCanaryPromoted(tenantID, id string, promoted bool) error {
	flag := 0
	if promoted {
		flag = 1
	}
	res, err := s.db.Exec(
		`UPDATE runbooks SET canary_promoted = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		flag, time.Now().UTC().Format(time.RFC3339Nano), tenantID, id)
	if err != nil {
		return fmt.Errorf("update runbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRunbook(row interface{ Scan(...any) error }) (*Runbook, error) {
	var rb Runbook
	var project sql.NullString
	var promoted int
	var created, updated string
	err := row.Scan(&rb.ID, &rb.TenantID, &project, &rb.Name, &rb.SourceText, &promoted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	rb.ProjectID = project.String
	rb.CanaryPromoted = promoted != 0
	rb.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rb.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rb, nil
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
