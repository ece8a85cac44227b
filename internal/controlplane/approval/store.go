// Package approval manages signed, TTL-bounded approval gates. Each gated
// step gets a row at run creation; a human decides it through the API and
// the waiting engine wakes on a notification channel.
package approval

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/shared/signing"
)

var (
	ErrNotFound       = errors.New("approval: not found")
	ErrAlreadyDecided = errors.New("approval: already decided")
	ErrExpired        = errors.New("approval: signature expired")
	ErrTokenMismatch  = errors.New("approval: token mismatch")
)

// Decision states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Approval is a gate row. Token is populated only on creation.
type Approval struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	StepName      string    `json:"step_name"`
	RequiredRoles []string  `json:"required_roles,omitempty"`
	Status        string    `json:"status"`
	Approved      bool      `json:"approved"`
	Sig           string    `json:"-"`
	Nonce         string    `json:"-"`
	SigExpiresAt  time.Time `json:"sig_expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	Token         string    `json:"token,omitempty"`
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	step_name      TEXT NOT NULL,
	required_roles TEXT NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL DEFAULT 'pending',
	sig            TEXT NOT NULL,
	nonce          TEXT NOT NULL,
	sig_expires_at TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
CREATE INDEX IF NOT EXISTS idx_approvals_tenant ON approvals(tenant_id, status);
`

// Store persists approval rows.
type Store struct {
	db     *sql.DB
	signer *signing.Signer
	ttl    time.Duration
}

// Open opens (creating if needed) the approval database at path. The
// signer must be keyed with the deployment approval secret.
func Open(path string, signer *signing.Signer, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	if _, err := db.Exec(approvalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init approval schema: %w", err)
	}
	return &Store{db: db, signer: signer, ttl: ttl}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// sigPayload is the signed claim. Expiry is part of the MAC so a client
// cannot stretch its own deadline.
type sigPayload struct {
	RunID     string `json:"run_id"`
	StepName  string `json:"step_name"`
	Nonce     string `json:"nonce"`
	ExpiresAt string `json:"expires_at"`
}

// Create inserts a pending approval for a gated step and returns it with
// the one-time token populated.
func (s *Store) Create(runID, tenantID, stepName string, requiredRoles []string) (*Approval, error) {
	now := time.Now().UTC()
	a := &Approval{
		ID:            uuid.NewString(),
		RunID:         runID,
		TenantID:      tenantID,
		StepName:      stepName,
		RequiredRoles: requiredRoles,
		Status:        StatusPending,
		Nonce:         uuid.NewString(),
		SigExpiresAt:  now.Add(s.ttl),
		CreatedAt:     now,
	}
	sig, err := s.signer.Sign("", sigPayload{
		RunID:     a.RunID,
		StepName:  a.StepName,
		Nonce:     a.Nonce,
		ExpiresAt: a.SigExpiresAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("sign approval: %w", err)
	}
	a.Sig = sig
	a.Token = a.Nonce + "." + sig[:16]

	roles, _ := json.Marshal(requiredRoles)
	_, err = s.db.Exec(
		`INSERT INTO approvals (id, run_id, tenant_id, step_name, required_roles, status, sig, nonce, sig_expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TenantID, a.StepName, string(roles), a.Status, a.Sig, a.Nonce,
		a.SigExpiresAt.Format(time.RFC3339Nano), a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return a, nil
}

// Get fetches an approval by id within a tenant.
func (s *Store) Get(tenantID, id string) (*Approval, error) {
	return scanApproval(s.db.QueryRow(
		`SELECT id, run_id, tenant_id, step_name, required_roles, status, sig, nonce, sig_expires_at, created_at
		 FROM approvals WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

// List returns the tenant's approvals, optionally filtered by status.
func (s *Store) List(tenantID, status string) ([]*Approval, error) {
	query := `SELECT id, run_id, tenant_id, step_name, required_roles, status, sig, nonce, sig_expires_at, created_at
		FROM approvals WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.list(query, args...)
}

// ListForRun returns a run's approvals.
func (s *Store) ListForRun(runID string) ([]*Approval, error) {
	return s.list(
		`SELECT id, run_id, tenant_id, step_name, required_roles, status, sig, nonce, sig_expires_at, created_at
		 FROM approvals WHERE run_id = ? ORDER BY created_at`, runID)
}

func (s *Store) list(query string, args ...any) ([]*Approval, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// decide moves a pending approval to a terminal status.
func (s *Store) decide(tenantID, id, status string) error {
	res, err := s.db.Exec(
		`UPDATE approvals SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?`,
		status, tenantID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(tenantID, id); err != nil {
			return err
		}
		return ErrAlreadyDecided
	}
	return nil
}

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var roles, expires, created string
	err := row.Scan(&a.ID, &a.RunID, &a.TenantID, &a.StepName, &roles, &a.Status,
		&a.Sig, &a.Nonce, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	json.Unmarshal([]byte(roles), &a.RequiredRoles)
	a.Approved = a.Status == StatusApproved
	a.SigExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &a, nil
}
