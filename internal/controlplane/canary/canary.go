// Package canary stores promotion thresholds and decides whether a
// shadow run's score is good enough to promote its runbook.
package canary

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/controlplane/shadow"
)

var ErrNotFound = errors.New("canary: not found")

// Policy is one tenant's promotion thresholds. RunbookID empty means
// the tenant default.
type Policy struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	RunbookID       string    `json:"runbook_id,omitempty"`
	MinMatchScore   float64   `json:"min_match_score"`
	MaxViolations   int       `json:"max_violations"`
	MaxCostUSD      float64   `json:"max_cost_usd"`
	MaxP95LatencyMS int64     `json:"max_p95_latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Verdict is the outcome of a promotion check.
type Verdict struct {
	Promote bool           `json:"promote"`
	Reasons []string       `json:"reasons,omitempty"`
	Policy  *Policy        `json:"policy"`
	Report  *shadow.Report `json:"report"`
}

const canarySchema = `
CREATE TABLE IF NOT EXISTS canary_policies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	runbook_id TEXT,
	min_match_score REAL NOT NULL,
	max_violations INTEGER NOT NULL,
	max_cost_usd REAL NOT NULL,
	max_p95_latency_ms INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(tenant_id, runbook_id)
);`

// Store persists canary policies.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("canary: open: %w", err)
	}
	if _, err := db.Exec(canarySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("canary: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Set creates or replaces the policy for (tenant, runbook).
func (s *Store) Set(tenantID, runbookID string, minScore float64, maxViolations int, maxCost float64, maxP95 int64) (*Policy, error) {
	p := &Policy{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		RunbookID:       runbookID,
		MinMatchScore:   minScore,
		MaxViolations:   maxViolations,
		MaxCostUSD:      maxCost,
		MaxP95LatencyMS: maxP95,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO canary_policies
		(id, tenant_id, runbook_id, min_match_score, max_violations, max_cost_usd, max_p95_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, runbook_id) DO UPDATE SET
			min_match_score = excluded.min_match_score,
			max_violations = excluded.max_violations,
			max_cost_usd = excluded.max_cost_usd,
			max_p95_latency_ms = excluded.max_p95_latency_ms`,
		p.ID, p.TenantID, nullable(p.RunbookID), p.MinMatchScore, p.MaxViolations, p.MaxCostUSD, p.MaxP95LatencyMS,
		p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("canary: set: %w", err)
	}
	return s.lookup(tenantID, runbookID)
}

// Lookup returns the policy for a runbook, falling back to the tenant
// default.
func (s *Store) Lookup(tenantID, runbookID string) (*Policy, error) {
	if runbookID != "" {
		if p, err := s.lookup(tenantID, runbookID); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.lookup(tenantID, "")
}

func (s *Store) lookup(tenantID, runbookID string) (*Policy, error) {
	query := `SELECT id, tenant_id, COALESCE(runbook_id, ''), min_match_score, max_violations,
		max_cost_usd, max_p95_latency_ms, created_at FROM canary_policies WHERE tenant_id = ?`
	args := []any{tenantID}
	if runbookID == "" {
		query += ` AND runbook_id IS NULL`
	} else {
		query += ` AND runbook_id = ?`
		args = append(args, runbookID)
	}
	row := s.db.QueryRow(query, args...)
	var p Policy
	var created string
	err := row.Scan(&p.ID, &p.TenantID, &p.RunbookID, &p.MinMatchScore, &p.MaxViolations,
		&p.MaxCostUSD, &p.MaxP95LatencyMS, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canary: lookup: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &p, nil
}

// List returns all of a tenant's policies.
func (s *Store) List(tenantID string) ([]*Policy, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, COALESCE(runbook_id, ''), min_match_score,
		max_violations, max_cost_usd, max_p95_latency_ms, created_at
		FROM canary_policies WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("canary: list: %w", err)
	}
	defer rows.Close()
	var out []*Policy
	for rows.Next() {
		var p Policy
		var created string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.RunbookID, &p.MinMatchScore, &p.MaxViolations,
			&p.MaxCostUSD, &p.MaxP95LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("canary: list: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Check compares a shadow run's report and metrics against the policy.
// Every threshold must hold for promotion.
func Check(policy *Policy, report *shadow.Report, metrics runs.Metrics) Verdict {
	v := Verdict{Promote: true, Policy: policy, Report: report}
	if report.MatchScore < policy.MinMatchScore {
		v.Promote = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("match_score %.3f below %.3f", report.MatchScore, policy.MinMatchScore))
	}
	if report.PolicyViolations > policy.MaxViolations {
		v.Promote = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy_violations %d above %d", report.PolicyViolations, policy.MaxViolations))
	}
	if metrics.CostUSD > policy.MaxCostUSD {
		v.Promote = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("cost_usd %.4f above %.4f", metrics.CostUSD, policy.MaxCostUSD))
	}
	if metrics.LatencyMS > policy.MaxP95LatencyMS {
		v.Promote = false
		v.Reasons = append(v.Reasons, fmt.Sprintf("p95_ms %d above %d", metrics.LatencyMS, policy.MaxP95LatencyMS))
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
