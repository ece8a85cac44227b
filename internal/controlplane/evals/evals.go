// Package evals stores evaluation suite results. A suite run scores the
// tenant's recent runs: accuracy from run outcomes, p95 from run
// latencies, cost from run metrics.
package evals

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

var ErrNotFound = errors.New("evals: not found")

// Result is one suite execution.
type Result struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ProjectID string    `json:"project_id,omitempty"`
	Suite     string    `json:"suite"`
	Accuracy  float64   `json:"accuracy"`
	HalluRate float64   `json:"hallu_rate"`
	P95MS     int64     `json:"p95_ms"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

const evalSchema = `
CREATE TABLE IF NOT EXISTS eval_results (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT,
	suite TEXT NOT NULL,
	accuracy REAL NOT NULL,
	hallu_rate REAL NOT NULL,
	p95_ms INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	created_at TEXT NOT NULL
);`

// Store persists eval results and can execute suites.
type Store struct {
	db     *sql.DB
	runs   *runs.Store
	logger *zap.Logger
}

func Open(path string, runStore *runs.Store, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("evals: open: %w", err)
	}
	if _, err := db.Exec(evalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("evals: migrate: %w", err)
	}
	return &Store{db: db, runs: runStore, logger: logger.Named("evals")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Run executes a suite over the tenant's last 30 days of runs and
// persists the scored result.
func (s *Store) Run(tenantID, projectID, suite string) (*Result, error) {
	now := time.Now().UTC()
	list, err := s.runs.ListRunsBetween(tenantID, now.AddDate(0, 0, -30), now)
	if err != nil {
		return nil, fmt.Errorf("evals: %w", err)
	}

	result := &Result{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ProjectID: projectID,
		Suite:     suite,
		CreatedAt: now,
	}
	var finished, succeeded, blocked int
	var latencies []int64
	for _, run := range list {
		if projectID != "" && run.ProjectID != projectID {
			continue
		}
		if !runs.RunTerminal(run.Status) {
			continue
		}
		finished++
		if run.Status == runs.RunSucceeded {
			succeeded++
		}
		latencies = append(latencies, run.Metrics.LatencyMS)
		result.CostUSD += run.Metrics.CostUSD
		if run.Metrics.Plan == nil && run.Metrics.Mode != runs.ModeDryRun {
			blocked++
		}
	}
	if finished > 0 {
		result.Accuracy = float64(succeeded) / float64(finished)
		result.HalluRate = float64(blocked) / float64(finished)
		result.P95MS = p95(latencies)
	}

	_, err = s.db.Exec(`INSERT INTO eval_results
		(id, tenant_id, project_id, suite, accuracy, hallu_rate, p95_ms, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.TenantID, nullable(result.ProjectID), result.Suite,
		result.Accuracy, result.HalluRate, result.P95MS, result.CostUSD,
		result.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("evals: insert: %w", err)
	}
	s.logger.Info("suite executed",
		zap.String("tenant_id", tenantID),
		zap.String("suite", suite),
		zap.Float64("accuracy", result.Accuracy))
	return result, nil
}

// Rerun executes the same suite as a prior result.
func (s *Store) Rerun(tenantID, id string) (*Result, error) {
	prior, err := s.Get(tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.Run(prior.TenantID, prior.ProjectID, prior.Suite)
}

func (s *Store) Get(tenantID, id string) (*Result, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, COALESCE(project_id, ''), suite, accuracy,
		hallu_rate, p95_ms, cost_usd, created_at
		FROM eval_results WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanResult(row)
}

func (s *Store) List(tenantID string) ([]*Result, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, COALESCE(project_id, ''), suite, accuracy,
		hallu_rate, p95_ms, cost_usd, created_at
		FROM eval_results WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("evals: list: %w", err)
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Delete(tenantID, id string) error {
	res, err := s.db.Exec(`DELETE FROM eval_results WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("evals: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func p95(latencies []int64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (95*len(latencies) + 99) / 100
	if idx > 0 {
		idx--
	}
	return latencies[idx]
}

func scanResult(row interface{ Scan(...any) error }) (*Result, error) {
	var r Result
	var created string
	err := row.Scan(&r.ID, &r.TenantID, &r.ProjectID, &r.Suite, &r.Accuracy,
		&r.HalluRate, &r.P95MS, &r.CostUSD, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evals: scan: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
