// Package incidents links runs to the external tickets their steps
// touched: PagerDuty incidents and Jira issues.
package incidents

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

var ErrNotFound = errors.New("incidents: not found")

// Link ties a run to the external identifiers its steps produced.
type Link struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	RunID        string    `json:"run_id"`
	PDIncidentID string    `json:"pd_incident_id,omitempty"`
	JiraIssueKey string    `json:"jira_issue_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const incidentSchema = `
CREATE TABLE IF NOT EXISTS incident_links (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL UNIQUE,
	pd_incident_id TEXT,
	jira_issue_key TEXT,
	created_at TEXT NOT NULL
);`

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
		return nil, fmt.Errorf("incidents: open: %w", err)
	}
	if _, err := db.Exec(incidentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("incidents: migrate: %w", err)
	}
	return &Store{db: db, runs: runStore, logger: logger.Named("incidents")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordFromRun scans the run's succeeded step outputs for external
// identifiers and upserts a link. Runs that touched no tickets produce
// no row and no error.
func (s *Store) RecordFromRun(tenantID, runID string) (*Link, error) {
	steps, err := s.runs.ListSteps(runID)
	if err != nil {
		return nil, fmt.Errorf("incidents: %w", err)
	}
	link := &Link{TenantID: tenantID, RunID: runID}
	for _, step := range steps {
		if step.Status != runs.StepSucceeded || step.Output == nil {
			continue
		}
		if v, ok := step.Output["incident_id"].(string); ok && link.PDIncidentID == "" {
			link.PDIncidentID = v
		}
		if v, ok := step.Output["issue_key"].(string); ok && link.JiraIssueKey == "" {
			link.JiraIssueKey = v
		}
	}
	if link.PDIncidentID == "" && link.JiraIssueKey == "" {
		return nil, nil
	}
	link.ID = uuid.NewString()
	link.CreatedAt = time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO incident_links
		(id, tenant_id, run_id, pd_incident_id, jira_issue_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			pd_incident_id = excluded.pd_incident_id,
			jira_issue_key = excluded.jira_issue_key`,
		link.ID, link.TenantID, link.RunID,
		nullable(link.PDIncidentID), nullable(link.JiraIssueKey),
		link.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("incidents: upsert: %w", err)
	}
	s.logger.Info("run linked",
		zap.String("run_id", runID),
		zap.String("pd_incident_id", link.PDIncidentID),
		zap.String("jira_issue_key", link.JiraIssueKey))
	return s.GetByRun(tenantID, runID)
}

func (s *Store) GetByRun(tenantID, runID string) (*Link, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, run_id, COALESCE(pd_incident_id, ''),
		COALESCE(jira_issue_key, ''), created_at
		FROM incident_links WHERE tenant_id = ? AND run_id = ?`, tenantID, runID)
	return scanLink(row)
}

func (s *Store) List(tenantID string) ([]*Link, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, run_id, COALESCE(pd_incident_id, ''),
		COALESCE(jira_issue_key, ''), created_at
		FROM incident_links WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("incidents: list: %w", err)
	}
	defer rows.Close()
	var out []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLink(row interface{ Scan(...any) error }) (*Link, error) {
	var l Link
	var created string
	err := row.Scan(&l.ID, &l.TenantID, &l.RunID, &l.PDIncidentID, &l.JiraIssueKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("incidents: scan: %w", err)
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &l, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
