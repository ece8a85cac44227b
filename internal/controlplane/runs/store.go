package runs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	project_id  TEXT,
	runbook_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	metrics     TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	ended_at    TEXT
);
CREATE TABLE IF NOT EXISTS steps (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	name            TEXT NOT NULL,
	tool            TEXT NOT NULL,
	status          TEXT NOT NULL,
	input           TEXT NOT NULL DEFAULT '{}',
	output          TEXT,
	error           TEXT,
	idempotency_key TEXT,
	started_at      TEXT,
	ended_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
`

// Store is the sqlite-backed run + step tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open runs db: %w", err)
	}
	if _, err := db.Exec(runsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init runs schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a pending run.
func (s *Store) CreateRun(tenantID, projectID, runbookID string, metrics Metrics) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ProjectID: projectID,
		RunbookID: runbookID,
		Status:    RunPending,
		Metrics:   metrics,
		CreatedAt: time.Now().UTC(),
	}
	blob, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, tenant_id, project_id, runbook_id, status, metrics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, nullable(run.ProjectID), run.RunbookID, run.Status, string(blob),
		run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by id within a tenant.
func (s *Store) GetRun(tenantID, id string) (*Run, error) {
	return scanRun(s.db.QueryRow(
		`SELECT id, tenant_id, project_id, runbook_id, status, metrics, created_at, started_at, ended_at
		 FROM runs WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

// GetRunAnyTenant fetches a run by id alone. The engine worker uses this;
// every external surface goes through GetRun.
func (s *Store) GetRunAnyTenant(id string) (*Run, error) {
	return scanRun(s.db.QueryRow(
		`SELECT id, tenant_id, project_id, runbook_id, status, metrics, created_at, started_at, ended_at
		 FROM runs WHERE id = ?`, id))
}

// ListRuns returns the tenant's runs, newest first, capped at limit
// (0 = 100).
func (s *Store) ListRuns(tenantID, projectID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, project_id, runbook_id, status, metrics, created_at, started_at, ended_at
		FROM runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListRunsBetween returns the tenant's runs created in [from, to).
func (s *Store) ListRunsBetween(tenantID string, from, to time.Time) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, project_id, runbook_id, status, metrics, created_at, started_at, ended_at
		 FROM runs WHERE tenant_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at`,
		tenantID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// TenantsWithRunsBetween lists the tenants that created runs in [from, to).
func (s *Store) TenantsWithRunsBetween(from, to time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT tenant_id FROM runs WHERE created_at >= ? AND created_at < ?`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
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

// SetRunStatus transitions the run, refusing to leave a terminal state.
// Entering running stamps started_at; entering a terminal state stamps
// ended_at.
func (s *Store) SetRunStatus(runID, status string) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup run: %w", err)
	}
	if RunTerminal(current) {
		return ErrTerminal
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch {
	case status == RunRunning:
		_, err = s.db.Exec(
			`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now, runID)
	case RunTerminal(status):
		_, err = s.db.Exec(`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`, status, now, runID)
	default:
		_, err = s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, runID)
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// SetRunMetrics replaces the metrics blob.
func (s *Store) SetRunMetrics(runID string, metrics Metrics) error {
	blob, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	res, err := s.db.Exec(`UPDATE runs SET metrics = ? WHERE id = ?`, string(blob), runID)
	if err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStep inserts a pending step row.
func (s *Store) CreateStep(runID, name, tool string, input map[string]any) (*StepRecord, error) {
	step := &StepRecord{
		ID:     uuid.NewString(),
		RunID:  runID,
		Name:   name,
		Tool:   tool,
		Status: StepPending,
		Input:  input,
	}
	blob, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO steps (id, run_id, name, tool, status, input) VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Tool, step.Status, string(blob))
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// GetStep fetches a step by id.
func (s *Store) GetStep(id string) (*StepRecord, error) {
	return scanStep(s.db.QueryRow(
		`SELECT id, run_id, name, tool, status, input, output, error, idempotency_key, started_at, ended_at
		 FROM steps WHERE id = ?`, id))
}

// ListSteps returns a run's steps in execution order: started steps by
// start time, never-started ones first by name.
func (s *Store) ListSteps(runID string) ([]*StepRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, name, tool, status, input, output, error, idempotency_key, started_at, ended_at
		 FROM steps WHERE run_id = ?
		 ORDER BY started_at IS NOT NULL, started_at, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []*StepRecord
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// StepUpdate carries the fields a transition may set. Nil maps leave the
// stored value untouched.
type StepUpdate struct {
	Status         string
	Output         map[string]any
	Error          map[string]any
	IdempotencyKey string
	Started        bool
	Ended          bool
}

// UpdateStep applies a transition, refusing to leave a terminal state.
func (s *Store) UpdateStep(stepID string, upd StepUpdate) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM steps WHERE id = ?`, stepID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup step: %w", err)
	}
	if Terminal(current) && upd.Status != "" && upd.Status != current {
		return ErrTerminal
	}

	set := ""
	var args []any
	add := func(clause string, val any) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, val)
	}
	if upd.Status != "" {
		add("status = ?", upd.Status)
	}
	if upd.Output != nil {
		blob, err := json.Marshal(upd.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		add("output = ?", string(blob))
	}
	if upd.Error != nil {
		blob, err := json.Marshal(upd.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		add("error = ?", string(blob))
	}
	if upd.IdempotencyKey != "" {
		add("idempotency_key = ?", upd.IdempotencyKey)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if upd.Started {
		add("started_at = COALESCE(started_at, ?)", now)
	}
	if upd.Ended {
		add("ended_at = ?", now)
	}
	if set == "" {
		return nil
	}
	args = append(args, stepID)
	if _, err := s.db.Exec(`UPDATE steps SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var run Run
	var project sql.NullString
	var metrics, created string
	var started, ended sql.NullString
	err := row.Scan(&run.ID, &run.TenantID, &project, &run.RunbookID, &run.Status,
		&metrics, &created, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.ProjectID = project.String
	json.Unmarshal([]byte(metrics), &run.Metrics)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	run.StartedAt = parseNullTime(started)
	run.EndedAt = parseNullTime(ended)
	return &run, nil
}

func scanStep(row interface{ Scan(...any) error }) (*StepRecord, error) {
	var step StepRecord
	var input string
	var output, errBlob, idem, started, ended sql.NullString
	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &step.Status,
		&input, &output, &errBlob, &idem, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	json.Unmarshal([]byte(input), &step.Input)
	if output.Valid {
		json.Unmarshal([]byte(output.String), &step.Output)
	}
	if errBlob.Valid {
		json.Unmarshal([]byte(errBlob.String), &step.Error)
	}
	step.IdempotencyKey = idem.String
	step.StartedAt = parseNullTime(started)
	step.EndedAt = parseNullTime(ended)
	return &step, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
