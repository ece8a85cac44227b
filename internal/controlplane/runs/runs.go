// Package runs persists run and step rows. Status transitions out of a
// terminal state are refused at this layer so no caller can resurrect a
// finished step or run.
package runs

import (
	"errors"
	"time"
)

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Step statuses.
const (
	StepPending     = "pending"
	StepRunning     = "running"
	StepSucceeded   = "succeeded"
	StepFailed      = "failed"
	StepSkipped     = "skipped"
	StepCompensated = "compensated"
)

// Run modes.
const (
	ModeDryRun  = "dry-run"
	ModeExecute = "execute"
	ModeShadow  = "shadow"
)

var (
	ErrNotFound = errors.New("runs: not found")
	// ErrTerminal is returned when a transition would leave a terminal state.
	ErrTerminal = errors.New("runs: already in a terminal state")
)

// Metrics is the run-level accounting blob, stored as one JSON column.
type Metrics struct {
	TokensIn     int64            `json:"tokens_in"`
	TokensOut    int64            `json:"tokens_out"`
	LatencyMS    int64            `json:"latency_ms"`
	CostUSD      float64          `json:"cost_usd"`
	Mode         string           `json:"mode"`
	Plan         any              `json:"plan,omitempty"`
	Shadow       any              `json:"shadow,omitempty"`
	Expected     any              `json:"expected,omitempty"`
	Context      map[string]any   `json:"context,omitempty"`
	AdapterCalls map[string]int64 `json:"adapter_calls,omitempty"`
	Steps        int64            `json:"steps,omitempty"`
}

// Run is a stored run row.
type Run struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ProjectID string     `json:"project_id,omitempty"`
	RunbookID string     `json:"runbook_id"`
	Status    string     `json:"status"`
	Metrics   Metrics    `json:"metrics"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StepRecord is a stored step row.
type StepRecord struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Status         string         `json:"status"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Terminal reports whether a step status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StepSucceeded, StepFailed, StepSkipped, StepCompensated:
		return true
	}
	return false
}

// RunTerminal reports whether a run status admits no further transitions.
func RunTerminal(status string) bool {
	return status == RunSucceeded || status == RunFailed
}
