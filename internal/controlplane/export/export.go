// Package export produces and ingests tenant bundles: a single JSON
// document holding a tenant's runbooks, policies, runs with their
// steps, approvals, incident links, and canary policies. Import assigns
// fresh identifiers while preserving the references between records.
package export

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/canary"
	"github.com/marcus-qen/praetor/internal/controlplane/incidents"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// Bundle is the wire form of a tenant export.
type Bundle struct {
	TenantID       string               `json:"tenant_id"`
	Runbooks       []*runbook.Runbook   `json:"runbooks,omitempty"`
	Policies       []*policy.Policy     `json:"policies,omitempty"`
	Runs           []*RunExport         `json:"runs,omitempty"`
	Approvals      []*approval.Approval `json:"approvals,omitempty"`
	Incidents      []*incidents.Link    `json:"incidents,omitempty"`
	CanaryPolicies []*canary.Policy     `json:"canary_policies,omitempty"`
}

// RunExport carries a run together with its steps.
type RunExport struct {
	Run   *runs.Run          `json:"run"`
	Steps []*runs.StepRecord `json:"steps,omitempty"`
}

// ImportReport summarizes what an import created.
type ImportReport struct {
	Runbooks  int `json:"runbooks"`
	Policies  int `json:"policies"`
	Runs      int `json:"runs"`
	Steps     int `json:"steps"`
	Approvals int `json:"approvals"`
	Incidents int `json:"incidents"`
	Canary    int `json:"canary_policies"`
}

// Service assembles and ingests bundles across the tenant's stores.
type Service struct {
	Runbooks  *runbook.Store
	Policies  *policy.Store
	Runs      *runs.Store
	Approvals *approval.Service
	Incidents *incidents.Store
	Canary    *canary.Store
	Logger    *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger.Named("export")
}

// Export collects everything the tenant owns into one bundle.
func (s *Service) Export(tenantID string) (*Bundle, error) {
	bundle := &Bundle{TenantID: tenantID}

	var err error
	if bundle.Runbooks, err = s.Runbooks.List(tenantID, ""); err != nil {
		return nil, fmt.Errorf("export: runbooks: %w", err)
	}
	if bundle.Policies, err = s.Policies.List(tenantID, ""); err != nil {
		return nil, fmt.Errorf("export: policies: %w", err)
	}
	list, err := s.Runs.ListRuns(tenantID, "", 10000)
	if err != nil {
		return nil, fmt.Errorf("export: runs: %w", err)
	}
	for _, run := range list {
		steps, err := s.Runs.ListSteps(run.ID)
		if err != nil {
			return nil, fmt.Errorf("export: steps for %s: %w", run.ID, err)
		}
		bundle.Runs = append(bundle.Runs, &RunExport{Run: run, Steps: steps})
		rows, err := s.Approvals.Store().ListForRun(run.ID)
		if err != nil {
			return nil, fmt.Errorf("export: approvals for %s: %w", run.ID, err)
		}
		bundle.Approvals = append(bundle.Approvals, rows...)
	}
	if s.Incidents != nil {
		if bundle.Incidents, err = s.Incidents.List(tenantID); err != nil {
			return nil, fmt.Errorf("export: incidents: %w", err)
		}
	}
	if s.Canary != nil {
		if bundle.CanaryPolicies, err = s.Canary.List(tenantID); err != nil {
			return nil, fmt.Errorf("export: canary: %w", err)
		}
	}
	s.logger().Info("bundle exported",
		zap.String("tenant_id", tenantID),
		zap.Int("runbooks", len(bundle.Runbooks)),
		zap.Int("runs", len(bundle.Runs)))
	return bundle, nil
}

// Import ingests a bundle under the target tenant. Every record gets a
// fresh identifier; references inside the bundle (runbook of a run, run
// of a step or approval) are rewritten to the fresh ones. Records whose
// reference is absent from the bundle are skipped.
func (s *Service) Import(tenantID string, bundle *Bundle) (*ImportReport, error) {
	report := &ImportReport{}
	runbookIDs := make(map[string]string)
	runIDs := make(map[string]string)

	for _, rb := range bundle.Runbooks {
		created, err := s.Runbooks.Create(tenantID, rb.ProjectID, rb.Name, rb.SourceText)
		if err != nil {
			return nil, fmt.Errorf("import: runbook %q: %w", rb.Name, err)
		}
		runbookIDs[rb.ID] = created.ID
		if rb.CanaryPromoted {
			if err := s.Runbooks.SetCanaryPromoted(tenantID, created.ID, true); err != nil {
				return nil, fmt.Errorf("import: runbook %q: %w", rb.Name, err)
			}
		}
		report.Runbooks++
	}
	for _, pol := range bundle.Policies {
		if _, err := s.Policies.Create(tenantID, pol.ProjectID, pol.Name, pol.SourceText); err != nil {
			return nil, fmt.Errorf("import: policy %q: %w", pol.Name, err)
		}
		report.Policies++
	}

	for _, re := range bundle.Runs {
		newRunbookID, ok := runbookIDs[re.Run.RunbookID]
		if !ok {
			continue
		}
		created, err := s.Runs.CreateRun(tenantID, re.Run.ProjectID, newRunbookID, re.Run.Metrics)
		if err != nil {
			return nil, fmt.Errorf("import: run %s: %w", re.Run.ID, err)
		}
		runIDs[re.Run.ID] = created.ID
		if err := s.replayRunStatus(created.ID, re.Run.Status); err != nil {
			return nil, fmt.Errorf("import: run %s: %w", re.Run.ID, err)
		}
		report.Runs++

		for _, step := range re.Steps {
			if err := s.importStep(created.ID, re.Run.ID, step); err != nil {
				return nil, fmt.Errorf("import: step %q: %w", step.Name, err)
			}
			report.Steps++
		}
	}

	for _, a := range bundle.Approvals {
		newRunID, ok := runIDs[a.RunID]
		if !ok {
			continue
		}
		if err := s.importApproval(tenantID, newRunID, a); err != nil {
			return nil, fmt.Errorf("import: approval for %q: %w", a.StepName, err)
		}
		report.Approvals++
	}

	for _, link := range bundle.Incidents {
		newRunID, ok := runIDs[link.RunID]
		if !ok || s.Incidents == nil {
			continue
		}
		if _, err := s.Incidents.RecordFromRun(tenantID, newRunID); err != nil {
			return nil, fmt.Errorf("import: incident for %s: %w", link.RunID, err)
		}
		report.Incidents++
	}

	if s.Canary != nil {
		for _, cp := range bundle.CanaryPolicies {
			newRunbookID := runbookIDs[cp.RunbookID]
			if cp.RunbookID != "" && newRunbookID == "" {
				continue
			}
			_, err := s.Canary.Set(tenantID, newRunbookID, cp.MinMatchScore, cp.MaxViolations, cp.MaxCostUSD, cp.MaxP95LatencyMS)
			if err != nil {
				return nil, fmt.Errorf("import: canary policy: %w", err)
			}
			report.Canary++
		}
	}

	s.logger().Info("bundle imported",
		zap.String("tenant_id", tenantID),
		zap.Int("runbooks", report.Runbooks),
		zap.Int("runs", report.Runs))
	return report, nil
}

// replayRunStatus walks the legal transitions to reach the stored status.
func (s *Service) replayRunStatus(runID, status string) error {
	if status == runs.RunPending {
		return nil
	}
	if err := s.Runs.SetRunStatus(runID, runs.RunRunning); err != nil {
		return err
	}
	if status == runs.RunRunning {
		return nil
	}
	return s.Runs.SetRunStatus(runID, status)
}

func (s *Service) importStep(newRunID, oldRunID string, step *runs.StepRecord) error {
	created, err := s.Runs.CreateStep(newRunID, step.Name, step.Tool, step.Input)
	if err != nil {
		return err
	}
	upd := runs.StepUpdate{
		Output: step.Output,
		Error:  step.Error,
	}
	if step.Status != runs.StepPending {
		upd.Status = step.Status
		upd.Started = step.StartedAt != nil
		upd.Ended = step.EndedAt != nil
	}
	if step.IdempotencyKey != "" {
		upd.IdempotencyKey = strings.Replace(step.IdempotencyKey, oldRunID, newRunID, 1)
	}
	return s.Runs.UpdateStep(created.ID, upd)
}

func (s *Service) importApproval(tenantID, newRunID string, a *approval.Approval) error {
	created, err := s.Approvals.Create(newRunID, tenantID, a.StepName, a.RequiredRoles)
	if err != nil {
		return err
	}
	switch a.Status {
	case approval.StatusApproved:
		return s.Approvals.Approve(tenantID, created.ID, created.Token)
	case approval.StatusDenied:
		return s.Approvals.Deny(tenantID, created.ID)
	}
	return nil
}
