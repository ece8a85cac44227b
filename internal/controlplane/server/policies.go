package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/canary"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/shadow"
)

type policyRequest struct {
	Name       string `json:"name"`
	SourceText string `json:"source_text"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := policy.Validate(req.SourceText); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_policy", err.Error())
		return
	}
	id := auth.IdentityFromContext(r.Context())
	p, err := s.policies.Create(id.TenantID, id.ProjectID, req.Name, req.SourceText)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "policy.create", "policy", p.ID, map[string]any{"name": p.Name})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.policies.List(id.TenantID, id.ProjectID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	p, err := s.policies.Get(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := policy.Validate(req.SourceText); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_policy", err.Error())
		return
	}
	id := auth.IdentityFromContext(r.Context())
	p, err := s.policies.Update(id.TenantID, r.PathValue("id"), req.SourceText)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "policy.update", "policy", p.ID, nil)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	pID := r.PathValue("id")
	if err := s.policies.Delete(id.TenantID, pID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "policy.delete", "policy", pID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type policyTestRequest struct {
	Name    string         `json:"name,omitempty"`
	Tool    string         `json:"tool"`
	Input   map[string]any `json:"input,omitempty"`
	Roles   []string       `json:"roles,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// handleTestPolicy evaluates a hypothetical step against a stored policy
// without touching any run.
func (s *Server) handleTestPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "tool is required")
		return
	}
	id := auth.IdentityFromContext(r.Context())
	p, err := s.policies.Get(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	roles := req.Roles
	if roles == nil {
		roles = s.rolesOf(id)
	}
	result := s.evaluator.Evaluate(policy.StepInput{
		Name:  req.Name,
		Tool:  req.Tool,
		Input: req.Input,
	}, p.Document(), roles, req.Context)
	writeJSON(w, http.StatusOK, result)
}

// ── Canary ───────────────────────────────────────────────────

type canaryPolicyRequest struct {
	RunbookID       string  `json:"runbook_id,omitempty"`
	MinMatchScore   float64 `json:"min_match_score"`
	MaxViolations   int     `json:"max_violations"`
	MaxCostUSD      float64 `json:"max_cost_usd"`
	MaxP95LatencyMS int64   `json:"max_p95_latency_ms"`
}

func (s *Server) handleSetCanaryPolicy(w http.ResponseWriter, r *http.Request) {
	var req canaryPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	p, err := s.canaryStore.Set(id.TenantID, req.RunbookID, req.MinMatchScore,
		req.MaxViolations, req.MaxCostUSD, req.MaxP95LatencyMS)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "canary.policy.set", "canary_policy", p.ID, map[string]any{"runbook_id": req.RunbookID})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListCanaryPolicies(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.canaryStore.List(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

// handleCanaryCheck evaluates a shadow run against the canary policy
// without promoting anything.
func (s *Server) handleCanaryCheck(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	verdict, _, err := s.canaryVerdict(id.TenantID, r.URL.Query().Get("run_id"))
	if errors.Is(err, canary.ErrNotFound) {
		writeJSONError(w, http.StatusUnprocessableEntity, "no_canary_policy", "no canary policy configured for tenant or runbook")
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if verdict == nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "not_shadow", "run has no shadow report")
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// canaryVerdict loads a run's shadow report and checks it against the
// tenant's canary policy. A nil verdict means the run carries no report.
func (s *Server) canaryVerdict(tenantID, runID string) (*canary.Verdict, string, error) {
	run, err := s.runStore.GetRun(tenantID, runID)
	if err != nil {
		return nil, "", err
	}
	if run.Metrics.Shadow == nil {
		return nil, "", nil
	}

	// The report round-trips through the metrics JSON column as a generic
	// map; re-decode it into its typed shape.
	raw, err := json.Marshal(run.Metrics.Shadow)
	if err != nil {
		return nil, "", err
	}
	var report shadow.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, "", err
	}

	pol, err := s.canaryStore.Lookup(tenantID, run.RunbookID)
	if err != nil {
		return nil, "", err
	}
	verdict := canary.Check(pol, &report, run.Metrics)
	return &verdict, run.RunbookID, nil
}
