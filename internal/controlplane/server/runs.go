package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/billing"
	"github.com/marcus-qen/praetor/internal/controlplane/events"
	"github.com/marcus-qen/praetor/internal/controlplane/incidents"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// sseTimeout bounds how long one event subscriber may hold a stream.
const sseTimeout = 5 * time.Minute

type runRequest struct {
	RunbookID      string         `json:"runbook_id"`
	Mode           string         `json:"mode"`
	Context        map[string]any `json:"context,omitempty"`
	ShadowExpected any            `json:"shadow_expected,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Mode {
	case "":
		req.Mode = runs.ModeDryRun
	case runs.ModeDryRun, runs.ModeExecute, runs.ModeShadow:
	default:
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_mode",
			"mode must be dry-run, execute, or shadow")
		return
	}

	id := auth.IdentityFromContext(r.Context())
	rb, err := s.runbooks.Get(id.TenantID, req.RunbookID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	quota, err := s.billing.CheckQuota(id.TenantID, billing.Projection{Runs: 1})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !quota.OK {
		writeJSON(w, http.StatusPaymentRequired, quota.Violation)
		return
	}
	if len(quota.Warnings) > 0 {
		w.Header().Set("X-Quota-Warn", "true")
	}

	// The engine reads the caller's effective roles out of the stored run
	// context; a run keeps the authority it was created with.
	runContext := map[string]any{}
	for k, v := range req.Context {
		runContext[k] = v
	}
	runContext["roles"] = s.rolesOf(id)

	metrics := runs.Metrics{
		Mode:     req.Mode,
		Context:  runContext,
		Expected: req.ShadowExpected,
	}
	run, err := s.runStore.CreateRun(id.TenantID, id.ProjectID, rb.ID, metrics)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "run.create", "run", run.ID, map[string]any{
		"runbook_id": rb.ID,
		"mode":       req.Mode,
	})

	// Subscribe before the engine starts so the done event cannot slip
	// past; when the run finishes, sweep its step outputs for ticket ids.
	ch, cancel := s.bus.Subscribe(run.ID)
	go s.linkIncidents(id.TenantID, run.ID, ch, cancel)

	s.engine.Start(run.ID, r.Header.Clone())
	writeJSON(w, http.StatusCreated, run)
}

// linkIncidents waits for a run to finish and records any external
// ticket identifiers its steps produced.
func (s *Server) linkIncidents(tenantID, runID string, ch <-chan events.Event, cancel func()) {
	defer cancel()
	timeout := time.NewTimer(2 * time.Hour)
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.TypeDone {
				continue
			}
			if _, err := s.incidentStore.RecordFromRun(tenantID, runID); err != nil {
				s.logger.Warn("incident link failed",
					zap.String("run_id", runID), zap.Error(err))
			}
			return
		case <-timeout.C:
			return
		}
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.runStore.ListRuns(id.TenantID, id.ProjectID, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	run, err := s.runStore.GetRun(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	steps, err := s.runStore.ListSteps(run.ID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

// runForControl loads a run scoped to the caller's tenant before a
// lifecycle mutation. The engine itself is tenant-blind.
func (s *Server) runForControl(w http.ResponseWriter, r *http.Request) (*runs.Run, bool) {
	id := auth.IdentityFromContext(r.Context())
	run, err := s.runStore.GetRun(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return nil, false
	}
	return run, true
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runForControl(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(run.ID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "run.cancel", "run", run.ID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": run.ID, "status": runs.RunFailed})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runForControl(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(run.ID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "run.pause", "run", run.ID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": run.ID, "paused": true})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runForControl(w, r)
	if !ok {
		return
	}
	if err := s.engine.Resume(run.ID, r.Header.Clone()); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "run.resume", "run", run.ID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": run.ID, "resumed": true})
}

// handlePromoteRun checks a shadow run against the canary policy and, on
// a passing verdict, flips the runbook's promotion flag.
func (s *Server) handlePromoteRun(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	verdict, runbookID, err := s.canaryVerdict(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if verdict == nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "not_shadow", "run has no shadow report")
		return
	}
	if verdict.Promote {
		if err := s.runbooks.SetCanaryPromoted(id.TenantID, runbookID, true); err != nil {
			s.storeError(w, r, err)
			return
		}
		s.audit(r, "canary.promote", "runbook", runbookID, map[string]any{
			"run_id": r.PathValue("id"),
		})
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleRunIncident(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	link, err := s.incidentStore.GetByRun(id.TenantID, r.PathValue("id"))
	if errors.Is(err, incidents.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no incident links for run")
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.incidentStore.List(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": list})
}

// ── Event stream ─────────────────────────────────────────────

// handleRunEvents streams step/done events over SSE. Persisted steps are
// replayed first so late subscribers see the whole history; a terminal
// run closes with done immediately.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	run, err := s.runStore.GetRun(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// Subscribe before replay so transitions between the snapshot and the
	// live stream are not lost.
	ch, cancel := s.bus.Subscribe(run.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	steps, err := s.runStore.ListSteps(run.ID)
	if err == nil {
		for _, step := range steps {
			writeSSE(w, events.Event{Type: events.TypeStep, RunID: run.ID, Payload: map[string]any{
				"step":   step.Name,
				"tool":   step.Tool,
				"status": step.Status,
				"error":  step.Error,
			}})
		}
	}
	flusher.Flush()

	if runs.RunTerminal(run.Status) {
		writeSSE(w, events.Event{Type: events.TypeDone, RunID: run.ID, Payload: map[string]any{
			"status": run.Status,
		}})
		flusher.Flush()
		return
	}

	deadline := time.NewTimer(sseTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == events.TypeDone {
				return
			}
		case <-deadline.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

// ── Tools ────────────────────────────────────────────────────

type toolPlanRequest struct {
	RunbookID   string         `json:"runbook_id,omitempty"`
	RunbookText string         `json:"runbook_text,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// handleToolPlan runs the planning pipeline against a runbook without
// creating a run. The plan cache entry is discarded afterwards.
func (s *Server) handleToolPlan(w http.ResponseWriter, r *http.Request) {
	var req toolPlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := auth.IdentityFromContext(r.Context())

	source := req.RunbookText
	if req.RunbookID != "" {
		rb, err := s.runbooks.Get(id.TenantID, req.RunbookID)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		source = rb.SourceText
	}
	if source == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body",
			"runbook_id or runbook_text is required")
		return
	}

	var policyText string
	if pol, err := s.policies.Latest(id.TenantID, id.ProjectID); err == nil {
		policyText = pol.SourceText
	} else if !errors.Is(err, policy.ErrNotFound) {
		s.storeError(w, r, err)
		return
	}

	planID := "plan-" + uuid.NewString()
	defer s.brain.Forget(planID)
	result, err := s.brain.PlanAndReview(r.Context(), planID, source, policyText, req.Context)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "plan_failed", err.Error())
		return
	}
	// The caller only sees plans for tools their roles may call.
	for _, ps := range result.Planned {
		if !s.guardToolCall(w, r, id, ps.Tool, ps.Args) {
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

type toolInvokeRequest struct {
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	DryRun         bool           `json:"dryRun"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// guardToolCall runs a direct tool call through the same policy gates a
// run step passes: allowlist misses are forbidden, schema violations
// unprocessable. Writes the response on rejection.
func (s *Server) guardToolCall(w http.ResponseWriter, r *http.Request, id auth.Identity, tool string, args map[string]any) bool {
	var doc policy.Document
	pol, err := s.policies.Latest(id.TenantID, id.ProjectID)
	switch {
	case err == nil:
		doc = pol.Document()
	case errors.Is(err, policy.ErrNotFound):
		// No policy means no gates.
	default:
		s.storeError(w, r, err)
		return false
	}
	roles := s.rolesOf(id)
	result := s.evaluator.Evaluate(policy.StepInput{Tool: tool, Input: args}, doc, roles, nil)
	if result.OK {
		return true
	}
	s.metrics.PolicyBlocks.WithLabelValues(tool).Inc()
	for _, reason := range result.Reasons {
		if reason == policy.ReasonToolNotAllowed {
			writeJSONError(w, http.StatusForbidden, "tool_not_allowed",
				fmt.Sprintf("tool not allowed for roles %v", roles))
			return false
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity,
		map[string]any{"code": "invalid_args", "errors": result.Reasons})
	return false
}

// handleToolInvoke calls one adapter tool directly, outside any run. The
// flag store picks real vs mock; dryRun is passed through to the adapter.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var req toolInvokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "tool is required")
		return
	}
	id := auth.IdentityFromContext(r.Context())
	if !s.guardToolCall(w, r, id, req.Tool, req.Args) {
		return
	}
	quota, err := s.billing.CheckQuota(id.TenantID, billing.Projection{CostUSD: billing.CostPerAdapterCall})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !quota.OK {
		writeJSON(w, http.StatusPaymentRequired, quota.Violation)
		return
	}
	if len(quota.Warnings) > 0 {
		w.Header().Set("X-Quota-Warn", "true")
	}
	mode := s.flagStore.Which(req.Tool, r.Header)
	resp, err := s.registry.Invoke(r.Context(), adapters.ToolCall{
		Name:           req.Tool,
		Input:          req.Args,
		DryRun:         req.DryRun,
		IdempotencyKey: req.IdempotencyKey,
	}, mode)
	if errors.Is(err, adapters.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown_tool", req.Tool)
		return
	}
	if err != nil {
		s.audit(r, "tool.invoke", "tool", req.Tool, map[string]any{
			"mode": mode, "dry_run": req.DryRun, "error": err.Error(),
		})
		writeJSONError(w, http.StatusBadGateway, "adapter_error", err.Error())
		return
	}
	s.audit(r, "tool.invoke", "tool", req.Tool, map[string]any{
		"mode": mode, "dry_run": req.DryRun,
	})
	writeJSON(w, http.StatusOK, resp)
}
