package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/analytics"
	"github.com/marcus-qen/praetor/internal/controlplane/audit"
	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/export"
	"github.com/marcus-qen/praetor/internal/controlplane/slo"
)

// ── Audit ────────────────────────────────────────────────────

func (s *Server) auditFilter(r *http.Request) audit.Filter {
	id := auth.IdentityFromContext(r.Context())
	q := r.URL.Query()
	f := audit.Filter{
		TenantID: id.TenantID,
		Action:   q.Get("action"),
		Actor:    q.Get("actor"),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	return f
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	entries, err := s.auditStore.Query(s.auditFilter(r))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	result, err := s.auditStore.Verify(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAuditExport streams the filtered chain as JSONL or CSV.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f := s.auditFilter(r)
	f.Limit = 0 // exports are unbounded

	var err error
	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		err = s.auditStore.StreamCSV(r.Context(), w, f)
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.jsonl"`)
		err = s.auditStore.StreamJSONL(r.Context(), w, f)
	default:
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_format", "format must be jsonl or csv")
		return
	}
	if err != nil {
		// Headers are gone; all that is left is logging the truncation.
		s.logger.Warn("audit export aborted", zap.Error(err))
	}
}

// ── Analytics / evals / SLO ──────────────────────────────────

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "7d"
	}
	summary, err := analytics.Compute(s.runStore, id.TenantID, rng, time.Now().UTC())
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_range", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListEvals(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.evalStore.List(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evals": list})
}

func (s *Server) handleGetEval(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	result, err := s.evalStore.Get(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type evalRequest struct {
	Suite string `json:"suite"`
}

func (s *Server) handleRunEval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Suite == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "suite is required")
		return
	}
	id := auth.IdentityFromContext(r.Context())
	result, err := s.evalStore.Run(id.TenantID, id.ProjectID, req.Suite)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "eval.run", "eval", result.ID, map[string]any{"suite": req.Suite})
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRerunEval(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	result, err := s.evalStore.Rerun(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "eval.rerun", "eval", result.ID, map[string]any{"suite": result.Suite})
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeleteEval(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	evalID := r.PathValue("id")
	if err := s.evalStore.Delete(id.TenantID, evalID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "eval.delete", "eval", evalID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSLOTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.sloTargets})
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	statuses, err := slo.Evaluate(s.runStore, id.TenantID, s.sloTargets, time.Now().UTC())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

// ── Export / import ──────────────────────────────────────────

// handleExportTenant bundles one tenant's data. Callers can only export
// the tenant they are acting in.
func (s *Server) handleExportTenant(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	target := r.PathValue("id")
	if target != id.TenantID {
		writeJSONError(w, http.StatusForbidden, "forbidden", "cannot export another tenant")
		return
	}
	bundle, err := s.exporter.Export(target)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "tenant.export", "tenant", target, map[string]any{
		"runbooks": len(bundle.Runbooks),
		"runs":     len(bundle.Runs),
	})
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImportTenant(w http.ResponseWriter, r *http.Request) {
	var bundle export.Bundle
	if !decodeJSON(w, r, &bundle) {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	report, err := s.exporter.Import(id.TenantID, &bundle)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "tenant.import", "tenant", id.TenantID, map[string]any{
		"runbooks": report.Runbooks,
		"runs":     report.Runs,
	})
	writeJSON(w, http.StatusOK, report)
}
