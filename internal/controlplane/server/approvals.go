package server

import (
	"net/http"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	list, err := s.approvals.Store().List(id.TenantID, status)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

type approveRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	apprID := r.PathValue("id")
	if err := s.approvals.Approve(id.TenantID, apprID, req.Token); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.ApprovalDecisions.WithLabelValues("approved").Inc()
	s.audit(r, "approval.approve", "approval", apprID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": apprID, "status": "approved"})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	apprID := r.PathValue("id")
	if err := s.approvals.Deny(id.TenantID, apprID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.ApprovalDecisions.WithLabelValues("denied").Inc()
	s.audit(r, "approval.deny", "approval", apprID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": apprID, "status": "denied"})
}
