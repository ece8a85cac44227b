package server

import (
	"net/http"
	"time"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + scrape
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Login/session
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/me", s.handleMe)
	if s.oidcProvider != nil && s.oidcProvider.Enabled() {
		mux.HandleFunc("GET /auth/oidc/login", s.oidcProvider.HandleLogin)
		mux.HandleFunc("GET /auth/oidc/callback", s.oidcProvider.HandleCallback(
			s.userStore, s.sessionStore, time.Duration(s.cfg.SessionTTLMin)*time.Minute))
	}

	// Runbooks
	mux.HandleFunc("POST /api/v1/runbooks", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handleCreateRunbook))
	mux.HandleFunc("GET /api/v1/runbooks", s.withPermission(auth.ActionRead, auth.ResourceRunbook, s.handleListRunbooks))
	mux.HandleFunc("GET /api/v1/runbooks/{id}", s.withPermission(auth.ActionRead, auth.ResourceRunbook, s.handleGetRunbook))
	mux.HandleFunc("PUT /api/v1/runbooks/{id}", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handleUpdateRunbook))
	mux.HandleFunc("DELETE /api/v1/runbooks/{id}", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handleDeleteRunbook))
	mux.HandleFunc("POST /api/v1/runbooks/{id}/duplicate", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handleDuplicateRunbook))
	mux.HandleFunc("POST /api/v1/runbooks/{id}/archive", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handleArchiveRunbook))

	// Runbook packs (OCI)
	mux.HandleFunc("POST /api/v1/runbooks/packs/push", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handlePackPush))
	mux.HandleFunc("POST /api/v1/runbooks/packs/pull", s.withPermission(auth.ActionWrite, auth.ResourceRunbook, s.handlePackPull))

	// Policies
	mux.HandleFunc("POST /api/v1/policies", s.withPermission(auth.ActionWrite, auth.ResourcePolicy, s.handleCreatePolicy))
	mux.HandleFunc("GET /api/v1/policies", s.withPermission(auth.ActionRead, auth.ResourcePolicy, s.handleListPolicies))
	mux.HandleFunc("GET /api/v1/policies/{id}", s.withPermission(auth.ActionRead, auth.ResourcePolicy, s.handleGetPolicy))
	mux.HandleFunc("PUT /api/v1/policies/{id}", s.withPermission(auth.ActionWrite, auth.ResourcePolicy, s.handleUpdatePolicy))
	mux.HandleFunc("DELETE /api/v1/policies/{id}", s.withPermission(auth.ActionWrite, auth.ResourcePolicy, s.handleDeletePolicy))
	mux.HandleFunc("POST /api/v1/policies/{id}/test", s.withPermission(auth.ActionRead, auth.ResourcePolicy, s.handleTestPolicy))

	// Runs
	mux.HandleFunc("POST /api/v1/runs", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleCreateRun))
	mux.HandleFunc("GET /api/v1/runs", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleGetRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleRunEvents))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleCancelRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/pause", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handlePauseRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleResumeRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/promote", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handlePromoteRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/incident", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleRunIncident))

	// Approvals
	mux.HandleFunc("GET /api/v1/approvals", s.withPermission(auth.ActionRead, auth.ResourceApproval, s.handleListApprovals))
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.withPermission(auth.ActionApprove, auth.ResourceApproval, s.handleApprove))
	mux.HandleFunc("POST /api/v1/approvals/{id}/deny", s.withPermission(auth.ActionApprove, auth.ResourceApproval, s.handleDeny))

	// Tools
	mux.HandleFunc("POST /api/v1/tools/plan", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleToolPlan))
	mux.HandleFunc("POST /api/v1/tools/invoke", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleToolInvoke))

	// Audit
	mux.HandleFunc("GET /api/v1/audit", s.withPermission(auth.ActionRead, auth.ResourceAudit, s.handleAuditQuery))
	mux.HandleFunc("GET /api/v1/audit/verify", s.withPermission(auth.ActionRead, auth.ResourceAudit, s.handleAuditVerify))
	mux.HandleFunc("GET /api/v1/audit/export", s.withPermission(auth.ActionRead, auth.ResourceAudit, s.handleAuditExport))

	// Tenancy administration
	mux.HandleFunc("POST /api/v1/tenants", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleCreateTenant))
	mux.HandleFunc("GET /api/v1/tenants", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleListTenants))
	mux.HandleFunc("POST /api/v1/tenants/{id}/apikeys", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleCreateAPIKey))
	mux.HandleFunc("GET /api/v1/tenants/{id}/apikeys", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleListAPIKeys))
	mux.HandleFunc("POST /api/v1/apikeys/{id}/rotate", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleRotateAPIKey))
	mux.HandleFunc("DELETE /api/v1/apikeys/{id}", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleDeactivateAPIKey))
	mux.HandleFunc("POST /api/v1/projects", s.withPermission(auth.ActionWrite, auth.ResourceProject, s.handleCreateProject))
	mux.HandleFunc("GET /api/v1/projects", s.withPermission(auth.ActionRead, auth.ResourceProject, s.handleListProjects))
	mux.HandleFunc("POST /api/v1/role-bindings", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleCreateBinding))
	mux.HandleFunc("GET /api/v1/role-bindings", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleListBindings))
	mux.HandleFunc("DELETE /api/v1/role-bindings/{id}", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleDeleteBinding))

	// Canary
	mux.HandleFunc("POST /api/v1/canary/policies", s.withPermission(auth.ActionWrite, auth.ResourcePolicy, s.handleSetCanaryPolicy))
	mux.HandleFunc("GET /api/v1/canary/policies", s.withPermission(auth.ActionRead, auth.ResourcePolicy, s.handleListCanaryPolicies))
	mux.HandleFunc("GET /api/v1/canary/check", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleCanaryCheck))

	// Feature flags
	mux.HandleFunc("POST /api/v1/feature-flags", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleSetFlag))
	mux.HandleFunc("GET /api/v1/feature-flags", s.withPermission(auth.ActionRead, auth.ResourceTenant, s.handleListFlags))

	// Billing
	mux.HandleFunc("GET /api/v1/billing/usage", s.withPermission(auth.ActionRead, auth.ResourceTenant, s.handleBillingUsage))
	mux.HandleFunc("GET /api/v1/billing/quotas", s.withPermission(auth.ActionRead, auth.ResourceTenant, s.handleBillingQuotas))
	mux.HandleFunc("GET /api/v1/billing/invoices", s.withPermission(auth.ActionRead, auth.ResourceTenant, s.handleBillingInvoices))
	mux.HandleFunc("POST /api/v1/billing/stripe/checkout", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleStripeCheckout))
	mux.HandleFunc("POST /api/v1/billing/stripe/webhook", s.handleStripeWebhook)

	// Analytics, evals, SLOs
	mux.HandleFunc("GET /api/v1/analytics/metrics", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleAnalytics))
	mux.HandleFunc("GET /api/v1/evals", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleListEvals))
	mux.HandleFunc("GET /api/v1/evals/{id}", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleGetEval))
	mux.HandleFunc("POST /api/v1/evals/run", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleRunEval))
	mux.HandleFunc("POST /api/v1/evals/{id}/rerun", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleRerunEval))
	mux.HandleFunc("DELETE /api/v1/evals/{id}", s.withPermission(auth.ActionExecute, auth.ResourceRun, s.handleDeleteEval))
	mux.HandleFunc("GET /api/v1/slo/targets", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleSLOTargets))
	mux.HandleFunc("GET /api/v1/slo/status", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleSLOStatus))
	mux.HandleFunc("GET /api/v1/incidents", s.withPermission(auth.ActionRead, auth.ResourceRun, s.handleListIncidents))

	// Tenant export/import
	mux.HandleFunc("GET /api/v1/export/tenant/{id}", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleExportTenant))
	mux.HandleFunc("POST /api/v1/export/import/tenant", s.withPermission(auth.ActionWrite, auth.ResourceTenant, s.handleImportTenant))

	// SCIM provisioning
	if s.scim != nil {
		s.scim.Register(mux)
	}

	// MCP transport
	mux.Handle("GET /mcp", s.mcp.Handler())
	mux.Handle("POST /mcp", s.mcp.Handler())
}
