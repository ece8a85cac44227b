package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/config"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
)

const twoStepRunbook = `
name: ack-and-cordon
steps:
  - name: ack
    tool: pagerduty.ack
    input:
      id: PD-1
  - name: cordon
    tool: k8s.cordon_node
    input:
      node: worker-1
`

const approvalRunbook = `
name: gated
steps:
  - name: drain
    tool: k8s.drain_node
    input:
      node: worker-1
    requires_approval: true
    required_roles: [sre]
`

type testServer struct {
	srv    *Server
	apiKey string
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.JWTSecret = "test-jwt-secret"
	cfg.SessionSecret = "test-session-secret"
	cfg.AuditSecret = "test-audit-secret"
	cfg.ApprovalSecret = "test-approval-secret"
	cfg.SLOTargetsPath = ""
	cfg.RateLimit = config.RateLimitConfig{DefaultRPS: 1000, Burst: 2000}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Close)

	key, plaintext, err := srv.tenants.CreateAPIKey(srv.defaultTenantID, "test-key")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if _, err := srv.tenants.CreateBinding(tenancy.RoleBinding{
		TenantID:    srv.defaultTenantID,
		SubjectType: "apikey",
		SubjectID:   key.ID,
		Role:        auth.RoleAdmin,
	}); err != nil {
		t.Fatalf("create binding: %v", err)
	}
	return &testServer{srv: srv, apiKey: plaintext}
}

// do issues one request through the full middleware chain with the admin
// API key attached.
func (ts *testServer) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", ts.apiKey)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (ts *testServer) createRunbook(t *testing.T, source string) string {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/runbooks", map[string]string{"source_text": source}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create runbook = %d: %s", rec.Code, rec.Body.String())
	}
	var rb struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &rb)
	return rb.ID
}

func (ts *testServer) waitTerminal(t *testing.T, runID string) *runs.Run {
	t.Helper()
	var run *runs.Run
	waitFor(t, "run terminal", func() bool {
		got, err := ts.srv.runStore.GetRun(ts.srv.defaultTenantID, runID)
		if err != nil {
			return false
		}
		run = got
		return runs.RunTerminal(got.Status)
	})
	return run
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz body = %s", rec.Body.String())
	}
}

func TestAnonymousWriteRejected(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/v1/runbooks", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous write = %d", rec.Code)
	}
}

func TestUnboundKeyForbidden(t *testing.T) {
	ts := newTestServer(t)
	_, plaintext, err := ts.srv.tenants.CreateAPIKey(ts.srv.defaultTenantID, "no-roles")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	req := httptest.NewRequest("POST", "/api/v1/runbooks",
		strings.NewReader(`{"source_text":"name: x\nsteps: []\n"}`))
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unbound key write = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunbookLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createRunbook(t, twoStepRunbook)

	if rec := ts.do(t, "GET", "/api/v1/runbooks/"+id, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	rec := ts.do(t, "GET", "/api/v1/runbooks", nil, nil)
	var list struct {
		Runbooks []json.RawMessage `json:"runbooks"`
	}
	decodeBody(t, rec, &list)
	if len(list.Runbooks) != 1 {
		t.Fatalf("list = %d runbooks", len(list.Runbooks))
	}

	rec = ts.do(t, "PUT", "/api/v1/runbooks/"+id,
		map[string]string{"source_text": twoStepRunbook}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, "POST", "/api/v1/runbooks/"+id+"/duplicate", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, "POST", "/api/v1/runbooks/"+id+"/archive", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("archive = %d", rec.Code)
	}

	if rec := ts.do(t, "DELETE", "/api/v1/runbooks/"+id, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/v1/runbooks/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", rec.Code)
	}
}

func TestRunbookRejectsBadSource(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/runbooks",
		map[string]string{"source_text": "steps: [not a runbook"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad source = %d", rec.Code)
	}
}

func TestPolicyLifecycleAndTest(t *testing.T) {
	ts := newTestServer(t)
	source := "tool_allowlist:\n  sre:\n    - pagerduty.ack\n"
	rec := ts.do(t, "POST", "/api/v1/policies",
		map[string]string{"name": "guard", "source_text": source}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create policy = %d: %s", rec.Code, rec.Body.String())
	}
	var pol struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &pol)

	rec = ts.do(t, "POST", "/api/v1/policies/"+pol.ID+"/test", map[string]any{
		"tool":  "k8s.drain_node",
		"roles": []string{"sre"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test policy = %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, rec, &result)
	if result.OK {
		t.Fatal("drain_node should be outside the allowlist")
	}

	rec = ts.do(t, "POST", "/api/v1/policies/"+pol.ID+"/test", map[string]any{
		"tool":  "pagerduty.ack",
		"roles": []string{"sre"},
	}, nil)
	decodeBody(t, rec, &result)
	if !result.OK {
		t.Fatal("pagerduty.ack should pass the allowlist")
	}

	if rec := ts.do(t, "DELETE", "/api/v1/policies/"+pol.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete policy = %d", rec.Code)
	}
}

func TestRunDryRunCompletes(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)

	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create run = %d: %s", rec.Code, rec.Body.String())
	}
	var created runs.Run
	decodeBody(t, rec, &created)

	run := ts.waitTerminal(t, created.ID)
	if run.Status != runs.RunSucceeded {
		t.Fatalf("run status = %q", run.Status)
	}

	rec = ts.do(t, "GET", "/api/v1/runs/"+run.ID, nil, nil)
	var detail struct {
		Run   runs.Run           `json:"run"`
		Steps []*runs.StepRecord `json:"steps"`
	}
	decodeBody(t, rec, &detail)
	if len(detail.Steps) != 2 {
		t.Fatalf("steps = %d", len(detail.Steps))
	}
	for _, step := range detail.Steps {
		if step.Status != runs.StepSucceeded {
			t.Fatalf("step %s = %q", step.Name, step.Status)
		}
	}
}

func TestRunUnknownRunbook(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": "missing", "mode": "dry-run"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown runbook = %d", rec.Code)
	}
}

func TestRunBadMode(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "yolo"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad mode = %d", rec.Code)
	}
}

func TestRunEventsReplayTerminal(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	rec = ts.do(t, "GET", "/api/v1/runs/"+created.ID+"/events", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: step") {
		t.Fatalf("no step events in stream: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("no done event in stream: %s", body)
	}
}

func TestApprovalGrantedViaAPI(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, approvalRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "execute"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create run = %d: %s", rec.Code, rec.Body.String())
	}
	var created runs.Run
	decodeBody(t, rec, &created)

	var apprID, token string
	waitFor(t, "pending approval", func() bool {
		rows, err := ts.srv.approvals.Store().ListForRun(created.ID)
		if err != nil || len(rows) == 0 {
			return false
		}
		apprID = rows[0].ID
		token = rows[0].Nonce + "." + rows[0].Sig[:16]
		return true
	})

	rec = ts.do(t, "GET", "/api/v1/approvals?status=pending", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), apprID) {
		t.Fatalf("list approvals = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, "POST", "/api/v1/approvals/"+apprID+"/approve",
		map[string]string{"token": token}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", rec.Code, rec.Body.String())
	}

	run := ts.waitTerminal(t, created.ID)
	if run.Status != runs.RunSucceeded {
		t.Fatalf("run status after approval = %q", run.Status)
	}

	// A second decision on the same gate conflicts.
	rec = ts.do(t, "POST", "/api/v1/approvals/"+apprID+"/deny", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-decide = %d", rec.Code)
	}
}

func TestApprovalBadToken(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, approvalRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "execute"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)

	var apprID string
	waitFor(t, "pending approval", func() bool {
		rows, err := ts.srv.approvals.Store().ListForRun(created.ID)
		if err != nil || len(rows) == 0 {
			return false
		}
		apprID = rows[0].ID
		return true
	})

	rec = ts.do(t, "POST", "/api/v1/approvals/"+apprID+"/approve",
		map[string]string{"token": "forged.token"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged token = %d: %s", rec.Code, rec.Body.String())
	}

	// Unblock the engine so shutdown does not wait out the approval.
	ts.do(t, "POST", "/api/v1/approvals/"+apprID+"/deny", nil, nil)
	ts.waitTerminal(t, created.ID)
}

func TestQuotaHardLimitRejects(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Billing.Enabled = true
		cfg.Billing.HardTokensDay = 25
	})
	rbID := ts.createRunbook(t, twoStepRunbook)

	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first run = %d: %s", rec.Code, rec.Body.String())
	}
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	// The finished run burned 30 stub tokens, past the 25 hard cap.
	rec = ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("over-quota run = %d: %s", rec.Code, rec.Body.String())
	}
	var violation struct {
		Metric  string  `json:"metric"`
		Limit   float64 `json:"limit"`
		Current float64 `json:"current"`
	}
	decodeBody(t, rec, &violation)
	if violation.Metric != "tokens_per_day" {
		t.Fatalf("violation metric = %q", violation.Metric)
	}
}

func TestQuotaSoftLimitWarns(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Billing.Enabled = true
		cfg.Billing.HardTokensDay = 35
	})
	rbID := ts.createRunbook(t, twoStepRunbook)

	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	// 30 of 35 tokens used: above the 80% threshold, below the cap.
	rec = ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("warned run = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Quota-Warn") != "true" {
		t.Fatal("expected X-Quota-Warn header")
	}
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)
}

func TestRateLimit429(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{DefaultRPS: 1, Burst: 2}
	})

	var got429 bool
	for i := 0; i < 5; i++ {
		rec := ts.do(t, "GET", "/api/v1/runbooks", nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") != "1" {
				t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
			}
			got429 = true
			break
		}
	}
	if !got429 {
		t.Fatal("burst of 5 never hit the limiter")
	}

	// Health checks bypass the limiter entirely.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/healthz", nil)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz under limit = %d", rec.Code)
		}
	}
}

func TestToolInvokeMock(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/tools/invoke", map[string]any{
		"tool":   "pagerduty.ack",
		"args":   map[string]any{"id": "PD-9"},
		"dryRun": true,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Output map[string]any `json:"output"`
	}
	decodeBody(t, rec, &resp)
	if resp.Output["dry_run"] != true {
		t.Fatalf("output = %v", resp.Output)
	}

	rec = ts.do(t, "POST", "/api/v1/tools/invoke",
		map[string]any{"tool": "nosuch.thing"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tool = %d", rec.Code)
	}
}

func TestToolInvokePolicyGuard(t *testing.T) {
	ts := newTestServer(t)
	source := "tool_allowlist:\n  SRE:\n    - pagerduty.ack\n"
	rec := ts.do(t, "POST", "/api/v1/policies",
		map[string]string{"name": "guard", "source_text": source}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create policy = %d: %s", rec.Code, rec.Body.String())
	}

	key, plaintext, err := ts.srv.tenants.CreateAPIKey(ts.srv.defaultTenantID, "sre-key")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if _, err := ts.srv.tenants.CreateBinding(tenancy.RoleBinding{
		TenantID:    ts.srv.defaultTenantID,
		SubjectType: "apikey",
		SubjectID:   key.ID,
		Role:        auth.RoleSRE,
	}); err != nil {
		t.Fatalf("create binding: %v", err)
	}
	sreDo := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/tools/invoke", strings.NewReader(body))
		req.Header.Set("X-API-Key", plaintext)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec2 := sreDo(`{"tool":"k8s.cordon_node","args":{"node":"w1"},"dryRun":true}`)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("blocked invoke = %d: %s", rec2.Code, rec2.Body.String())
	}
	if !strings.Contains(rec2.Body.String(), "tool not allowed for roles") {
		t.Fatalf("blocked invoke body = %s", rec2.Body.String())
	}

	rec2 = sreDo(`{"tool":"pagerduty.ack","args":{"id":"PD-9"},"dryRun":true}`)
	if rec2.Code != http.StatusOK {
		t.Fatalf("allowlisted invoke = %d: %s", rec2.Code, rec2.Body.String())
	}

	// Planning a runbook whose steps include a blocked tool is refused
	// for the same caller.
	rbID := ts.createRunbook(t, twoStepRunbook)
	req := httptest.NewRequest("POST", "/api/v1/tools/plan",
		strings.NewReader(`{"runbook_id":"`+rbID+`"}`))
	req.Header.Set("X-API-Key", plaintext)
	rec3 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec3, req)
	if rec3.Code != http.StatusForbidden {
		t.Fatalf("blocked plan = %d: %s", rec3.Code, rec3.Body.String())
	}
}

func TestToolInvokeQuotaEnforced(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Billing.Enabled = true
		cfg.Billing.HardTokensDay = 25
	})
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	// The finished run burned 30 stub tokens; direct invocations are
	// gated by the same meter as runs.
	rec = ts.do(t, "POST", "/api/v1/tools/invoke", map[string]any{
		"tool": "pagerduty.ack", "args": map[string]any{"id": "PD-9"}, "dryRun": true,
	}, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("over-quota invoke = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestToolPlanStub(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/tools/plan",
		map[string]any{"runbook_id": rbID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plan = %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Planned []struct {
			Name string `json:"name"`
			Tool string `json:"tool"`
		} `json:"planned"`
	}
	decodeBody(t, rec, &result)
	if len(result.Planned) != 2 || result.Planned[0].Tool != "pagerduty.ack" {
		t.Fatalf("planned = %+v", result.Planned)
	}
}

func TestAuditTrailAndVerify(t *testing.T) {
	ts := newTestServer(t)
	ts.createRunbook(t, twoStepRunbook)

	rec := ts.do(t, "GET", "/api/v1/audit?action=runbook.create", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit query = %d", rec.Code)
	}
	var entries struct {
		Entries []struct {
			Action string `json:"action"`
		} `json:"entries"`
	}
	decodeBody(t, rec, &entries)
	if len(entries.Entries) == 0 {
		t.Fatal("no runbook.create audit entry")
	}

	rec = ts.do(t, "GET", "/api/v1/audit/verify", nil, nil)
	var verify struct {
		OK      bool `json:"ok"`
		Entries int  `json:"entries"`
	}
	decodeBody(t, rec, &verify)
	if !verify.OK || verify.Entries == 0 {
		t.Fatalf("verify = %+v", verify)
	}
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Billing.StripeWebhookSecret = "whsec"
	})

	req := httptest.NewRequest("POST", "/api/v1/billing/stripe/webhook",
		strings.NewReader(`{"type":"invoice.paid","invoice_id":"inv-1"}`))
	req.Header.Set("X-Stripe-Signature", "wrong")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/billing/stripe/webhook",
		strings.NewReader(`{"type":"customer.created"}`))
	req.Header.Set("X-Stripe-Signature", "whsec")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("unknown event = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("POST", "/api/v1/billing/stripe/webhook",
		strings.NewReader(`{"type":"invoice.paid","invoice_id":"missing"}`))
	req.Header.Set("X-Stripe-Signature", "whsec")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown invoice = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSCIMBypassesAPIAuth(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.SCIM.Enabled = true
		cfg.SCIM.BearerToken = "idp-token"
	})

	// The IdP's opaque bearer would never parse as a control-plane JWT;
	// the SCIM surface authenticates it itself.
	req := httptest.NewRequest("GET", "/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer idp-token")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scim list = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("scim bad token = %d", rec.Code)
	}
}

func TestLoginSessionAndMe(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.srv.userStore.Create(ts.srv.defaultTenantID,
		"ada@example.com", "Ada", "hunter22", "local"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/v1/login",
		strings.NewReader(`{"email":"ada@example.com","password":"hunter22"}`))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	var session *http.Cookie
	for _, c := range cookies {
		if c.Name == auth.SessionCookieName {
			session = c
		}
	}
	if session == nil || !session.HttpOnly {
		t.Fatalf("session cookie = %+v", session)
	}

	req = httptest.NewRequest("GET", "/api/v1/me", nil)
	req.AddCookie(session)
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d: %s", rec.Code, rec.Body.String())
	}
	var me struct {
		ActorType string `json:"actor_type"`
		Email     string `json:"email"`
	}
	decodeBody(t, rec, &me)
	if me.ActorType != "user" || me.Email != "ada@example.com" {
		t.Fatalf("me = %+v", me)
	}

	req = httptest.NewRequest("POST", "/api/v1/login",
		strings.NewReader(`{"email":"ada@example.com","password":"wrong"}`))
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password = %d", rec.Code)
	}
}

func TestTenantAndAPIKeyAdmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/tenants", map[string]string{"name": "acme"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tenant = %d: %s", rec.Code, rec.Body.String())
	}
	var tenant struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &tenant)

	rec = ts.do(t, "POST", "/api/v1/tenants/"+tenant.ID+"/apikeys",
		map[string]string{"name": "ci"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key = %d: %s", rec.Code, rec.Body.String())
	}
	var keyResp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
		Plaintext string `json:"plaintext"`
	}
	decodeBody(t, rec, &keyResp)
	if keyResp.Plaintext == "" {
		t.Fatal("plaintext missing from creation response")
	}

	rec = ts.do(t, "GET", "/api/v1/tenants/"+tenant.ID+"/apikeys", nil, nil)
	if !strings.Contains(rec.Body.String(), keyResp.Key.ID) ||
		strings.Contains(rec.Body.String(), keyResp.Plaintext) {
		t.Fatalf("list must show the key but never the plaintext: %s", rec.Body.String())
	}

	rec = ts.do(t, "POST", "/api/v1/apikeys/"+keyResp.Key.ID+"/rotate", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d", rec.Code)
	}
	var rotated struct {
		Plaintext string `json:"plaintext"`
	}
	decodeBody(t, rec, &rotated)
	if rotated.Plaintext == "" || rotated.Plaintext == keyResp.Plaintext {
		t.Fatal("rotation must mint a fresh plaintext")
	}

	if rec := ts.do(t, "DELETE", "/api/v1/apikeys/"+keyResp.Key.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate = %d", rec.Code)
	}
}

func TestFeatureFlags(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/feature-flags",
		map[string]string{"tool": "pagerduty", "mode": "real"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("set flag = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, "GET", "/api/v1/feature-flags", nil, nil)
	if !strings.Contains(rec.Body.String(), "pagerduty") {
		t.Fatalf("list flags = %s", rec.Body.String())
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.createRunbook(t, twoStepRunbook)

	tenantID := ts.srv.defaultTenantID
	rec := ts.do(t, "GET", "/api/v1/export/tenant/"+tenantID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d: %s", rec.Code, rec.Body.String())
	}
	var bundle map[string]any
	decodeBody(t, rec, &bundle)

	if rec := ts.do(t, "GET", "/api/v1/export/tenant/other", nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant export = %d", rec.Code)
	}

	// Restoring into the same tenant: names must be free again first.
	rbs, ok := bundle["runbooks"].([]any)
	if !ok || len(rbs) != 1 {
		t.Fatalf("bundle runbooks = %v", bundle["runbooks"])
	}
	rbID, _ := rbs[0].(map[string]any)["id"].(string)
	if rec := ts.do(t, "DELETE", "/api/v1/runbooks/"+rbID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete before import = %d", rec.Code)
	}

	importRec := ts.do(t, "POST", "/api/v1/export/import/tenant", bundle, nil)
	if importRec.Code != http.StatusOK {
		t.Fatalf("import = %d: %s", importRec.Code, importRec.Body.String())
	}
	var report struct {
		Runbooks int `json:"runbooks"`
	}
	decodeBody(t, importRec, &report)
	if report.Runbooks != 1 {
		t.Fatalf("import report = %+v", report)
	}
}

func TestAnalyticsAndSLO(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	rec = ts.do(t, "GET", "/api/v1/analytics/metrics?range=24h", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, "GET", "/api/v1/analytics/metrics?range=bogus", nil, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad range = %d", rec.Code)
	}

	if rec := ts.do(t, "GET", "/api/v1/slo/targets", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("slo targets = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/v1/slo/status", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("slo status = %d", rec.Code)
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	ts := newTestServer(t)
	rbID := ts.createRunbook(t, twoStepRunbook)
	rec := ts.do(t, "POST", "/api/v1/runs",
		map[string]any{"runbook_id": rbID, "mode": "dry-run"}, nil)
	var created runs.Run
	decodeBody(t, rec, &created)
	ts.waitTerminal(t, created.ID)

	rec = ts.do(t, "POST", fmt.Sprintf("/api/v1/runs/%s/cancel", created.ID), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel finished run = %d: %s", rec.Code, rec.Body.String())
	}
}
