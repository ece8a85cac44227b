package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

type listRunbooksInput struct {
	Project string `json:"project,omitempty" jsonschema:"optional project filter"`
}

type startRunInput struct {
	RunbookID string         `json:"runbook_id" jsonschema:"runbook identifier"`
	Mode      string         `json:"mode,omitempty" jsonschema:"run mode: dry-run, execute, or shadow (default dry-run)"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"run context passed to policy and planner"`
}

type getRunInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

type listApprovalsInput struct {
	Status string `json:"status,omitempty" jsonschema:"approval status filter: pending, approved, denied (default pending)"`
}

type decideApprovalInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"approval identifier"`
	Decision   string `json:"decision" jsonschema:"approve or deny"`
	Token      string `json:"token,omitempty" jsonschema:"approval token, required to approve"`
}

type invokeToolInput struct {
	Tool  string         `json:"tool" jsonschema:"tool name, e.g. pagerduty.ack"`
	Input map[string]any `json:"input,omitempty" jsonschema:"tool arguments"`
	Live  bool           `json:"live,omitempty" jsonschema:"execute for real instead of dry-run"`
}

type runbookSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Steps          int       `json:"steps"`
	CanaryPromoted bool      `json:"canary_promoted"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type runDetail struct {
	Run   *runs.Run          `json:"run"`
	Steps []*runs.StepRecord `json:"steps,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_list_runbooks",
		Description: "List the tenant's runbooks with step counts",
	}, s.handleListRunbooks)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_start_run",
		Description: "Start a run of a runbook in dry-run, execute, or shadow mode",
	}, s.handleStartRun)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_get_run",
		Description: "Get a run with its step records and metrics",
	}, s.handleGetRun)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_list_approvals",
		Description: "List approval gates, pending ones by default",
	}, s.handleListApprovals)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_decide_approval",
		Description: "Approve or deny a pending approval gate",
	}, s.handleDecideApproval)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "praetor_invoke_tool",
		Description: "Invoke a single adapter tool directly, dry-run unless live is set",
	}, s.handleInvokeTool)
}

func (s *MCPServer) handleListRunbooks(_ context.Context, _ *mcp.CallToolRequest, input listRunbooksInput) (*mcp.CallToolResult, any, error) {
	if s.runbooks == nil {
		return nil, nil, fmt.Errorf("runbook store unavailable")
	}
	list, err := s.runbooks.List(s.tenantID, strings.TrimSpace(input.Project))
	if err != nil {
		return nil, nil, err
	}
	out := make([]runbookSummary, 0, len(list))
	for _, rb := range list {
		steps := 0
		if doc, err := rb.Document(); err == nil {
			steps = len(doc.Steps)
		}
		out = append(out, runbookSummary{
			ID:             rb.ID,
			Name:           rb.Name,
			Steps:          steps,
			CanaryPromoted: rb.CanaryPromoted,
			UpdatedAt:      rb.UpdatedAt,
		})
	}
	return jsonToolResult(out)
}

func (s *MCPServer) handleStartRun(_ context.Context, _ *mcp.CallToolRequest, input startRunInput) (*mcp.CallToolResult, any, error) {
	if s.runStore == nil || s.engine == nil {
		return nil, nil, fmt.Errorf("run engine unavailable")
	}
	runbookID := strings.TrimSpace(input.RunbookID)
	if runbookID == "" {
		return nil, nil, fmt.Errorf("runbook_id is required")
	}
	mode := strings.TrimSpace(input.Mode)
	if mode == "" {
		mode = runs.ModeDryRun
	}
	if mode != runs.ModeDryRun && mode != runs.ModeExecute && mode != runs.ModeShadow {
		return nil, nil, fmt.Errorf("invalid mode %q: expected dry-run, execute, or shadow", input.Mode)
	}
	rb, err := s.runbooks.Get(s.tenantID, runbookID)
	if err != nil {
		return nil, nil, fmt.Errorf("runbook not found: %s", runbookID)
	}
	doc, err := rb.Document()
	if err != nil {
		return nil, nil, err
	}

	run, err := s.runStore.CreateRun(s.tenantID, "", rb.ID, runs.Metrics{
		Mode:    mode,
		Context: input.Context,
	})
	if err != nil {
		return nil, nil, err
	}
	// Gate rows exist before the engine reaches them, so clients can list
	// and decide without racing the run.
	for _, step := range doc.Steps {
		if !step.RequiresApproval {
			continue
		}
		if _, err := s.approvals.Create(run.ID, s.tenantID, step.Name, step.RequiredRoles); err != nil {
			return nil, nil, err
		}
	}
	s.engine.Start(run.ID, nil)
	s.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("runbook_id", rb.ID),
		zap.String("mode", mode))
	return jsonToolResult(run)
}

func (s *MCPServer) handleGetRun(_ context.Context, _ *mcp.CallToolRequest, input getRunInput) (*mcp.CallToolResult, any, error) {
	if s.runStore == nil {
		return nil, nil, fmt.Errorf("run store unavailable")
	}
	runID := strings.TrimSpace(input.RunID)
	if runID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	run, err := s.runStore.GetRun(s.tenantID, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("run not found: %s", runID)
	}
	steps, err := s.runStore.ListSteps(runID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(runDetail{Run: run, Steps: steps})
}

func (s *MCPServer) handleListApprovals(_ context.Context, _ *mcp.CallToolRequest, input listApprovalsInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return nil, nil, fmt.Errorf("approval service unavailable")
	}
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = approval.StatusPending
	}
	list, err := s.approvals.Store().List(s.tenantID, status)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(list)
}

func (s *MCPServer) handleDecideApproval(_ context.Context, _ *mcp.CallToolRequest, input decideApprovalInput) (*mcp.CallToolResult, any, error) {
	if s.approvals == nil {
		return nil, nil, fmt.Errorf("approval service unavailable")
	}
	id := strings.TrimSpace(input.ApprovalID)
	if id == "" {
		return nil, nil, fmt.Errorf("approval_id is required")
	}
	switch strings.ToLower(strings.TrimSpace(input.Decision)) {
	case "approve":
		if err := s.approvals.Approve(s.tenantID, id, input.Token); err != nil {
			return nil, nil, err
		}
	case "deny":
		if err := s.approvals.Deny(s.tenantID, id); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("invalid decision %q: expected approve or deny", input.Decision)
	}
	row, err := s.approvals.Store().Get(s.tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(row)
}

func (s *MCPServer) handleInvokeTool(ctx context.Context, _ *mcp.CallToolRequest, input invokeToolInput) (*mcp.CallToolResult, any, error) {
	if s.registry == nil {
		return nil, nil, fmt.Errorf("adapter registry unavailable")
	}
	tool := strings.TrimSpace(input.Tool)
	if tool == "" {
		return nil, nil, fmt.Errorf("tool is required")
	}
	mode := "mock"
	if input.Live {
		mode = "real"
	}
	resp, err := s.registry.Invoke(ctx, adapters.ToolCall{
		Name:   tool,
		Input:  input.Input,
		DryRun: !input.Live,
	}, mode)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(resp)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
