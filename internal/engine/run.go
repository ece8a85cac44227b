package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/brain"
	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/events"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/controlplane/shadow"
	"github.com/marcus-qen/praetor/internal/shared/signing"
	"github.com/marcus-qen/praetor/internal/telemetry"
)

// runState is the per-run arena: everything loaded once, owned by one
// goroutine for the life of the run.
type runState struct {
	run       *runs.Run
	doc       *runbook.Document
	rbSource  string
	polSource string
	polDoc    policy.Document
	roles     []string
	approvals map[string]*approval.Approval
	existing  map[string]*runs.StepRecord
	totals    runs.Metrics
	dryRun    bool
	blocked   bool
	header    http.Header

	plan      *brain.Result
	planIndex map[string]brain.PlannedStep
}

// Execute runs the pipeline for one run to completion. Synchronous;
// Start wraps it with the worker pool.
func (e *Engine) Execute(ctx context.Context, runID string, header http.Header) error {
	defer e.dropControl(runID)

	state, err := e.load(runID, header)
	if err != nil {
		return err
	}
	run := state.run
	if runs.RunTerminal(run.Status) {
		return nil
	}
	ctx, runSpan := telemetry.StartRunSpan(ctx, runID, run.RunbookID, run.Metrics.Mode)
	defer runSpan.End()
	if err := e.core.Runs.SetRunStatus(runID, runs.RunRunning); err != nil && !errors.Is(err, runs.ErrTerminal) {
		return err
	}
	e.emitAudit(run.TenantID, "run.start", runID, map[string]any{"mode": run.Metrics.Mode})

	ctrl := e.controlFor(runID)
	failed := false
	for _, step := range state.doc.Steps {
		if cancelled, paused := ctrl.flags(); cancelled {
			e.sweepCancelled(runID)
			return nil
		} else if paused {
			if err := e.core.Runs.SetRunStatus(runID, runs.RunPending); err != nil {
				e.logger.Warn("pause transition", zap.String("run_id", runID), zap.Error(err))
			}
			return nil
		}

		proceed, err := e.runStep(ctx, state, step)
		if err != nil {
			e.logger.Warn("step pipeline error",
				zap.String("run_id", runID), zap.String("step", step.Name), zap.Error(err))
		}
		e.persistTotals(state)
		if !proceed {
			failed = true
			break
		}
	}

	e.finalize(state, failed || state.blocked)
	return nil
}

// load assembles the run arena.
func (e *Engine) load(runID string, header http.Header) (*runState, error) {
	run, err := e.core.Runs.GetRunAnyTenant(runID)
	if err != nil {
		return nil, err
	}
	rb, err := e.core.Runbooks.Get(run.TenantID, run.RunbookID)
	if err != nil {
		return nil, fmt.Errorf("engine: runbook: %w", err)
	}
	doc, err := rb.Document()
	if err != nil {
		return nil, fmt.Errorf("engine: runbook: %w", err)
	}

	state := &runState{
		run:      run,
		doc:      doc,
		rbSource: rb.SourceText,
		totals:   run.Metrics,
		dryRun:   run.Metrics.Mode != runs.ModeExecute,
		header:   header,
		roles:    rolesFrom(run.Metrics.Context),
	}
	state.totals.Steps = int64(len(doc.Steps))

	pol, err := e.core.Policies.Latest(run.TenantID, run.ProjectID)
	switch {
	case err == nil:
		state.polSource = pol.SourceText
		state.polDoc = pol.Document()
	case errors.Is(err, policy.ErrNotFound):
		// No policy means no gates beyond the runbook's own declarations.
	default:
		return nil, fmt.Errorf("engine: policy: %w", err)
	}

	state.approvals = map[string]*approval.Approval{}
	rows, err := e.core.Approvals.Store().ListForRun(runID)
	if err != nil {
		return nil, fmt.Errorf("engine: approvals: %w", err)
	}
	for _, row := range rows {
		state.approvals[row.StepName] = row
	}

	state.existing = map[string]*runs.StepRecord{}
	steps, err := e.core.Runs.ListSteps(runID)
	if err != nil {
		return nil, fmt.Errorf("engine: steps: %w", err)
	}
	for _, rec := range steps {
		state.existing[rec.Name] = rec
	}
	return state, nil
}

// runStep takes one declared step through every gate. The bool reports
// whether the run should proceed to the next step.
func (e *Engine) runStep(ctx context.Context, state *runState, step runbook.Step) (bool, error) {
	rec, err := e.stepRecord(state, step)
	if err != nil {
		return false, err
	}
	if runs.Terminal(rec.Status) {
		// Resume path: the step already finished in an earlier attempt.
		return rec.Status != runs.StepFailed, nil
	}

	// Budget gate. Run-scoped, so the check lives here, not in the
	// policy evaluator.
	if reason := e.budgetExceeded(state); reason != "" {
		e.skipStep(state, rec, map[string]any{"budget": reason})
		return true, nil
	}

	// Policy gate.
	result := e.core.Evaluator.Evaluate(policy.StepInput{
		Name:  step.Name,
		Tool:  step.Tool,
		Input: step.Input,
	}, state.polDoc, state.roles, state.run.Metrics.Context)
	if !result.OK {
		// Later steps still get their chance, but a run with a policy
		// violation in it cannot finish as a success.
		state.blocked = true
		e.skipStep(state, rec, map[string]any{"policy": result.Reasons})
		return true, nil
	}

	// Approval gate.
	if e.needsApproval(state, step, result) {
		decision, err := e.awaitApproval(ctx, state, step)
		if err != nil {
			return false, err
		}
		switch decision {
		case approval.DecisionDenied:
			e.failStep(state, rec, map[string]any{"msg": "Approval denied"})
			return false, nil
		case approval.DecisionTimeout:
			e.skipStep(state, rec, map[string]any{"approval": "timeout"})
			return false, nil
		}
	}

	// Plan gate: the brain reviews the whole run once; pick this step's
	// entry.
	planned, err := e.plannedStep(ctx, state, step)
	if err != nil {
		e.failStep(state, rec, map[string]any{"msg": err.Error()})
		return false, nil
	}
	if planned.Decision == brain.DecisionBlock {
		e.skipStep(state, rec, map[string]any{"brain": planned.Reasons})
		return true, nil
	}

	tool := planned.Tool
	if tool == "" {
		tool = step.Tool
	}
	args := planned.Args
	if args == nil {
		args = step.Input
	}
	digest, err := signing.Digest(args)
	if err != nil {
		return false, fmt.Errorf("engine: idempotency digest: %w", err)
	}
	key := state.run.ID + ":" + step.Name + ":" + digest

	if err := e.core.Runs.UpdateStep(rec.ID, runs.StepUpdate{
		Status:         runs.StepRunning,
		IdempotencyKey: key,
		Started:        true,
	}); err != nil {
		return false, err
	}
	e.publishStep(state.run.ID, step.Name, tool, runs.StepRunning, nil)

	call := adapters.ToolCall{Name: tool, Input: args, DryRun: state.dryRun, IdempotencyKey: key}
	mode := e.adapterMode(tool, state.header)
	stepCtx, stepSpan := telemetry.StartStepSpan(ctx, step.Name, tool, mode)
	start := time.Now()
	resp, invokeErr := e.invokeWithRetry(stepCtx, call, mode)
	e.recordInvocation(state, tool, time.Since(start))

	if invokeErr == nil {
		telemetry.EndStepSpan(stepSpan, runs.StepSucceeded, false, "")
		upd := runs.StepUpdate{Status: runs.StepSucceeded, Output: resp.Output, Ended: true}
		if err := e.core.Runs.UpdateStep(rec.ID, upd); err != nil {
			if errors.Is(err, runs.ErrTerminal) {
				// Cancelled mid-call; the result is discarded.
				return false, nil
			}
			return false, err
		}
		e.publishStep(state.run.ID, step.Name, tool, runs.StepSucceeded, nil)
		return true, nil
	}

	// Terminal failure: compensate if declared, then record one final
	// state for the step.
	stepErr := map[string]any{"msg": invokeErr.Error()}
	finalStatus := runs.StepFailed
	if step.Compensate != nil {
		compCall := adapters.ToolCall{
			Name:           step.Compensate.Tool,
			Input:          step.Compensate.Input,
			DryRun:         state.dryRun,
			IdempotencyKey: key + "-comp",
		}
		compMode := e.adapterMode(step.Compensate.Tool, state.header)
		compStart := time.Now()
		_, compErr := e.invokeWithRetry(ctx, compCall, compMode)
		e.recordInvocation(state, step.Compensate.Tool, time.Since(compStart))
		if compErr == nil {
			finalStatus = runs.StepCompensated
		} else {
			stepErr["compensation_failed"] = compErr.Error()
		}
		e.emitAudit(state.run.TenantID, "step.compensate", state.run.ID, map[string]any{
			"step": step.Name, "ok": compErr == nil,
		})
	}
	telemetry.EndStepSpan(stepSpan, finalStatus, false, "")
	upd := runs.StepUpdate{Status: finalStatus, Error: stepErr, Ended: true}
	if err := e.core.Runs.UpdateStep(rec.ID, upd); err != nil && !errors.Is(err, runs.ErrTerminal) {
		return false, err
	}
	e.publishStep(state.run.ID, step.Name, tool, finalStatus, stepErr)
	return false, nil
}

// stepRecord finds or creates the persistent row for a declared step.
func (e *Engine) stepRecord(state *runState, step runbook.Step) (*runs.StepRecord, error) {
	if rec, ok := state.existing[step.Name]; ok {
		return rec, nil
	}
	rec, err := e.core.Runs.CreateStep(state.run.ID, step.Name, step.Tool, step.Input)
	if err != nil {
		return nil, fmt.Errorf("engine: create step: %w", err)
	}
	state.existing[step.Name] = rec
	e.publishStep(state.run.ID, step.Name, step.Tool, runs.StepPending, nil)
	return rec, nil
}

func (e *Engine) budgetExceeded(state *runState) string {
	budgets := state.polDoc.Budgets
	if budgets.MaxTokensPerRun != nil && state.totals.TokensIn+state.totals.TokensOut >= *budgets.MaxTokensPerRun {
		return "max_tokens_per_run exceeded"
	}
	if budgets.MaxCostPerRunUSD != nil && state.totals.CostUSD >= *budgets.MaxCostPerRunUSD {
		return "max_cost_per_run_usd exceeded"
	}
	return ""
}

func (e *Engine) needsApproval(state *runState, step runbook.Step, result policy.Result) bool {
	if step.RequiresApproval || result.RequireApproval {
		return true
	}
	for _, rule := range state.polDoc.Approvals {
		if rule.Step == step.Name {
			return true
		}
	}
	return false
}

// awaitApproval finds (or creates) the gate row and waits for its
// decision.
func (e *Engine) awaitApproval(ctx context.Context, state *runState, step runbook.Step) (approval.Decision, error) {
	row, ok := state.approvals[step.Name]
	if !ok {
		roles := step.RequiredRoles
		for _, rule := range state.polDoc.Approvals {
			if rule.Step == step.Name && len(rule.RequiredRoles) > 0 {
				roles = rule.RequiredRoles
			}
		}
		created, err := e.core.Approvals.Create(state.run.ID, state.run.TenantID, step.Name, roles)
		if err != nil {
			return "", fmt.Errorf("engine: create approval: %w", err)
		}
		row = created
		state.approvals[step.Name] = row
	}
	e.logger.Info("waiting for approval",
		zap.String("run_id", state.run.ID),
		zap.String("step", step.Name),
		zap.String("approval_id", row.ID))
	return e.core.Approvals.Wait(ctx, state.run.TenantID, row.ID, e.core.ApprovalWait)
}

// plannedStep loads the brain plan on first use and selects the entry
// for this step. Brain usage counts toward run totals exactly once.
func (e *Engine) plannedStep(ctx context.Context, state *runState, step runbook.Step) (brain.PlannedStep, error) {
	if state.plan == nil {
		result, err := e.core.Brain.PlanAndReview(ctx, state.run.ID, state.rbSource, state.polSource, state.run.Metrics.Context)
		if err != nil {
			return brain.PlannedStep{}, fmt.Errorf("engine: brain: %w", err)
		}
		state.plan = result
		state.planIndex = map[string]brain.PlannedStep{}
		for _, p := range result.Planned {
			state.planIndex[p.Name] = p
		}
		state.totals.TokensIn += result.Usage.TokensIn
		state.totals.TokensOut += result.Usage.TokensOut
		state.totals.LatencyMS += result.Usage.LatencyMS
		state.totals.CostUSD += result.Usage.CostUSD
		state.totals.Plan = result.Planned
	}
	if p, ok := state.planIndex[step.Name]; ok {
		return p, nil
	}
	// The plan omitted the step; fall back to the declaration.
	return brain.PlannedStep{Name: step.Name, Tool: step.Tool, Args: step.Input, Decision: brain.DecisionAllow}, nil
}

func (e *Engine) adapterMode(tool string, header http.Header) string {
	if e.core.Flags == nil {
		return "mock"
	}
	return e.core.Flags.Which(tool, header)
}

// invokeWithRetry applies exponential backoff to retryable adapter
// errors. Terminal errors propagate immediately.
func (e *Engine) invokeWithRetry(ctx context.Context, call adapters.ToolCall, mode string) (*adapters.Response, error) {
	delay := e.retry.initial
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.core.CallTimeout)
		resp, err := e.core.Adapters.Invoke(callCtx, call, mode)
		cancel()
		if err == nil {
			return resp, nil
		}
		if !adapters.IsRetryable(err) || attempt >= e.retry.maxAttempts {
			return nil, err
		}
		e.logger.Debug("retrying tool call",
			zap.String("tool", call.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, err
		}
		delay = time.Duration(float64(delay) * e.retry.factor)
		if delay > e.retry.maxInterval {
			delay = e.retry.maxInterval
		}
	}
}

func (e *Engine) recordInvocation(state *runState, tool string, elapsed time.Duration) {
	if state.totals.AdapterCalls == nil {
		state.totals.AdapterCalls = map[string]int64{}
	}
	state.totals.AdapterCalls[tool]++
	state.totals.LatencyMS += elapsed.Milliseconds()
}

func (e *Engine) skipStep(state *runState, rec *runs.StepRecord, stepErr map[string]any) {
	upd := runs.StepUpdate{Status: runs.StepSkipped, Error: stepErr, Ended: true}
	if err := e.core.Runs.UpdateStep(rec.ID, upd); err != nil && !errors.Is(err, runs.ErrTerminal) {
		e.logger.Warn("skip step", zap.String("step", rec.Name), zap.Error(err))
	}
	e.publishStep(state.run.ID, rec.Name, rec.Tool, runs.StepSkipped, stepErr)
}

func (e *Engine) failStep(state *runState, rec *runs.StepRecord, stepErr map[string]any) {
	upd := runs.StepUpdate{Status: runs.StepFailed, Error: stepErr, Ended: true}
	if err := e.core.Runs.UpdateStep(rec.ID, upd); err != nil && !errors.Is(err, runs.ErrTerminal) {
		e.logger.Warn("fail step", zap.String("step", rec.Name), zap.Error(err))
	}
	e.publishStep(state.run.ID, rec.Name, rec.Tool, runs.StepFailed, stepErr)
}

func (e *Engine) persistTotals(state *runState) {
	if err := e.core.Runs.SetRunMetrics(state.run.ID, state.totals); err != nil {
		e.logger.Warn("persist run metrics", zap.String("run_id", state.run.ID), zap.Error(err))
	}
}

// finalize settles the run status, runs shadow scoring when asked, and
// emits the done event.
func (e *Engine) finalize(state *runState, failed bool) {
	runID := state.run.ID

	if state.run.Metrics.Mode == runs.ModeShadow {
		steps, err := e.core.Runs.ListSteps(runID)
		if err != nil {
			e.logger.Warn("shadow: list steps", zap.String("run_id", runID), zap.Error(err))
		} else {
			expected, err := shadow.ParseExpected(state.run.Metrics.Expected)
			if err != nil {
				e.logger.Warn("shadow: expected", zap.String("run_id", runID), zap.Error(err))
			}
			state.totals.Shadow = shadow.Evaluate(steps, expected)
		}
	}
	e.persistTotals(state)

	status := runs.RunSucceeded
	if failed {
		status = runs.RunFailed
	}
	if err := e.core.Runs.SetRunStatus(runID, status); err != nil && !errors.Is(err, runs.ErrTerminal) {
		e.logger.Error("finalize run", zap.String("run_id", runID), zap.Error(err))
	}
	e.emitAudit(state.run.TenantID, "run.finish", runID, map[string]any{"status": status})
	e.core.Bus.Publish(events.Event{Type: events.TypeDone, RunID: runID,
		Payload: map[string]any{"status": status}})
	e.core.Brain.Forget(runID)
}

// rolesFrom extracts the creator's roles captured in the run context.
func rolesFrom(runContext map[string]any) []string {
	raw, ok := runContext["roles"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
