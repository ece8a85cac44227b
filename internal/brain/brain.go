// Package brain turns a runbook and a policy into a reviewed execution
// plan. With a provider configured it runs a three-stage LLM pipeline
// (planner, per-step toolcaller, reviewer) whose outputs are all schema
// validated; without one it falls back to a deterministic stub so the
// engine behaves identically in tests and air-gapped deployments.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
)

// Step decisions emitted by the reviewer stage.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// ErrInvalidOutput reports a provider response that failed schema
// validation. Callers map it to an unprocessable-entity status.
var ErrInvalidOutput = errors.New("brain: provider output failed validation")

// Usage accumulates token and cost totals across pipeline stages.
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	LatencyMS int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
}

func (u *Usage) add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.LatencyMS += other.LatencyMS
	u.CostUSD += other.CostUSD
}

// PlannedStep is one reviewed step of the plan.
type PlannedStep struct {
	Name     string         `json:"name"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	Decision string         `json:"decision"`
	Reasons  []string       `json:"reasons,omitempty"`
}

// Result is the full output of PlanAndReview.
type Result struct {
	Planned []PlannedStep `json:"planned"`
	Usage   Usage         `json:"usage"`
}

// Provider is a single LLM completion backend. Implementations return
// the raw text of the completion plus the usage it consumed.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, Usage, error)
}

// Brain caches one reviewed plan per run.
type Brain struct {
	provider Provider
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]*Result
}

// New builds a Brain. A nil provider selects the deterministic stub.
func New(provider Provider, logger *zap.Logger) *Brain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Brain{
		provider: provider,
		logger:   logger.Named("brain"),
		cache:    map[string]*Result{},
	}
}

// PlanAndReview produces the reviewed plan for a run. Results are
// cached by runID so the engine's per-step lookups hit the pipeline
// once.
func (b *Brain) PlanAndReview(ctx context.Context, runID, runbookText, policyText string, runContext map[string]any) (*Result, error) {
	b.mu.Lock()
	if cached, ok := b.cache[runID]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	var (
		result *Result
		err    error
	)
	if b.provider == nil {
		result, err = b.stub(runbookText, policyText)
	} else {
		result, err = b.pipeline(ctx, runbookText, policyText, runContext)
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache[runID] = result
	b.mu.Unlock()
	return result, nil
}

// Forget drops the cached plan for a run.
func (b *Brain) Forget(runID string) {
	b.mu.Lock()
	delete(b.cache, runID)
	b.mu.Unlock()
}

// stub echoes the runbook as the plan and reviews each step against the
// policy allowlist.
func (b *Brain) stub(runbookText, policyText string) (*Result, error) {
	doc, err := runbook.Parse(runbookText)
	if err != nil {
		return nil, fmt.Errorf("brain: runbook: %w", err)
	}
	pol := policy.Parse(policyText)

	planned := make([]PlannedStep, 0, len(doc.Steps))
	for _, step := range doc.Steps {
		ps := PlannedStep{
			Name:     step.Name,
			Tool:     step.Tool,
			Args:     step.Input,
			Decision: DecisionAllow,
		}
		if !policy.AllowlistedAnywhere(pol, step.Tool) {
			ps.Decision = DecisionBlock
			ps.Reasons = []string{"tool not in allowlist"}
		}
		planned = append(planned, ps)
	}
	return &Result{
		Planned: planned,
		Usage:   Usage{TokensIn: 10, TokensOut: 20, LatencyMS: 50},
	}, nil
}

// pipeline runs planner, toolcaller, and reviewer against the provider.
func (b *Brain) pipeline(ctx context.Context, runbookText, policyText string, runContext map[string]any) (*Result, error) {
	total := Usage{}

	contextJSON, _ := json.Marshal(runContext)
	plannerOut, usage, err := b.complete(ctx, plannerSystem,
		fmt.Sprintf("Runbook:\n%s\n\nContext:\n%s", runbookText, contextJSON), plannerSchema)
	if err != nil {
		return nil, err
	}
	total.add(usage)

	var plan struct {
		Steps []struct {
			Name string         `json:"name"`
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(plannerOut, &plan); err != nil {
		return nil, fmt.Errorf("%w: planner: %v", ErrInvalidOutput, err)
	}

	planned := make([]PlannedStep, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		callOut, usage, err := b.complete(ctx, toolcallerSystem,
			fmt.Sprintf("Step: %s\nTool: %s\nDeclared args:\n%s", step.Name, step.Tool, mustJSON(step.Args)), toolcallerSchema)
		if err != nil {
			return nil, err
		}
		total.add(usage)

		var call struct {
			Tool       string         `json:"tool"`
			Args       map[string]any `json:"args"`
			Confidence float64        `json:"confidence"`
			Rationale  string         `json:"rationale"`
		}
		if err := json.Unmarshal(callOut, &call); err != nil {
			return nil, fmt.Errorf("%w: toolcaller: %v", ErrInvalidOutput, err)
		}

		reviewOut, usage, err := b.complete(ctx, reviewerSystem,
			fmt.Sprintf("Policy:\n%s\n\nProposed call:\n%s", policyText, mustJSON(map[string]any{
				"name": step.Name, "tool": call.Tool, "args": call.Args,
			})), reviewerSchema)
		if err != nil {
			return nil, err
		}
		total.add(usage)

		var review struct {
			Decision string   `json:"decision"`
			Reasons  []string `json:"reasons"`
		}
		if err := json.Unmarshal(reviewOut, &review); err != nil {
			return nil, fmt.Errorf("%w: reviewer: %v", ErrInvalidOutput, err)
		}

		planned = append(planned, PlannedStep{
			Name:     step.Name,
			Tool:     call.Tool,
			Args:     call.Args,
			Decision: review.Decision,
			Reasons:  review.Reasons,
		})
	}

	return &Result{Planned: planned, Usage: total}, nil
}

// complete invokes the provider and schema-validates the completion.
func (b *Brain) complete(ctx context.Context, system, prompt, schemaName string) (json.RawMessage, Usage, error) {
	text, usage, err := b.provider.Complete(ctx, system, prompt)
	if err != nil {
		return nil, usage, fmt.Errorf("brain: provider: %w", err)
	}
	raw := stripFences(text)
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, usage, fmt.Errorf("%w: not JSON: %v", ErrInvalidOutput, err)
	}
	if err := validateOutput(schemaName, decoded); err != nil {
		b.logger.Warn("stage output rejected", zap.String("schema", schemaName), zap.Error(err))
		return nil, usage, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return json.RawMessage(raw), usage, nil
}

// stripFences tolerates providers that wrap JSON in a markdown fence.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func mustJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

const plannerSystem = `You are an operations planner. Given a runbook and run context,
emit strictly the JSON object {"steps":[{"name":...,"tool":...,"args":{...}}]} listing
the steps to execute in order. No prose.`

const toolcallerSystem = `You are a tool caller. Given one planned step, emit strictly
the JSON object {"tool":...,"args":{...},"confidence":0..1,"rationale":...}. No prose.`

const reviewerSystem = `You are a policy reviewer. Given a policy document and a proposed
tool call, emit strictly the JSON object {"decision":"allow"|"block"|"require_approval",
"reasons":[...]}. No prose.`
