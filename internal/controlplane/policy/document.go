// Package policy parses guardrail documents and evaluates runbook steps
// against them: role allowlist, JSON-schema argument validation, a small
// precondition expression language, and per-run budgets.
package policy

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Document is the parsed form of a policy's source text.
type Document struct {
	ToolAllowlist map[string][]string `yaml:"tool_allowlist" json:"tool_allowlist"`
	Approvals     []ApprovalRule      `yaml:"approvals" json:"approvals"`
	Preconditions []Precondition      `yaml:"preconditions" json:"preconditions"`
	Budgets       Budgets             `yaml:"budgets" json:"budgets"`
}

// ApprovalRule names a step that needs sign-off and who may give it.
type ApprovalRule struct {
	Step          string   `yaml:"step" json:"step"`
	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
}

// Precondition is a guard rule. Step empty means "applies to every step".
// Then is one of allow, block, require_approval.
type Precondition struct {
	When string `yaml:"when" json:"when"`
	Then string `yaml:"then" json:"then"`
	Step string `yaml:"step,omitempty" json:"step,omitempty"`
}

// Budgets caps per-run spend. Nil means unlimited.
type Budgets struct {
	MaxTokensPerRun  *int64   `yaml:"max_tokens_per_run" json:"max_tokens_per_run,omitempty"`
	MaxCostPerRunUSD *float64 `yaml:"max_cost_per_run_usd" json:"max_cost_per_run_usd,omitempty"`
}

// Parse decodes policy source. Invalid source yields the empty document:
// evaluation must never fail just because a policy is malformed.
func Parse(source string) Document {
	var doc Document
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return Document{}
	}
	return doc
}

// Validate reports why a policy source would not parse. Used by the write
// path so authors get an error instead of a silently-empty policy.
func Validate(source string) error {
	var doc Document
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return fmt.Errorf("policy source: %w", err)
	}
	for i, rule := range doc.Preconditions {
		if _, err := ParseExpr(rule.When); err != nil {
			return fmt.Errorf("precondition %d: %w", i, err)
		}
		switch rule.Then {
		case "allow", "block", "require_approval":
		default:
			return fmt.Errorf("precondition %d: unknown action %q", i, rule.Then)
		}
	}
	return nil
}

// StepInput describes the step under evaluation.
type StepInput struct {
	Name  string
	Tool  string
	Input map[string]any
}

// ReasonToolNotAllowed is the rejection reason an allowlist miss
// produces. Callers mapping reasons onto HTTP statuses key off it.
const ReasonToolNotAllowed = "tool not allowed for roles"

// Result is an evaluation outcome. Reasons is non-empty iff OK is false.
type Result struct {
	OK              bool     `json:"ok"`
	Reasons         []string `json:"reasons,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
}

// Evaluator applies a policy document to steps. It is pure: no I/O, no
// errors, a malformed rule simply does not fire.
type Evaluator struct {
	schemas *SchemaRegistry
	logger  *zap.Logger
}

// NewEvaluator wires the evaluator. A nil registry skips schema checks.
func NewEvaluator(schemas *SchemaRegistry, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{schemas: schemas, logger: logger.Named("policy")}
}

// Evaluate runs allowlist, schema, and precondition gates for one step.
// Budgets are run-scoped and compared by the engine, not here.
func (e *Evaluator) Evaluate(step StepInput, doc Document, roles []string, context map[string]any) Result {
	var reasons []string

	if !allowlisted(doc.ToolAllowlist, roles, step.Tool) {
		reasons = append(reasons, ReasonToolNotAllowed)
	}

	if e.schemas != nil {
		reasons = append(reasons, e.schemas.Check(step.Tool, step.Input)...)
	}

	if len(reasons) > 0 {
		return Result{OK: false, Reasons: reasons}
	}

	env := Env{
		"context": context,
		"step": map[string]any{
			"name":  step.Name,
			"tool":  step.Tool,
			"input": step.Input,
		},
	}
	for _, rule := range doc.Preconditions {
		if rule.Step != "" && rule.Step != step.Name {
			continue
		}
		node, err := ParseExpr(rule.When)
		if err != nil {
			e.logger.Debug("skipping unparseable precondition",
				zap.String("when", rule.When), zap.Error(err))
			continue
		}
		if !node.Eval(env).Truthy() {
			continue
		}
		switch rule.Then {
		case "block":
			return Result{OK: false, Reasons: []string{"precondition blocked"}}
		case "require_approval":
			return Result{OK: true, RequireApproval: true}
		case "allow":
			return Result{OK: true}
		default:
			continue
		}
	}
	return Result{OK: true}
}

// allowlisted accepts when any held role lists the tool. An empty
// allowlist accepts every tool.
func allowlisted(allowlist map[string][]string, roles []string, tool string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, role := range roles {
		for _, allowed := range allowlist[role] {
			if allowed == tool {
				return true
			}
		}
	}
	return false
}

// AllowlistedAnywhere reports whether any role's list contains the tool.
// The brain stub reviewer uses this without a concrete caller role.
func AllowlistedAnywhere(doc Document, tool string) bool {
	if len(doc.ToolAllowlist) == 0 {
		return true
	}
	for _, tools := range doc.ToolAllowlist {
		for _, allowed := range tools {
			if allowed == tool {
				return true
			}
		}
	}
	return false
}
