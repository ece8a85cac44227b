// Package shadow compares what an agent run actually did against an
// expected step list and scores the agreement. Scores feed the canary
// promotion check.
package shadow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// ExpectedStep is one entry of metrics.expected.steps.
type ExpectedStep struct {
	Name  string         `json:"name"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// StepDiff records the comparison for one step name.
type StepDiff struct {
	Name       string   `json:"name"`
	ToolMatch  bool     `json:"tool_match"`
	ArgsMatch  bool     `json:"args_match"`
	ArgsDiff   []string `json:"args_diff,omitempty"`
	OrderMatch bool     `json:"order_match"`
	AgentOnly  bool     `json:"agent_only,omitempty"`
	ExpectOnly bool     `json:"expected_only,omitempty"`
}

// Report is persisted into run.metrics.shadow.
type Report struct {
	MatchScore       float64    `json:"match_score"`
	ToolMatches      int        `json:"tool_matches"`
	ArgsMatches      int        `json:"args_matches"`
	OrderMatches     int        `json:"order_matches"`
	N                int        `json:"n"`
	PolicyViolations int        `json:"policy_violations"`
	Steps            []StepDiff `json:"steps"`
}

// ParseExpected decodes the free-form metrics.expected blob into typed
// steps. Accepts either a bare list or {"steps": [...]}.
func ParseExpected(expected any) ([]ExpectedStep, error) {
	if expected == nil {
		return nil, nil
	}
	raw, err := json.Marshal(expected)
	if err != nil {
		return nil, fmt.Errorf("shadow: expected: %w", err)
	}
	var wrapped struct {
		Steps []ExpectedStep `json:"steps"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Steps) > 0 {
		return wrapped.Steps, nil
	}
	var list []ExpectedStep
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("shadow: expected: %w", err)
	}
	return list, nil
}

// Evaluate scores agent steps against the expected list. Order indexes
// are positional within each list. Args only count as matching when the
// tool matches too. Skipped and failed records never join the agent
// side: a step the gates refused is not something the agent did.
func Evaluate(records []*runs.StepRecord, expected []ExpectedStep) *Report {
	agent := make([]*runs.StepRecord, 0, len(records))
	for _, step := range records {
		switch step.Status {
		case runs.StepSucceeded, runs.StepRunning, runs.StepPending:
			agent = append(agent, step)
		}
	}

	agentIdx := map[string]int{}
	for i, step := range agent {
		agentIdx[step.Name] = i
	}
	expectedIdx := map[string]int{}
	for i, step := range expected {
		expectedIdx[step.Name] = i
	}

	names := map[string]bool{}
	for name := range agentIdx {
		names[name] = true
	}
	for name := range expectedIdx {
		names[name] = true
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	n := len(agent)
	if len(expected) > n {
		n = len(expected)
	}
	if n < 1 {
		n = 1
	}

	report := &Report{N: n}
	for _, name := range ordered {
		ai, aok := agentIdx[name]
		ei, eok := expectedIdx[name]
		diff := StepDiff{Name: name}
		switch {
		case aok && eok:
			actual := agent[ai]
			want := expected[ei]
			diff.ToolMatch = actual.Tool == want.Tool
			diff.ArgsDiff = shallowDiff(actual.Input, want.Input)
			diff.ArgsMatch = diff.ToolMatch && len(diff.ArgsDiff) == 0
			diff.OrderMatch = ai == ei
		case aok:
			diff.AgentOnly = true
		default:
			diff.ExpectOnly = true
		}
		if diff.ToolMatch {
			report.ToolMatches++
		}
		if diff.ArgsMatch {
			report.ArgsMatches++
		}
		if diff.OrderMatch {
			report.OrderMatches++
		}
		report.Steps = append(report.Steps, diff)
	}

	report.MatchScore = 0.5*float64(report.ToolMatches)/float64(n) +
		0.3*float64(report.ArgsMatches)/float64(n) +
		0.2*float64(report.OrderMatches)/float64(n)
	report.PolicyViolations = countViolations(records)
	return report
}

// countViolations counts skipped steps whose error is tagged policy or
// budget.
func countViolations(steps []*runs.StepRecord) int {
	count := 0
	for _, step := range steps {
		if step.Status != runs.StepSkipped || step.Error == nil {
			continue
		}
		if _, ok := step.Error["policy"]; ok {
			count++
			continue
		}
		if _, ok := step.Error["budget"]; ok {
			count++
		}
	}
	return count
}

// shallowDiff lists keys whose values differ between the two maps,
// including keys present on only one side.
func shallowDiff(a, b map[string]any) []string {
	keys := map[string]bool{}
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	var diff []string
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || !looseEqual(av, bv) {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// looseEqual compares values after a JSON round-trip so 1 and 1.0
// compare equal regardless of how each side was decoded.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}
