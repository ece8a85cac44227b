package shadow

import (
	"math"
	"testing"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

func TestEvaluateWeightedScore(t *testing.T) {
	agent := []*runs.StepRecord{
		{Name: "s1", Tool: "pagerduty.ack", Input: map[string]any{"id": "X"}, Status: runs.StepSucceeded},
		{Name: "s2", Tool: "k8s.cordon_node", Input: map[string]any{"node": "n"}, Status: runs.StepSucceeded},
	}
	expected := []ExpectedStep{
		{Name: "s1", Tool: "pagerduty.ack", Input: map[string]any{"id": "X"}},
		{Name: "s2", Tool: "k8s.drain_node", Input: map[string]any{"node": "n"}},
	}
	report := Evaluate(agent, expected)
	if report.ToolMatches != 1 || report.ArgsMatches != 1 || report.OrderMatches != 2 || report.N != 2 {
		t.Fatalf("counts = %+v", report)
	}
	if math.Abs(report.MatchScore-0.6) > 1e-9 {
		t.Fatalf("match_score = %v, want 0.6", report.MatchScore)
	}
}

func TestEvaluatePerfectMatch(t *testing.T) {
	agent := []*runs.StepRecord{
		{Name: "a", Tool: "x.y", Input: map[string]any{"k": "v"}, Status: runs.StepSucceeded},
	}
	expected := []ExpectedStep{{Name: "a", Tool: "x.y", Input: map[string]any{"k": "v"}}}
	report := Evaluate(agent, expected)
	if math.Abs(report.MatchScore-1.0) > 1e-9 {
		t.Fatalf("match_score = %v, want 1.0", report.MatchScore)
	}
}

func TestEvaluateDisjointSteps(t *testing.T) {
	agent := []*runs.StepRecord{{Name: "a", Tool: "x.y", Status: runs.StepSucceeded}}
	expected := []ExpectedStep{{Name: "b", Tool: "x.y"}}
	report := Evaluate(agent, expected)
	if report.MatchScore != 0 {
		t.Fatalf("match_score = %v, want 0", report.MatchScore)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(report.Steps))
	}
	for _, diff := range report.Steps {
		if diff.Name == "a" && !diff.AgentOnly {
			t.Fatal("step a should be agent-only")
		}
		if diff.Name == "b" && !diff.ExpectOnly {
			t.Fatal("step b should be expected-only")
		}
	}
}

func TestEvaluateEmptyInputsUseUnitDenominator(t *testing.T) {
	report := Evaluate(nil, nil)
	if report.N != 1 || report.MatchScore != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestPolicyViolationCount(t *testing.T) {
	agent := []*runs.StepRecord{
		{Name: "a", Status: runs.StepSkipped, Error: map[string]any{"policy": []any{"tool not allowed for roles"}}},
		{Name: "b", Status: runs.StepSkipped, Error: map[string]any{"budget": "max_tokens_per_run exceeded"}},
		{Name: "c", Status: runs.StepSkipped, Error: map[string]any{"approval": "timeout"}},
		{Name: "d", Status: runs.StepFailed, Error: map[string]any{"policy": []any{"x"}}},
	}
	report := Evaluate(agent, nil)
	if report.PolicyViolations != 2 {
		t.Fatalf("policy_violations = %d, want 2", report.PolicyViolations)
	}
}

func TestEvaluateSkippedStepsLeaveAgentSide(t *testing.T) {
	records := []*runs.StepRecord{
		{Name: "s1", Tool: "pagerduty.ack", Input: map[string]any{"id": "X"}, Status: runs.StepSucceeded},
		{Name: "s2", Tool: "k8s.cordon_node", Input: map[string]any{"node": "n"}, Status: runs.StepSkipped,
			Error: map[string]any{"policy": []any{"tool not allowed for roles"}}},
	}
	expected := []ExpectedStep{
		{Name: "s1", Tool: "pagerduty.ack", Input: map[string]any{"id": "X"}},
		{Name: "s2", Tool: "k8s.cordon_node", Input: map[string]any{"node": "n"}},
	}
	report := Evaluate(records, expected)
	// The blocked step never ran; an identical tool name in its record
	// must not score as agreement.
	if report.ToolMatches != 1 || report.ArgsMatches != 1 || report.OrderMatches != 1 || report.N != 2 {
		t.Fatalf("counts = %+v", report)
	}
	if report.PolicyViolations != 1 {
		t.Fatalf("policy_violations = %d, want 1", report.PolicyViolations)
	}
	for _, diff := range report.Steps {
		if diff.Name == "s2" && !diff.ExpectOnly {
			t.Fatalf("s2 diff = %+v, want expected-only", diff)
		}
	}
}

func TestArgsDiffListsChangedKeys(t *testing.T) {
	agent := []*runs.StepRecord{
		{Name: "a", Tool: "x.y", Input: map[string]any{"node": "n1", "grace": 30}, Status: runs.StepSucceeded},
	}
	expected := []ExpectedStep{
		{Name: "a", Tool: "x.y", Input: map[string]any{"node": "n2", "force": true}},
	}
	report := Evaluate(agent, expected)
	diff := report.Steps[0]
	if diff.ArgsMatch {
		t.Fatal("args should not match")
	}
	want := []string{"force", "grace", "node"}
	if len(diff.ArgsDiff) != len(want) {
		t.Fatalf("args_diff = %v, want %v", diff.ArgsDiff, want)
	}
	for i, k := range want {
		if diff.ArgsDiff[i] != k {
			t.Fatalf("args_diff = %v, want %v", diff.ArgsDiff, want)
		}
	}
}

func TestParseExpectedShapes(t *testing.T) {
	wrapped, err := ParseExpected(map[string]any{"steps": []any{map[string]any{"name": "a", "tool": "x.y"}}})
	if err != nil || len(wrapped) != 1 || wrapped[0].Name != "a" {
		t.Fatalf("wrapped = %v, err = %v", wrapped, err)
	}
	bare, err := ParseExpected([]any{map[string]any{"name": "b", "tool": "x.y"}})
	if err != nil || len(bare) != 1 || bare[0].Name != "b" {
		t.Fatalf("bare = %v, err = %v", bare, err)
	}
	none, err := ParseExpected(nil)
	if err != nil || none != nil {
		t.Fatalf("nil = %v, err = %v", none, err)
	}
}
