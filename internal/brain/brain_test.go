package brain

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

const testRunbook = `
name: pd-k8s
steps:
  - name: ack-incident
    tool: pagerduty.ack
    input:
      incident_id: PD-1
  - name: drain-node
    tool: k8s.drain_node
    input:
      node: worker-3
`

const testPolicy = `
tool_allowlist:
  sre:
    - pagerduty.ack
`

func TestStubEchoesRunbookAndReviews(t *testing.T) {
	b := New(nil, zap.NewNop())
	res, err := b.PlanAndReview(context.Background(), "run-1", testRunbook, testPolicy, nil)
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	if len(res.Planned) != 2 {
		t.Fatalf("planned %d steps, want 2", len(res.Planned))
	}
	if res.Planned[0].Decision != DecisionAllow {
		t.Fatalf("ack decision = %q", res.Planned[0].Decision)
	}
	if res.Planned[1].Decision != DecisionBlock {
		t.Fatalf("drain decision = %q", res.Planned[1].Decision)
	}
	if got := res.Planned[1].Reasons; len(got) != 1 || got[0] != "tool not in allowlist" {
		t.Fatalf("drain reasons = %v", got)
	}
	if res.Usage.TokensIn != 10 || res.Usage.TokensOut != 20 || res.Usage.LatencyMS != 50 || res.Usage.CostUSD != 0 {
		t.Fatalf("stub usage = %+v", res.Usage)
	}
}

func TestStubAllowsAllWithEmptyAllowlist(t *testing.T) {
	b := New(nil, zap.NewNop())
	res, err := b.PlanAndReview(context.Background(), "run-1", testRunbook, "", nil)
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	for _, step := range res.Planned {
		if step.Decision != DecisionAllow {
			t.Fatalf("step %s decision = %q", step.Name, step.Decision)
		}
	}
}

func TestResultCachedPerRun(t *testing.T) {
	b := New(nil, zap.NewNop())
	first, err := b.PlanAndReview(context.Background(), "run-1", testRunbook, "", nil)
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	// A different runbook under the same run id must return the cached plan.
	second, err := b.PlanAndReview(context.Background(), "run-1", "name: other\nsteps:\n  - {name: x, tool: a.b}", "", nil)
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	if first != second {
		t.Fatal("expected cached result for same run id")
	}
	b.Forget("run-1")
	third, err := b.PlanAndReview(context.Background(), "run-1", testRunbook, "", nil)
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	if third == first {
		t.Fatal("Forget did not evict the cache")
	}
}

// scriptedProvider returns canned completions in order.
type scriptedProvider struct {
	outputs []string
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	if p.calls >= len(p.outputs) {
		return "", Usage{}, errors.New("script exhausted")
	}
	out := p.outputs[p.calls]
	p.calls++
	return out, Usage{TokensIn: 100, TokensOut: 50, LatencyMS: 10, CostUSD: 0.001}, nil
}

func TestPipelineSumsUsageAndReviews(t *testing.T) {
	provider := &scriptedProvider{outputs: []string{
		`{"steps":[{"name":"ack-incident","tool":"pagerduty.ack","args":{"incident_id":"PD-1"}}]}`,
		"```json\n{\"tool\":\"pagerduty.ack\",\"args\":{\"incident_id\":\"PD-1\"},\"confidence\":0.95,\"rationale\":\"declared\"}\n```",
		`{"decision":"allow","reasons":[]}`,
	}}
	b := New(provider, zap.NewNop())
	res, err := b.PlanAndReview(context.Background(), "run-9", testRunbook, testPolicy, map[string]any{"cluster": map[string]any{"env": "prod"}})
	if err != nil {
		t.Fatalf("PlanAndReview: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", provider.calls)
	}
	if len(res.Planned) != 1 || res.Planned[0].Tool != "pagerduty.ack" || res.Planned[0].Decision != DecisionAllow {
		t.Fatalf("planned = %+v", res.Planned)
	}
	if res.Usage.TokensIn != 300 || res.Usage.TokensOut != 150 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if res.Usage.CostUSD < 0.0029 || res.Usage.CostUSD > 0.0031 {
		t.Fatalf("cost = %v", res.Usage.CostUSD)
	}
}

func TestPipelineRejectsInvalidStageOutput(t *testing.T) {
	cases := [][]string{
		{`{"not_steps": true}`},
		{`{"steps":[{"name":"s","tool":"a.b"}]}`, `{"tool":"a.b","args":{},"confidence":7}`},
		{`{"steps":[{"name":"s","tool":"a.b"}]}`, `{"tool":"a.b","args":{},"confidence":0.5}`, `{"decision":"maybe"}`},
		{`plain prose, not JSON`},
	}
	for i, outputs := range cases {
		b := New(&scriptedProvider{outputs: outputs}, zap.NewNop())
		_, err := b.PlanAndReview(context.Background(), "run-x", testRunbook, testPolicy, nil)
		if !errors.Is(err, ErrInvalidOutput) {
			t.Fatalf("case %d: err = %v, want ErrInvalidOutput", i, err)
		}
	}
}

func TestStripFences(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	} {
		if got := stripFences(tc.in); got != tc.want {
			t.Fatalf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
