package adapters

import (
	"context"
	"errors"
	"testing"
)

func TestInvokeMock(t *testing.T) {
	r := NewRegistry(nil, nil)
	RegisterDefaultMocks(r)

	resp, err := r.Invoke(context.Background(), ToolCall{
		Name:  "pagerduty.ack",
		Input: map[string]any{"id": "P1"},
	}, "mock")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["incident_id"] != "P1" || resp.Audit["mode"] != "mock" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUnknownToolNotFound(t *testing.T) {
	r := NewRegistry(nil, nil)
	RegisterDefaultMocks(r)

	for _, name := range []string{"nope.ack", "pagerduty.explode", "nodot"} {
		if _, err := r.Invoke(context.Background(), ToolCall{Name: name}, "mock"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestRealFallsBackToMock(t *testing.T) {
	r := NewRegistry(nil, nil)
	RegisterDefaultMocks(r)

	// No real pagerduty adapter registered; "real" mode still works.
	resp, err := r.Invoke(context.Background(), ToolCall{
		Name:  "pagerduty.resolve",
		Input: map[string]any{"id": "P1"},
	}, "real")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Audit["mode"] != "mock" {
		t.Errorf("audit = %v", resp.Audit)
	}
}

func TestDryRunReportsPlannedOps(t *testing.T) {
	r := NewRegistry(nil, nil)
	mocks := RegisterDefaultMocks(r)

	resp, err := r.Invoke(context.Background(), ToolCall{
		Name:   "k8s.drain_node",
		Input:  map[string]any{"node": "n1"},
		DryRun: true,
	}, "mock")
	if err != nil {
		t.Fatal(err)
	}
	planned, ok := resp.Audit["planned"].([]any)
	if !ok || len(planned) != 1 {
		t.Errorf("audit = %v", resp.Audit)
	}
	if len(mocks["k8s"].Calls()) != 1 {
		t.Error("call not recorded")
	}
}

func TestIdempotentReplay(t *testing.T) {
	r := NewRegistry(nil, nil)
	RegisterDefaultMocks(r)

	call := ToolCall{
		Name:           "jira.create_issue",
		Input:          map[string]any{"project": "OPS", "summary": "s"},
		IdempotencyKey: "k1",
	}
	first, err := r.Invoke(context.Background(), call, "mock")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Invoke(context.Background(), call, "mock")
	if err != nil {
		t.Fatal(err)
	}
	if first.Output["issue_key"] != second.Output["issue_key"] {
		t.Errorf("replay diverged: %v vs %v", first.Output, second.Output)
	}
	if second.Audit["replayed"] != true {
		t.Errorf("audit = %v", second.Audit)
	}
}

func TestFailureInjection(t *testing.T) {
	r := NewRegistry(nil, nil)
	mocks := RegisterDefaultMocks(r)
	mocks["github"].FailWith("github.create_issue", Transient("503 from upstream"))

	_, err := r.Invoke(context.Background(), ToolCall{
		Name:  "github.create_issue",
		Input: map[string]any{"repo": "r", "title": "t"},
	}, "mock")
	if !IsRetryable(err) {
		t.Errorf("err = %v", err)
	}

	// Queue drained; next call succeeds.
	if _, err := r.Invoke(context.Background(), ToolCall{
		Name:  "github.create_issue",
		Input: map[string]any{"repo": "r", "title": "t"},
	}, "mock"); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsRetryable(FromStatus(502, "bad gateway")) {
		t.Error("502 should be retryable")
	}
	if IsRetryable(FromStatus(404, "missing")) {
		t.Error("404 should be terminal")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are terminal")
	}
}
