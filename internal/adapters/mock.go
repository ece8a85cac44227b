package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is the authoritative test double for a namespace. It fabricates
// plausible outputs, honors dry-run by reporting planned operations, and
// replays prior results for a repeated idempotency key.
type Mock struct {
	namespace string
	tools     []string

	mu       sync.Mutex
	replays  map[string]*Response
	failures map[string][]error
	calls    []ToolCall
}

// NewMock builds a mock adapter for a namespace and its tool list.
func NewMock(namespace string, tools []string) *Mock {
	return &Mock{
		namespace: namespace,
		tools:     tools,
		replays:   map[string]*Response{},
		failures:  map[string][]error{},
	}
}

func (m *Mock) Namespace() string { return m.namespace }
func (m *Mock) Tools() []string   { return append([]string(nil), m.tools...) }

// FailWith queues errors for a tool; each invocation consumes one until
// the queue drains. Used to exercise retry and compensation paths.
func (m *Mock) FailWith(tool string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[tool] = append(m.failures[tool], errs...)
}

// Calls returns every invocation seen, in order.
func (m *Mock) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolCall(nil), m.calls...)
}

func (m *Mock) Invoke(_ context.Context, call ToolCall) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)

	if queue := m.failures[call.Name]; len(queue) > 0 {
		err := queue[0]
		m.failures[call.Name] = queue[1:]
		return nil, err
	}

	if call.DryRun {
		return &Response{
			Output: map[string]any{"dry_run": true},
			Audit: map[string]any{
				"mode":    "mock",
				"dry_run": true,
				"planned": []any{map[string]any{"tool": call.Name, "input": call.Input}},
			},
		}, nil
	}

	if call.IdempotencyKey != "" {
		if prior, ok := m.replays[call.IdempotencyKey]; ok {
			replay := *prior
			replay.Audit = map[string]any{"mode": "mock", "replayed": true}
			return &replay, nil
		}
	}

	resp := &Response{
		Output: m.fabricate(call),
		Audit:  map[string]any{"mode": "mock", "tool": call.Name},
	}
	if call.IdempotencyKey != "" {
		m.replays[call.IdempotencyKey] = resp
	}
	return resp, nil
}

// fabricate yields deterministic-shaped outputs per tool so downstream
// consumers (incident links, shadow diffs) have realistic fields.
func (m *Mock) fabricate(call ToolCall) map[string]any {
	out := map[string]any{"ok": true, "tool": call.Name}
	switch call.Name {
	case "pagerduty.create_incident":
		out["incident_id"] = "PD-" + uuid.NewString()[:8]
	case "pagerduty.ack", "pagerduty.resolve":
		if id, ok := call.Input["id"]; ok {
			out["incident_id"] = id
		}
	case "jira.create_issue":
		out["issue_key"] = fmt.Sprintf("%v-%s", call.Input["project"], uuid.NewString()[:4])
	case "jira.transition_issue", "jira.comment_issue":
		out["issue_key"] = call.Input["issue_key"]
	case "github.create_issue":
		out["issue_number"] = 1
	case "github.revert_pr":
		out["revert_pr_number"] = 2
	case "github.rollback_release":
		out["rolled_back_to"] = call.Input["to_tag"]
	case "sql.query":
		out["rows"] = []any{}
		out["row_count"] = 0
	}
	return out
}

// DefaultTools lists the shipped tools per namespace.
var DefaultTools = map[string][]string{
	"github":    {"github.rollback_release", "github.revert_pr", "github.create_issue"},
	"jira":      {"jira.create_issue", "jira.transition_issue", "jira.comment_issue"},
	"k8s":       {"k8s.drain_node", "k8s.cordon_node", "k8s.uncordon_node", "k8s.restart_deployment"},
	"pagerduty": {"pagerduty.ack", "pagerduty.resolve", "pagerduty.create_incident"},
	"sql":       {"sql.query"},
}

// RegisterDefaultMocks installs a mock for every shipped namespace and
// returns them keyed by namespace for test steering.
func RegisterDefaultMocks(r *Registry) map[string]*Mock {
	out := map[string]*Mock{}
	for ns, tools := range DefaultTools {
		m := NewMock(ns, tools)
		r.RegisterMock(m)
		out[ns] = m
	}
	return out
}
