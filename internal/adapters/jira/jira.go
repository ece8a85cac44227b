// Package jira implements the jira.* tools against the Jira Cloud REST
// API (v2). Idempotency for create_issue is a JQL search on a label
// derived from the idempotency key.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
)

// Adapter calls a Jira instance with basic auth (email + API token).
type Adapter struct {
	baseURL string
	email   string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// New builds the adapter for a Jira base URL like https://acme.atlassian.net.
func New(baseURL, email, token string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		baseURL: baseURL,
		email:   email,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("jira"),
	}
}

func (a *Adapter) Namespace() string { return "jira" }

func (a *Adapter) Tools() []string {
	return []string{"jira.create_issue", "jira.transition_issue", "jira.comment_issue"}
}

func (a *Adapter) Invoke(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	switch call.Name {
	case "jira.create_issue":
		return a.createIssue(ctx, call)
	case "jira.transition_issue":
		return a.transitionIssue(ctx, call)
	case "jira.comment_issue":
		return a.commentIssue(ctx, call)
	}
	return nil, fmt.Errorf("%w: %q", adapters.ErrNotFound, call.Name)
}

func (a *Adapter) createIssue(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	project, _ := call.Input["project"].(string)
	summary, _ := call.Input["summary"].(string)
	description, _ := call.Input["description"].(string)
	issueType, _ := call.Input["issue_type"].(string)
	if project == "" || summary == "" {
		return nil, adapters.Terminal("jira.create_issue: project and summary required")
	}
	if issueType == "" {
		issueType = "Task"
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("create %s %q in %s", issueType, summary, project)), nil
	}

	var labels []string
	if call.IdempotencyKey != "" {
		label := "praetor-" + call.IdempotencyKey[:min(32, len(call.IdempotencyKey))]
		labels = []string{label}
		var found struct {
			Issues []struct {
				Key string `json:"key"`
			} `json:"issues"`
		}
		jql := url.QueryEscape(fmt.Sprintf(`project = %q AND labels = %q`, project, label))
		if err := a.do(ctx, http.MethodGet, "/rest/api/2/search?jql="+jql, nil, &found); err == nil && len(found.Issues) > 0 {
			return &adapters.Response{
				Output: map[string]any{"issue_key": found.Issues[0].Key},
				Audit:  map[string]any{"mode": "real", "replayed": true},
			}, nil
		}
	}

	var created struct {
		Key string `json:"key"`
	}
	fields := map[string]any{
		"project":   map[string]any{"key": project},
		"summary":   summary,
		"issuetype": map[string]any{"name": issueType},
	}
	if description != "" {
		fields["description"] = description
	}
	if len(labels) > 0 {
		fields["labels"] = labels
	}
	if err := a.do(ctx, http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"issue_key": created.Key},
		Audit:  map[string]any{"mode": "real", "project": project},
	}, nil
}

func (a *Adapter) transitionIssue(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	key, _ := call.Input["issue_key"].(string)
	transition, _ := call.Input["transition"].(string)
	if key == "" || transition == "" {
		return nil, adapters.Terminal("jira.transition_issue: issue_key and transition required")
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("transition %s to %q", key, transition)), nil
	}

	// Resolve the transition name to its id.
	var available struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	if err := a.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/transitions", nil, &available); err != nil {
		return nil, err
	}
	id := ""
	for _, tr := range available.Transitions {
		if tr.Name == transition {
			id = tr.ID
			break
		}
	}
	if id == "" {
		// Replays land here once the issue has already moved.
		return &adapters.Response{
			Output: map[string]any{"issue_key": key, "transition": transition, "already_applied": true},
			Audit:  map[string]any{"mode": "real", "replayed": true},
		}, nil
	}
	if err := a.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/transitions",
		map[string]any{"transition": map[string]any{"id": id}}, nil); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"issue_key": key, "transition": transition},
		Audit:  map[string]any{"mode": "real"},
	}, nil
}

func (a *Adapter) commentIssue(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	key, _ := call.Input["issue_key"].(string)
	body, _ := call.Input["body"].(string)
	if key == "" || body == "" {
		return nil, adapters.Terminal("jira.comment_issue: issue_key and body required")
	}
	if call.DryRun {
		return planned(call, "comment on "+key), nil
	}
	var comment struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment",
		map[string]any{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"issue_key": key, "comment_id": comment.ID},
		Audit:  map[string]any{"mode": "real"},
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return adapters.Terminal("jira: encode request: %v", err)
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return adapters.Terminal("jira: build request: %v", err)
	}
	req.SetBasicAuth(a.email, a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapters.Transient("jira: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return adapters.FromStatus(resp.StatusCode, "jira: %s %s: %d %s", method, path, resp.StatusCode, raw)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return adapters.Terminal("jira: decode response: %v", err)
		}
	}
	return nil
}

func planned(call adapters.ToolCall, description string) *adapters.Response {
	return &adapters.Response{
		Output: map[string]any{"dry_run": true},
		Audit: map[string]any{
			"mode":    "real",
			"dry_run": true,
			"planned": []any{map[string]any{"tool": call.Name, "description": description, "input": call.Input}},
		},
	}
}
