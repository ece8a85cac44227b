// Package github implements the github.* tools against the REST API.
package github

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

const defaultBaseURL = "https://api.github.com"

// Adapter calls the GitHub REST API. Idempotency for create_issue is
// search-before-create on a marker embedded in the body.
type Adapter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// New builds the adapter. baseURL empty means api.github.com.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("github"),
	}
}

func (a *Adapter) Namespace() string { return "github" }

func (a *Adapter) Tools() []string {
	return []string{"github.rollback_release", "github.revert_pr", "github.create_issue"}
}

func (a *Adapter) Invoke(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	switch call.Name {
	case "github.rollback_release":
		return a.rollbackRelease(ctx, call)
	case "github.revert_pr":
		return a.revertPR(ctx, call)
	case "github.create_issue":
		return a.createIssue(ctx, call)
	}
	return nil, fmt.Errorf("%w: %q", adapters.ErrNotFound, call.Name)
}

func (a *Adapter) rollbackRelease(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	repo, _ := call.Input["repo"].(string)
	toTag, _ := call.Input["to_tag"].(string)
	if repo == "" || toTag == "" {
		return nil, adapters.Terminal("github.rollback_release: repo and to_tag required")
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("create release marking %s as latest on %s", toTag, repo)), nil
	}

	// Verify the target tag exists before touching anything.
	var release struct {
		ID int64 `json:"id"`
	}
	if err := a.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/releases/tags/%s", repo, url.PathEscape(toTag)), nil, &release); err != nil {
		return nil, err
	}
	var updated struct {
		ID      int64  `json:"id"`
		HTMLURL string `json:"html_url"`
	}
	if err := a.do(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/releases/%d", repo, release.ID),
		map[string]any{"make_latest": "true"}, &updated); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"rolled_back_to": toTag, "release_id": updated.ID, "url": updated.HTMLURL},
		Audit:  map[string]any{"mode": "real", "repo": repo, "to_tag": toTag},
	}, nil
}

func (a *Adapter) revertPR(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	repo, _ := call.Input["repo"].(string)
	prNumber := asInt(call.Input["pr_number"])
	if repo == "" || prNumber <= 0 {
		return nil, adapters.Terminal("github.revert_pr: repo and pr_number required")
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("open revert PR for #%d on %s", prNumber, repo)), nil
	}

	var pr struct {
		MergeCommitSHA string `json:"merge_commit_sha"`
		Merged         bool   `json:"merged"`
		Base           struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}
	if err := a.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/pulls/%d", repo, prNumber), nil, &pr); err != nil {
		return nil, err
	}
	if !pr.Merged {
		return nil, adapters.Terminal("github.revert_pr: #%d is not merged", prNumber)
	}
	var revert struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/pulls", repo),
		map[string]any{
			"title": fmt.Sprintf("Revert #%d", prNumber),
			"head":  "revert-" + pr.MergeCommitSHA[:8],
			"base":  pr.Base.Ref,
			"body":  fmt.Sprintf("Automated revert of #%d", prNumber),
		}, &revert); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"revert_pr_number": revert.Number, "url": revert.HTMLURL},
		Audit:  map[string]any{"mode": "real", "repo": repo, "reverted": prNumber},
	}, nil
}

func (a *Adapter) createIssue(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	repo, _ := call.Input["repo"].(string)
	title, _ := call.Input["title"].(string)
	body, _ := call.Input["body"].(string)
	if repo == "" || title == "" {
		return nil, adapters.Terminal("github.create_issue: repo and title required")
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("create issue %q on %s", title, repo)), nil
	}

	marker := ""
	if call.IdempotencyKey != "" {
		marker = "praetor-idempotency:" + call.IdempotencyKey
		// Search before create: a replay finds the prior issue.
		var found struct {
			Items []struct {
				Number  int    `json:"number"`
				HTMLURL string `json:"html_url"`
			} `json:"items"`
		}
		q := url.QueryEscape(fmt.Sprintf("%q repo:%s in:body", marker, repo))
		if err := a.do(ctx, http.MethodGet, "/search/issues?q="+q, nil, &found); err == nil && len(found.Items) > 0 {
			return &adapters.Response{
				Output: map[string]any{"issue_number": found.Items[0].Number, "url": found.Items[0].HTMLURL},
				Audit:  map[string]any{"mode": "real", "replayed": true},
			}, nil
		}
		body += "\n\n<!-- " + marker + " -->"
	}

	var issue struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := a.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues", repo),
		map[string]any{"title": title, "body": body}, &issue); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"issue_number": issue.Number, "url": issue.HTMLURL},
		Audit:  map[string]any{"mode": "real", "repo": repo},
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return adapters.Terminal("github: encode request: %v", err)
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return adapters.Terminal("github: build request: %v", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapters.Transient("github: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return adapters.FromStatus(resp.StatusCode, "github: %s %s: %d %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return adapters.Terminal("github: decode response: %v", err)
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

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
