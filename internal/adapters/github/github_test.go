package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/praetor/internal/adapters"
)

func TestCreateIssue(t *testing.T) {
	var createBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/search/issues"):
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		case r.Method == "POST" && r.URL.Path == "/repos/acme/api/issues":
			json.NewDecoder(r.Body).Decode(&createBody)
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]any{"number": 42, "html_url": "http://x/42"})
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	a := New(srv.URL, "tok", time.Second, nil)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:           "github.create_issue",
		Input:          map[string]any{"repo": "acme/api", "title": "rollback follow-up"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["issue_number"] != 42 {
		t.Errorf("output = %v", resp.Output)
	}
	if body, _ := createBody["body"].(string); !strings.Contains(body, "praetor-idempotency:k1") {
		t.Errorf("idempotency marker missing: %v", createBody)
	}
}

func TestCreateIssueReplayFindsPriorIssue(t *testing.T) {
	created := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/search/issues"):
			json.NewEncoder(w).Encode(map[string]any{"items": []any{
				map[string]any{"number": 7, "html_url": "http://x/7"},
			}})
		default:
			created++
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]any{"number": 99})
		}
	}))
	defer srv.Close()

	a := New(srv.URL, "tok", time.Second, nil)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:           "github.create_issue",
		Input:          map[string]any{"repo": "acme/api", "title": "t"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output["issue_number"] != 7 || resp.Audit["replayed"] != true {
		t.Errorf("resp = %+v", resp)
	}
	if created != 0 {
		t.Error("created a duplicate issue")
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	a := New(srv.URL, "", time.Second, nil)
	resp, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:   "github.rollback_release",
		Input:  map[string]any{"repo": "acme/api", "to_tag": "v1.2.3"},
		DryRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if hits != 0 {
		t.Errorf("dry run made %d requests", hits)
	}
	if resp.Audit["dry_run"] != true {
		t.Errorf("audit = %v", resp.Audit)
	}
}

func TestTransientStatusRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	a := New(srv.URL, "", time.Second, nil)
	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "github.rollback_release",
		Input: map[string]any{"repo": "acme/api", "to_tag": "v1"},
	})
	if !adapters.IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}

func TestRevertUnmergedPRTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"merged": false})
	}))
	defer srv.Close()

	a := New(srv.URL, "", time.Second, nil)
	_, err := a.Invoke(context.Background(), adapters.ToolCall{
		Name:  "github.revert_pr",
		Input: map[string]any{"repo": "acme/api", "pr_number": 5},
	})
	if err == nil || adapters.IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}
