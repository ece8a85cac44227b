package incidents

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

func testStores(t *testing.T) (*Store, *runs.Store) {
	t.Helper()
	dir := t.TempDir()
	runStore, err := runs.Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("open runs: %v", err)
	}
	t.Cleanup(func() { runStore.Close() })
	store, err := Open(filepath.Join(dir, "incidents.db"), runStore, nil)
	if err != nil {
		t.Fatalf("open incidents: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, runStore
}

func seedStep(t *testing.T, store *runs.Store, runID, name, tool, status string, output map[string]any) {
	t.Helper()
	step, err := store.CreateStep(runID, name, tool, nil)
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if err := store.UpdateStep(step.ID, runs.StepUpdate{Status: status, Output: output}); err != nil {
		t.Fatalf("update step: %v", err)
	}
}

func TestRecordFromRunLinksTickets(t *testing.T) {
	store, runStore := testStores(t)
	run, err := runStore.CreateRun("t1", "", "rb-1", runs.Metrics{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	seedStep(t, runStore, run.ID, "ack", "pagerduty.ack", runs.StepSucceeded,
		map[string]any{"incident_id": "PD-42", "status": "acknowledged"})
	seedStep(t, runStore, run.ID, "ticket", "jira.create_issue", runs.StepSucceeded,
		map[string]any{"issue_key": "OPS-7"})

	link, err := store.RecordFromRun("t1", run.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if link == nil {
		t.Fatal("expected a link")
	}
	if link.PDIncidentID != "PD-42" || link.JiraIssueKey != "OPS-7" {
		t.Fatalf("link = %+v", link)
	}

	got, err := store.GetByRun("t1", run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PDIncidentID != "PD-42" || got.JiraIssueKey != "OPS-7" {
		t.Fatalf("stored link = %+v", got)
	}
}

func TestRecordIgnoresFailedSteps(t *testing.T) {
	store, runStore := testStores(t)
	run, err := runStore.CreateRun("t1", "", "rb-1", runs.Metrics{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	seedStep(t, runStore, run.ID, "ack", "pagerduty.ack", runs.StepFailed,
		map[string]any{"incident_id": "PD-42"})

	link, err := store.RecordFromRun("t1", run.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if link != nil {
		t.Fatalf("failed steps must not link: %+v", link)
	}
	if _, err := store.GetByRun("t1", run.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", err)
	}
}

func TestRecordIsIdempotentPerRun(t *testing.T) {
	store, runStore := testStores(t)
	run, err := runStore.CreateRun("t1", "", "rb-1", runs.Metrics{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	seedStep(t, runStore, run.ID, "ack", "pagerduty.ack", runs.StepSucceeded,
		map[string]any{"incident_id": "PD-1"})

	if _, err := store.RecordFromRun("t1", run.ID); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := store.RecordFromRun("t1", run.ID); err != nil {
		t.Fatalf("second record: %v", err)
	}
	list, err := store.List("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}

func TestListScopedByTenant(t *testing.T) {
	store, runStore := testStores(t)
	for _, tenant := range []string{"t1", "t2"} {
		run, err := runStore.CreateRun(tenant, "", "rb-1", runs.Metrics{})
		if err != nil {
			t.Fatalf("create run: %v", err)
		}
		seedStep(t, runStore, run.ID, "ack", "pagerduty.ack", runs.StepSucceeded,
			map[string]any{"incident_id": "PD-" + tenant})
		if _, err := store.RecordFromRun(tenant, run.ID); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	list, err := store.List("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].PDIncidentID != "PD-t1" {
		t.Fatalf("list = %+v", list)
	}
}
