package slo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

const sampleTargets = `
slos:
  - name: run-success
    kind: success_rate
    objective: 0.9
    window: 7d
  - name: run-latency
    kind: latency_p95
    objective_ms: 400
    window: 30d
`

func writeTargets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	targets, err := Load(writeTargets(t, sampleTargets))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}
	if targets[0].Kind != KindSuccessRate || targets[0].Objective != 0.9 {
		t.Fatalf("targets[0] = %+v", targets[0])
	}
	if targets[1].ObjectiveMS != 400 {
		t.Fatalf("targets[1] = %+v", targets[1])
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	targets, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if targets != nil {
		t.Fatalf("targets = %+v, want nil", targets)
	}
}

func TestLoadRejections(t *testing.T) {
	cases := map[string]string{
		"unknown kind":  "slos:\n  - name: x\n    kind: uptime\n    objective: 0.9\n    window: 7d\n",
		"bad objective": "slos:\n  - name: x\n    kind: success_rate\n    objective: 1.5\n    window: 7d\n",
		"bad window":    "slos:\n  - name: x\n    kind: success_rate\n    objective: 0.9\n    window: 3w\n",
		"missing name":  "slos:\n  - kind: success_rate\n    objective: 0.9\n    window: 7d\n",
	}
	for label, content := range cases {
		if _, err := Load(writeTargets(t, content)); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func seedRun(t *testing.T, store *runs.Store, status string, latencyMS int64) {
	t.Helper()
	run, err := store.CreateRun("t1", "", "rb-1", runs.Metrics{LatencyMS: latencyMS})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetRunStatus(run.ID, runs.RunRunning); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRunStatus(run.ID, status); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluate(t *testing.T) {
	store, err := runs.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	// 9 fast successes and one slow failure: success rate 0.9,
	// p95 latency lands on the 900ms outlier.
	for i := 0; i < 9; i++ {
		seedRun(t, store, runs.RunSucceeded, 100)
	}
	seedRun(t, store, runs.RunFailed, 900)

	targets, err := Load(writeTargets(t, sampleTargets))
	if err != nil {
		t.Fatal(err)
	}
	statuses, err := Evaluate(store, "t1", targets, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}

	success := statuses[0]
	if success.Runs != 10 || success.Current != 0.9 || !success.Met {
		t.Fatalf("success status = %+v", success)
	}
	latency := statuses[1]
	if latency.CurrentMS != 900 || latency.Met {
		t.Fatalf("latency status = %+v", latency)
	}
}

func TestEvaluateNoTraffic(t *testing.T) {
	store, err := runs.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	targets, err := Load(writeTargets(t, sampleTargets))
	if err != nil {
		t.Fatal(err)
	}
	statuses, err := Evaluate(store, "t1", targets, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, status := range statuses {
		if !status.Met {
			t.Fatalf("idle tenant must meet %s: %+v", status.Target.Name, status)
		}
	}
}
