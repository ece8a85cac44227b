// Package slo evaluates service level objectives against the run
// history. Targets come from a YAML file loaded at startup.
package slo

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// Target kinds.
const (
	KindSuccessRate = "success_rate"
	KindLatencyP95  = "latency_p95"
)

// Target is one objective from the targets file.
type Target struct {
	Name        string  `yaml:"name" json:"name"`
	Kind        string  `yaml:"kind" json:"kind"`
	Objective   float64 `yaml:"objective,omitempty" json:"objective,omitempty"`
	ObjectiveMS int64   `yaml:"objective_ms,omitempty" json:"objective_ms,omitempty"`
	Window      string  `yaml:"window" json:"window"`
}

type targetsFile struct {
	SLOs []Target `yaml:"slos"`
}

// Status is one evaluated objective.
type Status struct {
	Target    Target  `json:"target"`
	CurrentMS int64   `json:"current_ms,omitempty"`
	Current   float64 `json:"current,omitempty"`
	Runs      int     `json:"runs"`
	Met       bool    `json:"met"`
}

// Load reads a targets file. A missing path yields no targets, not an
// error, so deployments without SLOs stay functional.
func Load(path string) ([]Target, error) {
	if path == "" {
		return nil, nil
	}
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("slo: read %s: %w", path, err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("slo: parse %s: %w", path, err)
	}
	for i, target := range f.SLOs {
		if err := validate(target); err != nil {
			return nil, fmt.Errorf("slo: target %d: %w", i, err)
		}
	}
	return f.SLOs, nil
}

func validate(t Target) error {
	if t.Name == "" {
		return fmt.Errorf("name required")
	}
	switch t.Kind {
	case KindSuccessRate:
		if t.Objective <= 0 || t.Objective > 1 {
			return fmt.Errorf("%s: objective must be in (0, 1]", t.Name)
		}
	case KindLatencyP95:
		if t.ObjectiveMS <= 0 {
			return fmt.Errorf("%s: objective_ms must be positive", t.Name)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", t.Name, t.Kind)
	}
	if _, err := parseWindow(t.Window); err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	return nil
}

func parseWindow(s string) (time.Duration, error) {
	switch s {
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	case "90d":
		return 90 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown window %q", s)
}

// Evaluate scores every target against the tenant's finished runs.
func Evaluate(store *runs.Store, tenantID string, targets []Target, now time.Time) ([]Status, error) {
	out := make([]Status, 0, len(targets))
	for _, target := range targets {
		window, err := parseWindow(target.Window)
		if err != nil {
			return nil, fmt.Errorf("slo: %s: %w", target.Name, err)
		}
		list, err := store.ListRunsBetween(tenantID, now.Add(-window), now)
		if err != nil {
			return nil, fmt.Errorf("slo: %s: %w", target.Name, err)
		}
		out = append(out, score(target, list))
	}
	return out, nil
}

func score(target Target, list []*runs.Run) Status {
	status := Status{Target: target}
	var finished, succeeded int
	var latencies []int64
	for _, run := range list {
		if !runs.RunTerminal(run.Status) {
			continue
		}
		finished++
		if run.Status == runs.RunSucceeded {
			succeeded++
		}
		latencies = append(latencies, run.Metrics.LatencyMS)
	}
	status.Runs = finished

	switch target.Kind {
	case KindSuccessRate:
		if finished == 0 {
			// No traffic means no violation.
			status.Current = 1
			status.Met = true
			return status
		}
		status.Current = float64(succeeded) / float64(finished)
		status.Met = status.Current >= target.Objective
	case KindLatencyP95:
		if finished == 0 {
			status.Met = true
			return status
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		idx := (95*len(latencies) + 99) / 100
		if idx > 0 {
			idx--
		}
		status.CurrentMS = latencies[idx]
		status.Met = status.CurrentMS <= target.ObjectiveMS
	}
	return status
}
