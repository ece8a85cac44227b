// Package runbook stores and parses declarative runbooks: ordered tool
// invocations with optional approval gates and compensation steps.
package runbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the parsed form of a runbook's source text.
type Document struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is one declared tool invocation.
type Step struct {
	Name             string         `yaml:"name" json:"name"`
	Tool             string         `yaml:"tool" json:"tool"`
	Input            map[string]any `yaml:"input" json:"input"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	RequiredRoles    []string       `yaml:"required_roles,omitempty" json:"required_roles,omitempty"`
	Compensate       *Compensation  `yaml:"compensate,omitempty" json:"compensate,omitempty"`
}

// Compensation undoes a failed step's partial effects.
type Compensation struct {
	Tool  string         `yaml:"tool" json:"tool"`
	Input map[string]any `yaml:"input" json:"input"`
}

// Parse decodes and validates runbook source text.
func Parse(source string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return nil, fmt.Errorf("runbook source: %w", err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("runbook has no steps")
	}
	seen := map[string]bool{}
	for i, step := range doc.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return nil, fmt.Errorf("step %d: name required", i)
		}
		if seen[step.Name] {
			return nil, fmt.Errorf("step %d: duplicate name %q", i, step.Name)
		}
		seen[step.Name] = true
		if !strings.Contains(step.Tool, ".") {
			return nil, fmt.Errorf("step %q: tool must be namespace.operation, got %q", step.Name, step.Tool)
		}
		if step.Compensate != nil && !strings.Contains(step.Compensate.Tool, ".") {
			return nil, fmt.Errorf("step %q: compensation tool must be namespace.operation", step.Name)
		}
	}
	return &doc, nil
}
