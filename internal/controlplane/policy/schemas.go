package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON schemas for tool inputs. A tool with
// no registered schema passes the schema gate unconditionally.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry preloaded with the built-in tool
// input schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
	for tool, src := range builtinSchemas {
		if err := r.Register(tool, src); err != nil {
			// Built-ins are static; a failure here is a programming error.
			panic(fmt.Sprintf("builtin schema %s: %v", tool, err))
		}
	}
	return r
}

// Register compiles and stores a schema for a tool, replacing any prior one.
func (r *SchemaRegistry) Register(tool, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(tool+".json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(tool + ".json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	r.mu.Lock()
	r.schemas[tool] = schema
	r.mu.Unlock()
	return nil
}

// Check validates input against the tool's schema, returning every
// violation. No schema means no violations.
func (r *SchemaRegistry) Check(tool string, input map[string]any) []string {
	r.mu.RLock()
	schema := r.schemas[tool]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	doc := map[string]any{}
	for k, v := range input {
		doc[k] = v
	}
	err := schema.Validate(any(doc))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	collectCauses(ve, &out)
	if len(out) == 0 {
		out = append(out, ve.Message)
	}
	return out
}

func collectCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collectCauses(c, out)
	}
}

// builtinSchemas cover the shipped adapter tools. Inputs not listed in
// "properties" are allowed so runbooks can pass extra hints through.
var builtinSchemas = map[string]string{
	"k8s.drain_node": `{
		"type": "object",
		"properties": {
			"node": {"type": "string", "minLength": 1},
			"namespace": {"type": "string"},
			"grace_period_seconds": {"type": "integer", "minimum": 0}
		},
		"required": ["node"]
	}`,
	"k8s.cordon_node": `{
		"type": "object",
		"properties": {"node": {"type": "string", "minLength": 1}},
		"required": ["node"]
	}`,
	"k8s.uncordon_node": `{
		"type": "object",
		"properties": {"node": {"type": "string", "minLength": 1}},
		"required": ["node"]
	}`,
	"k8s.restart_deployment": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"namespace": {"type": "string", "minLength": 1}
		},
		"required": ["name", "namespace"]
	}`,
	"pagerduty.ack": `{
		"type": "object",
		"properties": {"id": {"type": "string", "minLength": 1}},
		"required": ["id"]
	}`,
	"pagerduty.resolve": `{
		"type": "object",
		"properties": {"id": {"type": "string", "minLength": 1}},
		"required": ["id"]
	}`,
	"pagerduty.create_incident": `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"service_id": {"type": "string"},
			"urgency": {"type": "string", "enum": ["high", "low"]}
		},
		"required": ["title"]
	}`,
	"github.rollback_release": `{
		"type": "object",
		"properties": {
			"repo": {"type": "string", "minLength": 1},
			"to_tag": {"type": "string", "minLength": 1}
		},
		"required": ["repo", "to_tag"]
	}`,
	"github.revert_pr": `{
		"type": "object",
		"properties": {
			"repo": {"type": "string", "minLength": 1},
			"pr_number": {"type": "integer", "minimum": 1}
		},
		"required": ["repo", "pr_number"]
	}`,
	"github.create_issue": `{
		"type": "object",
		"properties": {
			"repo": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		},
		"required": ["repo", "title"]
	}`,
	"jira.create_issue": `{
		"type": "object",
		"properties": {
			"project": {"type": "string", "minLength": 1},
			"summary": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"issue_type": {"type": "string"}
		},
		"required": ["project", "summary"]
	}`,
	"jira.transition_issue": `{
		"type": "object",
		"properties": {
			"issue_key": {"type": "string", "minLength": 1},
			"transition": {"type": "string", "minLength": 1}
		},
		"required": ["issue_key", "transition"]
	}`,
	"jira.comment_issue": `{
		"type": "object",
		"properties": {
			"issue_key": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1}
		},
		"required": ["issue_key", "body"]
	}`,
	"sql.query": `{
		"type": "object",
		"properties": {
			"dsn": {"type": "string"},
			"alias": {"type": "string"},
			"query": {"type": "string", "minLength": 1},
			"args": {"type": "array"}
		},
		"required": ["query"]
	}`,
}
