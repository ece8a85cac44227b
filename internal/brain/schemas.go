package brain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Stage output schema names.
const (
	plannerSchema    = "planner.json"
	toolcallerSchema = "toolcaller.json"
	reviewerSchema   = "reviewer.json"
)

var stageSchemas = map[string]string{
	plannerSchema: `{
		"type": "object",
		"required": ["steps"],
		"properties": {
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "tool"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"tool": {"type": "string", "minLength": 1},
						"args": {"type": "object"}
					}
				}
			}
		}
	}`,
	toolcallerSchema: `{
		"type": "object",
		"required": ["tool", "args", "confidence"],
		"properties": {
			"tool": {"type": "string", "minLength": 1},
			"args": {"type": "object"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"rationale": {"type": "string"}
		}
	}`,
	reviewerSchema: `{
		"type": "object",
		"required": ["decision"],
		"properties": {
			"decision": {"enum": ["allow", "block", "require_approval"]},
			"reasons": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
)

func validateOutput(name string, value any) error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled = make(map[string]*jsonschema.Schema, len(stageSchemas))
		for schemaName, source := range stageSchemas {
			if err := compiler.AddResource(schemaName, strings.NewReader(source)); err != nil {
				panic(fmt.Sprintf("brain: schema %s: %v", schemaName, err))
			}
		}
		for schemaName := range stageSchemas {
			compiled[schemaName] = compiler.MustCompile(schemaName)
		}
	})
	schema, ok := compiled[name]
	if !ok {
		return fmt.Errorf("unknown stage schema %q", name)
	}
	return schema.Validate(value)
}
