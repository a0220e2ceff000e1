// Package executoraction validates a domain.ExecutorAction tree against a
// JSON Schema before it is persisted or chained onto a running execution
// process: compile once on first use, validate decoded JSON against the
// compiled schema rather than hand-rolling a walk of the Go struct.
package executoraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskattempts/core/internal/domain"
)

// schemaJSON describes the tagged-variant wire shape wireExecutorAction
// serializes to: a recursive chain of {type, initial?, follow_up?, script?,
// next_action?} nodes, each leaf payload required exactly when its tag
// names it.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "executor_action.json",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["CodingAgentInitialRequest", "CodingAgentFollowUpRequest", "ScriptRequest"]
    },
    "initial": {
      "type": "object",
      "required": ["prompt", "executor_profile_id"],
      "properties": {
        "prompt": {"type": "string", "minLength": 1},
        "executor_profile_id": {"type": "string", "minLength": 1}
      }
    },
    "follow_up": {
      "type": "object",
      "required": ["prompt", "session_id", "executor_profile_id"],
      "properties": {
        "prompt": {"type": "string", "minLength": 1},
        "session_id": {"type": "string", "minLength": 1},
        "executor_profile_id": {"type": "string", "minLength": 1}
      }
    },
    "script": {
      "type": "object",
      "required": ["script", "language", "context"],
      "properties": {
        "script": {"type": "string", "minLength": 1},
        "language": {"type": "string", "minLength": 1},
        "context": {"enum": ["setup", "cleanup"]}
      }
    },
    "next_action": {"$ref": "executor_action.json"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "CodingAgentInitialRequest"}}},
      "then": {"required": ["initial"]}
    },
    {
      "if": {"properties": {"type": {"const": "CodingAgentFollowUpRequest"}}},
      "then": {"required": ["follow_up"]}
    },
    {
      "if": {"properties": {"type": {"const": "ScriptRequest"}}},
      "then": {"required": ["script"]}
    }
  ]
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("executor_action.json", strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("compile executor_action schema: %w", err)
			return
		}
		s, err := c.Compile("executor_action.json")
		if err != nil {
			compileErr = fmt.Errorf("compile executor_action schema: %w", err)
			return
		}
		compiled = s
	})
	return compiled, compileErr
}

// Validate re-marshals action to its wire JSON shape and validates it
// against the schema, catching malformed or cyclic-looking shapes before
// the action is persisted or chained.
func Validate(action domain.ExecutorAction) error {
	s, err := schema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal executor action: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode executor action for validation: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
