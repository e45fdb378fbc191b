// Package schema converts an evaluator's declared score fields into a JSON
// schema for structured LLM output and parses the model's reply back into
// typed feedback scores.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/types"
)

const (
	scoreKey  = "score"
	reasonKey = "reason"
)

// Build emits a JSON schema for the declared output fields. Every field maps
// to an object property requiring exactly a typed "score" and a string
// "reason"; the root object requires every field by name. An unknown field
// type is a configuration error surfaced at build time, before any job runs.
func Build(fields []types.OutputField) (json.RawMessage, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema: no output fields declared")
	}

	properties := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, field := range fields {
		scoreType, err := jsonType(field.Type)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", field.Name, err)
		}
		properties[field.Name] = map[string]any{
			"type":        "object",
			"description": field.Description,
			"properties": map[string]any{
				scoreKey:  map[string]any{"type": scoreType},
				reasonKey: map[string]any{"type": "string"},
			},
			"required":             []string{scoreKey, reasonKey},
			"additionalProperties": false,
		}
		required = append(required, field.Name)
	}

	root := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// Instructions renders plain-text formatting instructions for providers
// without structured-output support.
func Instructions(fields []types.OutputField) string {
	var b strings.Builder
	b.WriteString("Respond with a JSON object only, no prose and no code fences. ")
	b.WriteString("The object must contain exactly the following keys, each mapping to an object ")
	b.WriteString(`with a "score" and a string "reason":`)
	b.WriteString("\n")
	for _, field := range fields {
		fmt.Fprintf(&b, "- %q: score is %s", field.Name, describeType(field.Type))
		if field.Description != "" {
			fmt.Fprintf(&b, " (%s)", field.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func jsonType(t types.FieldType) (string, error) {
	switch t {
	case types.FieldInteger:
		return "integer", nil
	case types.FieldDouble:
		return "number", nil
	case types.FieldBoolean:
		return "boolean", nil
	default:
		return "", fmt.Errorf("unknown field type %q", t)
	}
}

func describeType(t types.FieldType) string {
	switch t {
	case types.FieldInteger:
		return "an integer"
	case types.FieldDouble:
		return "a number"
	case types.FieldBoolean:
		return "a boolean"
	default:
		return "a value"
	}
}
