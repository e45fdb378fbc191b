package types

import (
	"encoding/json"
	"fmt"
)

// Role represents the role of a prompt message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartType distinguishes the kinds of parts a multimodal message may carry.
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
	PartVideoURL ContentPartType = "video_url"
)

// ContentPart is one typed segment of a multimodal prompt message.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	URL  string          `json:"url,omitempty"`
}

// PromptMessage is one templated message of an evaluator prompt. Content is either
// a plain string or an ordered list of content parts; exactly one is set.
type PromptMessage struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// FieldType is the declared type of a structured-output score field.
type FieldType string

const (
	FieldInteger FieldType = "INTEGER"
	FieldDouble  FieldType = "DOUBLE"
	FieldBoolean FieldType = "BOOLEAN"
)

// Valid reports whether t is a known score field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldInteger, FieldDouble, FieldBoolean:
		return true
	}
	return false
}

// OutputField declares one named score the LLM judge must emit.
type OutputField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// JudgeCode is the evaluator definition for an LLM-as-judge rule.
type JudgeCode struct {
	Model     ModelParams       `json:"model"`
	Messages  []PromptMessage   `json:"messages"`
	Variables map[string]string `json:"variables,omitempty"`
	Schema    []OutputField     `json:"schema"`
}

// ModelParams selects the judge model and its sampling parameters.
type ModelParams struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature,omitempty"`
}

// PythonCode is the evaluator definition for a user-defined Python metric rule.
type PythonCode struct {
	Metric    string            `json:"metric"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// DecodeJudgeCode parses and validates an LLM-as-judge evaluator definition.
func DecodeJudgeCode(raw json.RawMessage) (*JudgeCode, error) {
	var code JudgeCode
	if err := json.Unmarshal(raw, &code); err != nil {
		return nil, fmt.Errorf("decode judge code: %w", err)
	}
	if len(code.Messages) == 0 {
		return nil, fmt.Errorf("judge code has no messages")
	}
	if len(code.Schema) == 0 {
		return nil, fmt.Errorf("judge code has no output schema")
	}
	for _, f := range code.Schema {
		if f.Name == "" {
			return nil, fmt.Errorf("judge code schema field with empty name")
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("judge code schema field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return &code, nil
}

// DecodePythonCode parses and validates a Python metric evaluator definition.
func DecodePythonCode(raw json.RawMessage) (*PythonCode, error) {
	var code PythonCode
	if err := json.Unmarshal(raw, &code); err != nil {
		return nil, fmt.Errorf("decode python code: %w", err)
	}
	if code.Metric == "" {
		return nil, fmt.Errorf("python code has empty metric")
	}
	return &code, nil
}
