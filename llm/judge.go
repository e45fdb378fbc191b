// Package llm provides the judge-model invocation layer for online scoring.
// The pipeline depends only on the Judge interface; the OpenAI-compatible
// implementation covers any provider speaking the chat-completions dialect.
package llm

import (
	"context"
	"encoding/json"

	"github.com/arbiterhq/arbiter/types"
)

// Request is one judge invocation: rendered messages plus, in structured-output
// mode, the JSON schema the reply must conform to. A nil schema means the
// formatting contract travels inside the messages instead (instruction mode).
type Request struct {
	Model       string
	Temperature float64
	Messages    []types.PromptMessage
	Schema      json.RawMessage
}

// Judge invokes an LLM and returns the raw reply text.
type Judge interface {
	Invoke(ctx context.Context, req Request) (string, error)
}
