// Package scorer drives scoring jobs from stream entry to persisted scores.
// One Scorer instance serves one evaluator type; the type-specific behavior
// lives in a Strategy value (render, invoke, parse) rather than a type
// hierarchy.
package scorer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/extractor"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/schema"
	"github.com/arbiterhq/arbiter/types"
)

// Strategy evaluates one scoring job into feedback scores.
//
// An error return means the attempt failed and the entry should be retried.
// A nil error with zero scores means the evaluation ran but produced nothing
// usable (typically a malformed LLM reply); the entry is acknowledged since
// repeating the same prompt is unlikely to help and would waste quota.
type Strategy interface {
	Type() types.EvaluatorType
	Evaluate(ctx context.Context, job *types.ScoringJob) ([]types.FeedbackScore, error)
}

// OutputMode selects how the formatting contract reaches the judge.
type OutputMode string

const (
	// ModeStructured enforces the schema through the provider's structured
	// output support.
	ModeStructured OutputMode = "structured"

	// ModeInstruction appends plain-text formatting instructions for
	// providers without structured output.
	ModeInstruction OutputMode = "instruction"
)

// JudgeStrategy scores a record by rendering the rule's prompt, invoking the
// judge model, and parsing the structured reply.
type JudgeStrategy struct {
	judge     llm.Judge
	renderer  *extractor.Renderer
	mode      OutputMode
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewJudgeStrategy creates the LLM-as-judge strategy.
func NewJudgeStrategy(judge llm.Judge, mode OutputMode, logger *zap.Logger, collector *metrics.Collector) *JudgeStrategy {
	if mode == "" {
		mode = ModeStructured
	}
	return &JudgeStrategy{
		judge:     judge,
		renderer:  extractor.NewRenderer(logger),
		mode:      mode,
		logger:    logger.With(zap.String("component", "judge-strategy")),
		collector: collector,
	}
}

func (s *JudgeStrategy) Type() types.EvaluatorType { return types.EvaluatorLLMAsJudge }

func (s *JudgeStrategy) Evaluate(ctx context.Context, job *types.ScoringJob) ([]types.FeedbackScore, error) {
	code, err := types.DecodeJudgeCode(job.Code)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", job.RuleName, err)
	}

	messages := s.renderer.RenderMessages(&job.Record, code.Messages, code.Variables)

	req := llm.Request{
		Model:       code.Model.Name,
		Temperature: code.Model.Temperature,
		Messages:    messages,
	}
	switch s.mode {
	case ModeStructured:
		built, err := schema.Build(code.Schema)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", job.RuleName, err)
		}
		req.Schema = built
	case ModeInstruction:
		req.Messages = append(req.Messages, types.PromptMessage{
			Role:    types.RoleUser,
			Content: schema.Instructions(code.Schema),
		})
	default:
		return nil, fmt.Errorf("rule %s: unknown output mode %q", job.RuleName, s.mode)
	}

	start := time.Now()
	reply, err := s.judge.Invoke(ctx, req)
	if s.collector != nil {
		s.collector.JudgeInvoked(code.Model.Name, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("rule %s: judge invocation: %w", job.RuleName, err)
	}

	scores := schema.ParseReply(job.RecordID, reply, code.Schema)
	if len(scores) == 0 {
		s.logger.Warn("judge reply yielded no scores",
			zap.String("record_id", job.RecordID.String()),
			zap.String("rule_name", job.RuleName),
			zap.String("model", code.Model.Name),
		)
	}
	return scores, nil
}

var _ Strategy = (*JudgeStrategy)(nil)
