package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/extractor"
	"github.com/arbiterhq/arbiter/types"
)

// PythonRuntimeConfig configures the external evaluator runtime running
// user-defined Python metrics.
type PythonRuntimeConfig struct {
	// Evaluation endpoint of the runtime.
	URL string `yaml:"url" json:"url"`

	// Request timeout; metric execution can be slow.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PythonStrategy scores a record by resolving the rule's argument paths and
// handing the metric code plus resolved data to the external Python runtime.
type PythonStrategy struct {
	cfg      PythonRuntimeConfig
	client   *http.Client
	renderer *extractor.Renderer
	logger   *zap.Logger
}

// NewPythonStrategy creates the user-defined-metric strategy.
func NewPythonStrategy(cfg PythonRuntimeConfig, logger *zap.Logger) *PythonStrategy {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &PythonStrategy{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		renderer: extractor.NewRenderer(logger),
		logger:   logger.With(zap.String("component", "python-strategy")),
	}
}

func (s *PythonStrategy) Type() types.EvaluatorType { return types.EvaluatorPythonMetric }

type pythonRequest struct {
	Code string            `json:"code"`
	Data map[string]string `json:"data"`
}

type pythonResponse struct {
	Scores []struct {
		Name   string  `json:"name"`
		Value  float64 `json:"value"`
		Reason string  `json:"reason"`
	} `json:"scores"`
	Error string `json:"error"`
}

func (s *PythonStrategy) Evaluate(ctx context.Context, job *types.ScoringJob) ([]types.FeedbackScore, error) {
	code, err := types.DecodePythonCode(job.Code)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", job.RuleName, err)
	}

	// Arguments resolve through the same variable mechanism as judge prompts,
	// so metric authors receive valid reparsable JSON for structured values.
	data := s.renderer.Variables(&job.Record, code.Arguments)

	payload, err := json.Marshal(pythonRequest{Code: code.Metric, Data: data})
	if err != nil {
		return nil, fmt.Errorf("rule %s: marshal runtime request: %w", job.RuleName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rule %s: build runtime request: %w", job.RuleName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rule %s: evaluator runtime: %w", job.RuleName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("rule %s: read runtime response: %w", job.RuleName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rule %s: evaluator runtime returned status %d: %s", job.RuleName, resp.StatusCode, body)
	}

	var parsed pythonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("rule %s: decode runtime response: %w", job.RuleName, err)
	}
	if parsed.Error != "" {
		// The metric itself failed; a retry re-runs the same code on the same
		// data, so surface it as an empty result rather than an error.
		s.logger.Warn("user metric reported an error",
			zap.String("record_id", job.RecordID.String()),
			zap.String("rule_name", job.RuleName),
			zap.String("metric_error", parsed.Error),
		)
		return nil, nil
	}

	scores := make([]types.FeedbackScore, 0, len(parsed.Scores))
	for _, sc := range parsed.Scores {
		scores = append(scores, types.FeedbackScore{
			RecordID: job.RecordID,
			Name:     sc.Name,
			Value:    sc.Value,
			Reason:   sc.Reason,
			Source:   types.ScoreSourceOnlineScoring,
		})
	}
	return scores, nil
}

var _ Strategy = (*PythonStrategy)(nil)
