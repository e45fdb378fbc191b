// Package sink defines the feedback-score persistence contract. The scorer
// treats the sink as an external collaborator: it awaits acceptance of each
// batch before acknowledging the stream entry, so a sink failure surfaces as a
// processing failure and the entry is retried.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// FeedbackScoreSink accepts score batches for persistence.
type FeedbackScoreSink interface {
	AcceptBatch(ctx context.Context, workspaceID string, batch []types.FeedbackScore) error
}

// Config configures the HTTP sink.
type Config struct {
	// Endpoint receiving score batches.
	URL string `yaml:"url" json:"url"`

	// Request timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPSink posts score batches to the backend's feedback-score endpoint.
type HTTPSink struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSink creates the sink client.
func NewHTTPSink(cfg Config, logger *zap.Logger) *HTTPSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "score-sink")),
	}
}

type batchRequest struct {
	Scores []types.FeedbackScore `json:"scores"`
}

// AcceptBatch submits the batch and returns once the backend has accepted it.
func (s *HTTPSink) AcceptBatch(ctx context.Context, workspaceID string, batch []types.FeedbackScore) error {
	if len(batch) == 0 {
		return nil
	}

	payload, err := json.Marshal(batchRequest{Scores: batch})
	if err != nil {
		return fmt.Errorf("marshal score batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build score batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Workspace-Id", workspaceID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit score batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("score sink returned status %d: %s", resp.StatusCode, body)
	}

	s.logger.Debug("score batch accepted",
		zap.String("workspace_id", workspaceID),
		zap.Int("scores", len(batch)),
	)
	return nil
}

var _ FeedbackScoreSink = (*HTTPSink)(nil)
