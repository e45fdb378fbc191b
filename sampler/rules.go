// Package sampler turns "records created" notifications into per-rule scoring
// jobs: it looks up the evaluator rules bound to each record's project, applies
// each rule's sampling rate, and publishes one self-contained job per
// (record, rule) pair onto the stream of that rule's evaluator type.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// RuleFinder looks up the enabled evaluator rules bound to a project.
type RuleFinder interface {
	FindApplicableRules(ctx context.Context, projectID uuid.UUID) ([]types.Rule, error)
}

// RuleFinderFunc adapts a function to the RuleFinder interface.
type RuleFinderFunc func(ctx context.Context, projectID uuid.UUID) ([]types.Rule, error)

func (f RuleFinderFunc) FindApplicableRules(ctx context.Context, projectID uuid.UUID) ([]types.Rule, error) {
	return f(ctx, projectID)
}

// HTTPRuleFinder fetches rules from the backend's automation-rule endpoint.
type HTTPRuleFinder struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRuleFinder creates a rule finder against the given base URL.
func NewHTTPRuleFinder(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRuleFinder {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRuleFinder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "rule-finder")),
	}
}

func (f *HTTPRuleFinder) FindApplicableRules(ctx context.Context, projectID uuid.UUID) ([]types.Rule, error) {
	url := fmt.Sprintf("%s/projects/%s/automation-rules", f.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rule lookup request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rule lookup for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rule lookup returned status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Rules []types.Rule `json:"rules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode rule lookup response: %w", err)
	}
	return payload.Rules, nil
}

var _ RuleFinder = (*HTTPRuleFinder)(nil)
