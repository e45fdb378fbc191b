package scorer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/sink"
	"github.com/arbiterhq/arbiter/stream"
	"github.com/arbiterhq/arbiter/types"
	"github.com/arbiterhq/arbiter/userlog"
)

// Scorer consumes scoring jobs from one evaluator-type stream, runs them
// through its strategy, and submits the resulting scores to the sink. Sink
// acceptance is awaited before the entry is acknowledged, so a sink failure
// leaves the entry pending for retry.
type Scorer struct {
	strategy  Strategy
	sink      sink.FeedbackScoreSink
	userLog   userlog.Logger
	logger    *zap.Logger
	collector *metrics.Collector
	sub       *stream.Subscriber
}

// New creates a scorer over the given evaluator-type stream.
func New(
	cfg stream.Config,
	client redis.UniversalClient,
	strategy Strategy,
	scoreSink sink.FeedbackScoreSink,
	userLog userlog.Logger,
	logger *zap.Logger,
	collector *metrics.Collector,
) (*Scorer, error) {
	if strategy == nil {
		return nil, fmt.Errorf("scorer: strategy is required")
	}
	if scoreSink == nil {
		return nil, fmt.Errorf("scorer: score sink is required")
	}

	s := &Scorer{
		strategy: strategy,
		sink:     scoreSink,
		userLog:  userLog,
		logger: logger.With(
			zap.String("component", "scorer"),
			zap.String("evaluator_type", string(strategy.Type())),
		),
		collector: collector,
	}

	handler := stream.DecodeHandler(stream.JSONCodec{}, s.handle)
	sub, err := stream.NewSubscriber(cfg, client, handler, logger, collector)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Start begins consuming scoring jobs.
func (s *Scorer) Start(ctx context.Context) error { return s.sub.Start(ctx) }

// Stop stops consuming, letting in-flight jobs finish.
func (s *Scorer) Stop(ctx context.Context) error { return s.sub.Stop(ctx) }

// Processed returns the number of acknowledged job entries.
func (s *Scorer) Processed() int64 { return s.sub.Processed() }

// Failed returns the number of failed job attempts.
func (s *Scorer) Failed() int64 { return s.sub.Failed() }

// handle drives one job: evaluate, then persist. Evaluation and sink errors
// propagate so the entry follows the pending/claim retry policy; an evaluation
// that completes with zero scores is acknowledged, since re-running the same
// prompt on the same record cannot produce a different structure.
func (s *Scorer) handle(ctx context.Context, msg stream.Message, job *types.ScoringJob) error {
	if job == nil {
		// Empty payloads carry nothing to retry; drop them visibly.
		s.logger.Warn("entry without job payload", zap.String("entry_id", msg.ID))
		return nil
	}

	scores, err := s.strategy.Evaluate(ctx, job)
	if err != nil {
		s.userLog.Log(ctx, userlog.LevelError, job.RuleID, job.RuleName, job.RecordID,
			fmt.Sprintf("rule %q failed to score record %s: %v", job.RuleName, job.RecordID, err))
		return err
	}
	if len(scores) == 0 {
		s.userLog.Log(ctx, userlog.LevelWarn, job.RuleID, job.RuleName, job.RecordID,
			fmt.Sprintf("rule %q produced no scores for record %s", job.RuleName, job.RecordID))
		return nil
	}

	if err := s.sink.AcceptBatch(ctx, job.WorkspaceID, scores); err != nil {
		s.userLog.Log(ctx, userlog.LevelError, job.RuleID, job.RuleName, job.RecordID,
			fmt.Sprintf("rule %q scored record %s but persisting failed: %v", job.RuleName, job.RecordID, err))
		return fmt.Errorf("persist scores for record %s: %w", job.RecordID, err)
	}

	if s.collector != nil {
		s.collector.ScoresEmitted(job.RuleName, len(scores))
	}
	s.userLog.Log(ctx, userlog.LevelInfo, job.RuleID, job.RuleName, job.RecordID,
		fmt.Sprintf("rule %q scored record %s with %d score(s)", job.RuleName, job.RecordID, len(scores)))
	return nil
}
