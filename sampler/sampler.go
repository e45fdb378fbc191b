package sampler

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/stream"
	"github.com/arbiterhq/arbiter/types"
	"github.com/arbiterhq/arbiter/userlog"
)

// Config holds the sampler settings.
type Config struct {
	// Stream carrying "records created" notifications.
	Stream stream.Config `yaml:"stream" json:"stream"`

	// TTL of the per-project rule cache.
	RuleCacheTTL time.Duration `yaml:"rule_cache_ttl" json:"rule_cache_ttl"`
}

// DefaultConfig returns sampler defaults.
func DefaultConfig() Config {
	return Config{
		Stream:       stream.DefaultConfig("records-created-stream", "sampler"),
		RuleCacheTTL: 10 * time.Second,
	}
}

// Sampler subscribes to record-creation events and fans each record out into
// scoring jobs, one per applicable rule, published to the stream of the rule's
// evaluator type. The random generator is injected so tests can seed it.
type Sampler struct {
	cfg       Config
	cache     *ruleCache
	producers map[types.EvaluatorType]*stream.Producer
	userLog   userlog.Logger
	logger    *zap.Logger
	sub       *stream.Subscriber

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a sampler consuming from the records-created stream.
func New(
	cfg Config,
	client redis.UniversalClient,
	finder RuleFinder,
	producers map[types.EvaluatorType]*stream.Producer,
	rng *rand.Rand,
	userLog userlog.Logger,
	logger *zap.Logger,
	collector *metrics.Collector,
) (*Sampler, error) {
	if finder == nil {
		return nil, fmt.Errorf("sampler: rule finder is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("sampler: random generator is required")
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = DefaultConfig().RuleCacheTTL
	}

	s := &Sampler{
		cfg:       cfg,
		cache:     newRuleCache(finder, cfg.RuleCacheTTL),
		producers: producers,
		userLog:   userLog,
		logger:    logger.With(zap.String("component", "sampler")),
		rng:       rng,
	}

	handler := stream.DecodeHandler(stream.JSONCodec{}, s.handle)
	sub, err := stream.NewSubscriber(cfg.Stream, client, handler, logger, collector)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Start begins consuming record-creation events.
func (s *Sampler) Start(ctx context.Context) error { return s.sub.Start(ctx) }

// Stop stops consuming, letting in-flight events finish.
func (s *Sampler) Stop(ctx context.Context) error { return s.sub.Stop(ctx) }

// Processed returns the number of acknowledged notification entries.
func (s *Sampler) Processed() int64 { return s.sub.Processed() }

// Failed returns the number of failed notification entries.
func (s *Sampler) Failed() int64 { return s.sub.Failed() }

// handle processes one records-created notification. A failure for one record
// never blocks the remaining records, but a failed rule lookup means that
// record was never evaluated at all, so the notification is reported as failed
// and retried through the pending list. Records already dispatched may be
// published again on the retry; at-least-once delivery tolerates that.
func (s *Sampler) handle(ctx context.Context, msg stream.Message, event *types.RecordsCreatedEvent) error {
	if event == nil || len(event.Records) == 0 {
		s.logger.Debug("notification with no records", zap.String("entry_id", msg.ID))
		return nil
	}

	var lookupFailures int
	var lastErr error
	for i := range event.Records {
		record := &event.Records[i]
		rules, err := s.cache.Rules(ctx, record.ProjectID)
		if err != nil {
			s.logger.Warn("rule lookup failed for record",
				zap.String("record_id", record.ID.String()),
				zap.String("project_id", record.ProjectID.String()),
				zap.Error(err),
			)
			lookupFailures++
			lastErr = err
			continue
		}
		for _, rule := range rules {
			s.dispatch(ctx, event, record, rule)
		}
	}

	if lookupFailures > 0 {
		return fmt.Errorf("rule lookup failed for %d of %d records: %w",
			lookupFailures, len(event.Records), lastErr)
	}
	return nil
}

// dispatch decides whether one rule scores one record and, if so, publishes
// the scoring job.
func (s *Sampler) dispatch(ctx context.Context, event *types.RecordsCreatedEvent, record *types.Record, rule types.Rule) {
	if !rule.Enabled {
		return
	}
	if !rule.Type.Valid() {
		// Configuration defect; retrying cannot help.
		s.logger.Error("rule has unknown evaluator type",
			zap.String("rule_id", rule.ID.String()),
			zap.String("type", string(rule.Type)),
		)
		return
	}

	if allowList := record.RuleAllowList(); allowList != nil {
		// Explicit allow-list in the record metadata bypasses sampling.
		if !slices.Contains(allowList, rule.ID) {
			return
		}
	} else if !s.draw(rule.SamplingRate) {
		s.userLog.Log(ctx, userlog.LevelInfo, rule.ID, rule.Name, record.ID,
			fmt.Sprintf("record skipped by sampling rate %.2f of rule %q", rule.SamplingRate, rule.Name))
		return
	}

	producer, ok := s.producers[rule.Type]
	if !ok {
		s.logger.Error("no stream producer registered for evaluator type",
			zap.String("type", string(rule.Type)),
		)
		return
	}

	job := types.ScoringJob{
		RecordID:    record.ID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Type:        rule.Type,
		Code:        rule.Code,
		WorkspaceID: event.WorkspaceID,
		UserName:    event.UserName,
		Record:      *record,
	}
	if _, err := producer.Publish(ctx, job); err != nil {
		s.logger.Warn("failed to publish scoring job",
			zap.String("record_id", record.ID.String()),
			zap.String("rule_id", rule.ID.String()),
			zap.Error(err),
		)
		s.userLog.Log(ctx, userlog.LevelError, rule.ID, rule.Name, record.ID,
			fmt.Sprintf("rule %q could not enqueue record for scoring: %v", rule.Name, err))
		return
	}

	s.logger.Debug("scoring job enqueued",
		zap.String("record_id", record.ID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.String("stream", producer.Stream()),
	)
}

// draw performs the uniform sampling draw. The generator is guarded because
// notification batches are processed concurrently.
func (s *Sampler) draw(rate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}
