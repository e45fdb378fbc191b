package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Message is one delivered stream entry. Payload is the raw content of the
// payload field and may be nil; the handler decides what to do with it.
type Message struct {
	ID         string
	Payload    []byte
	RetryCount int64
}

// Handler processes one delivered entry. A nil return acknowledges and deletes
// the entry; an error leaves it pending for a later claim and retry.
type Handler func(ctx context.Context, msg Message) error

// DecodeHandler adapts a typed handler by decoding the payload with the codec.
// A decode failure is reported as the handler's error so the entry follows the
// normal retry path.
func DecodeHandler[T any](codec Codec, fn func(ctx context.Context, msg Message, payload *T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		if len(msg.Payload) == 0 {
			return fn(ctx, msg, nil)
		}
		var v T
		if err := codec.Decode(msg.Payload, &v); err != nil {
			return fmt.Errorf("decode payload of entry %s: %w", msg.ID, err)
		}
		return fn(ctx, msg, &v)
	}
}

// Subscriber is a consumer-group member over one Redis stream. It owns the
// poll/claim/process/ack loop described in the package comment. All
// cross-consumer coordination is delegated to the consumer-group primitives of
// the stream store; the subscriber keeps only local counters.
type Subscriber struct {
	cfg        Config
	client     redis.UniversalClient
	handler    Handler
	consumerID string
	logger     *zap.Logger
	collector  *metrics.Collector
	tracer     trace.Tracer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

// NewSubscriber creates a subscriber with a fresh consumer identity. A nil
// collector disables metrics.
func NewSubscriber(cfg Config, client redis.UniversalClient, handler Handler, logger *zap.Logger, collector *metrics.Collector) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("stream %s: handler is required", cfg.StreamName)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "consumer"
	}
	consumerID := hostname + "-" + uuid.NewString()[:8]

	return &Subscriber{
		cfg:        cfg,
		client:     client,
		handler:    handler,
		consumerID: consumerID,
		logger: logger.With(
			zap.String("component", "stream-subscriber"),
			zap.String("stream", cfg.StreamName),
			zap.String("consumer", consumerID),
		),
		collector: collector,
		tracer:    otel.Tracer("github.com/arbiterhq/arbiter/stream"),
	}, nil
}

// ConsumerID returns the unique identity this subscriber joins the group with.
func (s *Subscriber) ConsumerID() string { return s.consumerID }

// Processed returns the number of entries acknowledged so far.
func (s *Subscriber) Processed() int64 { return s.processed.Load() }

// Failed returns the number of handler failures so far.
func (s *Subscriber) Failed() int64 { return s.failed.Load() }

// Start creates the consumer group if needed and begins the polling loop.
// Calling Start on a running subscriber is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	// A previous Stop may have timed out before its loop wound down; wait it
	// out so one consumer identity never runs two loops.
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx)

	s.logger.Info("subscriber started",
		zap.String("group", s.cfg.ConsumerGroup),
		zap.Int("batch_size", s.cfg.ConsumerBatchSize),
	)
	return nil
}

// Stop cancels the polling loop, waits for in-flight entries to finish, and
// deregisters the consumer identity once its pending list is empty. Entries
// whose handler failed before Stop stay in the pending list, claimable by any
// live consumer's stale scan. Calling Stop on a stopped subscriber is a no-op.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	s.cancel()
	s.running = false
	select {
	case <-s.done:
	case <-ctx.Done():
		// The loop keeps winding down on its own; the consumer stays
		// registered and its pending entries remain claimable.
		return ctx.Err()
	}

	if err := s.deregister(ctx); err != nil {
		return err
	}

	s.logger.Info("subscriber stopped")
	return nil
}

// deregister removes the consumer identity from the group, but only once its
// pending list is empty: XGROUP DELCONSUMER discards the consumer's pending
// entries outright, which would strand unacknowledged failures past the
// group's last-delivered id where no claim scan can reach them. A consumer
// with pending entries stays registered so another member's stale scan picks
// the entries up.
func (s *Subscriber) deregister(ctx context.Context) error {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.cfg.StreamName,
		Group:    s.cfg.ConsumerGroup,
		Start:    "-",
		End:      "+",
		Count:    1,
		Consumer: s.consumerID,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("inspect pending entries of consumer %s: %w", s.consumerID, err)
	}
	if len(pending) > 0 {
		s.logger.Info("consumer left registered, pending entries remain claimable")
		return nil
	}

	if err := s.client.XGroupDelConsumer(ctx, s.cfg.StreamName, s.cfg.ConsumerGroup, s.consumerID).Err(); err != nil {
		s.logger.Warn("failed to deregister consumer", zap.Error(err))
		return fmt.Errorf("deregister consumer %s from group %s: %w", s.consumerID, s.cfg.ConsumerGroup, err)
	}
	return nil
}

// ensureGroup creates the consumer group at the stream tail. Two processes
// starting at once race on creation; BUSYGROUP from the loser is success.
func (s *Subscriber) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.StreamName, s.cfg.ConsumerGroup, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create consumer group %s on stream %s: %w", s.cfg.ConsumerGroup, s.cfg.StreamName, err)
}

func (s *Subscriber) loop(ctx context.Context) {
	defer close(s.done)

	claimEvery := s.cfg.PollingInterval * time.Duration(s.cfg.ClaimIntervalRatio)
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= claimEvery {
			s.claimStale(ctx)
			lastClaim = time.Now()
		}

		msgs, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream read failed", zap.Error(err))
		}

		if len(msgs) > 0 {
			s.processBatch(ctx, msgs)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollingInterval):
		}
	}
}

// fetch long-polls for new entries assigned to this consumer.
func (s *Subscriber) fetch(ctx context.Context) ([]Message, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.ConsumerGroup,
		Consumer: s.consumerID,
		Streams:  []string{s.cfg.StreamName, ">"},
		Count:    int64(s.cfg.ConsumerBatchSize),
		Block:    s.cfg.LongPollingDuration,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for _, str := range streams {
		for _, x := range str.Messages {
			msgs = append(msgs, toMessage(x, 1))
		}
	}
	return msgs, nil
}

// processBatch dispatches one fetched batch concurrently. Parallelism is
// bounded by the batch size; one handler's failure never aborts its siblings.
func (s *Subscriber) processBatch(ctx context.Context, msgs []Message) {
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ConsumerBatchSize)
	for _, msg := range msgs {
		g.Go(func() error {
			s.processOne(ctx, msg)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // processOne reports failures via counters and logs
}

func (s *Subscriber) processOne(ctx context.Context, msg Message) {
	ctx, span := s.tracer.Start(ctx, "stream.process",
		trace.WithAttributes(
			attribute.String("stream.name", s.cfg.StreamName),
			attribute.String("stream.entry_id", msg.ID),
		),
	)
	defer span.End()

	start := time.Now()
	err := s.safeHandle(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		s.failed.Add(1)
		if s.collector != nil {
			s.collector.EntryFailed(s.cfg.StreamName, elapsed)
		}
		s.logger.Warn("handler failed, entry left pending for retry",
			zap.String("entry_id", msg.ID),
			zap.Int64("delivery_count", msg.RetryCount),
			zap.Error(err),
		)
		return
	}

	if ackErr := s.ackAndDelete(ctx, msg.ID); ackErr != nil {
		// The entry stays pending and will be redelivered; the handler must
		// tolerate the duplicate (at-least-once).
		s.logger.Warn("acknowledge failed", zap.String("entry_id", msg.ID), zap.Error(ackErr))
		return
	}

	s.processed.Add(1)
	if s.collector != nil {
		s.collector.EntryProcessed(s.cfg.StreamName, elapsed)
	}
}

func (s *Subscriber) safeHandle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

// ackAndDelete removes the entry from the pending list and then from the
// stream itself. Both steps are required for "processed" semantics: ack alone
// leaves the entry occupying stream memory.
func (s *Subscriber) ackAndDelete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.XAck(ctx, s.cfg.StreamName, s.cfg.ConsumerGroup, id)
	pipe.XDel(ctx, s.cfg.StreamName, id)
	_, err := pipe.Exec(ctx)
	return err
}

// claimStale scans the group's pending entries for work idle longer than the
// configured threshold and claims it for this consumer. Entries whose delivery
// count already exceeds the retry budget are abandoned: acknowledged without
// processing so they stop cycling through the group forever.
func (s *Subscriber) claimStale(ctx context.Context) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.StreamName,
		Group:  s.cfg.ConsumerGroup,
		Idle:   s.cfg.PendingMessageDuration,
		Start:  "-",
		End:    "+",
		Count:  int64(s.cfg.ConsumerBatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil {
			s.logger.Warn("pending scan failed", zap.Error(err))
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	retryByID := make(map[string]int64, len(pending))
	var claimIDs []string
	for _, p := range pending {
		if p.RetryCount > int64(s.cfg.MaxRetries) {
			s.abandon(ctx, p)
			continue
		}
		retryByID[p.ID] = p.RetryCount + 1
		claimIDs = append(claimIDs, p.ID)
	}
	if len(claimIDs) == 0 {
		return
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.cfg.StreamName,
		Group:    s.cfg.ConsumerGroup,
		Consumer: s.consumerID,
		MinIdle:  s.cfg.PendingMessageDuration,
		Messages: claimIDs,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() == nil {
			s.logger.Warn("claim failed", zap.Error(err))
		}
		return
	}
	if len(claimed) == 0 {
		return
	}

	if s.collector != nil {
		s.collector.EntriesClaimed(s.cfg.StreamName, len(claimed))
	}
	s.logger.Info("claimed stale pending entries", zap.Int("count", len(claimed)))

	msgs := make([]Message, 0, len(claimed))
	for _, x := range claimed {
		msgs = append(msgs, toMessage(x, retryByID[x.ID]))
	}
	s.processBatch(ctx, msgs)
}

func (s *Subscriber) abandon(ctx context.Context, p redis.XPendingExt) {
	if err := s.ackAndDelete(ctx, p.ID); err != nil {
		s.logger.Warn("failed to abandon entry", zap.String("entry_id", p.ID), zap.Error(err))
		return
	}
	if s.collector != nil {
		s.collector.EntryAbandoned(s.cfg.StreamName)
	}
	s.logger.Error("abandoning entry after exhausting retries",
		zap.String("entry_id", p.ID),
		zap.String("last_consumer", p.Consumer),
		zap.Int64("delivery_count", p.RetryCount),
		zap.Duration("idle", p.Idle),
	)
}

func toMessage(x redis.XMessage, retryCount int64) Message {
	msg := Message{ID: x.ID, RetryCount: retryCount}
	if v, ok := x.Values[PayloadField]; ok {
		switch payload := v.(type) {
		case string:
			msg.Payload = []byte(payload)
		case []byte:
			msg.Payload = payload
		}
	}
	return msg
}
