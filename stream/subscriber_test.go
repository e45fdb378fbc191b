package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStream(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testConfig(stream string) Config {
	cfg := DefaultConfig(stream, stream+"-group")
	cfg.PollingInterval = 10 * time.Millisecond
	cfg.LongPollingDuration = 20 * time.Millisecond
	cfg.ConsumerBatchSize = 5
	cfg.ClaimIntervalRatio = 2
	cfg.PendingMessageDuration = 20 * time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

// waitFor polls the condition instead of sleeping an arbitrary duration.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline: %s", msg)
}

type testPayload struct {
	Value string `json:"value"`
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig("s", "g").Validate())

	cfg := DefaultConfig("", "g")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("s", "")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("s", "g")
	cfg.ConsumerBatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("s", "g")
	cfg.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestSubscriberProcessesAllEntries(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("drain")

	var handled atomic.Int64
	handler := func(ctx context.Context, msg Message) error {
		handled.Add(1)
		return nil
	}

	sub, err := NewSubscriber(cfg, client, handler, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop(ctx) //nolint:errcheck

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	const n = 20
	for i := 0; i < n; i++ {
		_, err := producer.Publish(ctx, testPayload{Value: "v"})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return sub.Processed() == n }, "all entries processed")
	assert.Equal(t, int64(n), handled.Load())
	assert.Equal(t, int64(0), sub.Failed())

	// Processed entries are acknowledged and deleted from the stream.
	waitFor(t, func() bool {
		size, err := client.XLen(ctx, cfg.StreamName).Result()
		return err == nil && size == 0
	}, "stream drained")
}

func TestSubscriberKeepsFailedEntries(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("failures")
	cfg.ClaimIntervalRatio = 1000 // keep the claim scan out of this test

	handler := func(ctx context.Context, msg Message) error {
		return errors.New("boom")
	}

	sub, err := NewSubscriber(cfg, client, handler, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop(ctx) //nolint:errcheck

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	const n = 10
	for i := 0; i < n; i++ {
		_, err := producer.Publish(ctx, testPayload{Value: "v"})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return sub.Failed() >= n }, "all entries failed")
	assert.Equal(t, int64(0), sub.Processed())

	// Failed entries are neither acknowledged nor deleted.
	size, err := client.XLen(ctx, cfg.StreamName).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(n))
}

func TestSubscriberIsolatesFailuresWithinBatch(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("mixed")
	cfg.ClaimIntervalRatio = 1000

	handler := func(ctx context.Context, msg Message) error {
		if msg.Payload == nil {
			return errors.New("no payload")
		}
		return nil
	}

	sub, err := NewSubscriber(cfg, client, handler, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop(ctx) //nolint:errcheck

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	const good, bad = 6, 4
	for i := 0; i < good+bad; i++ {
		if i%2 == 0 && i/2 < bad {
			// Entries without the payload field still reach the handler.
			err := client.XAdd(ctx, &redis.XAddArgs{
				Stream: cfg.StreamName,
				Values: map[string]any{"unrelated": "x"},
			}).Err()
			require.NoError(t, err)
			continue
		}
		_, err := producer.Publish(ctx, testPayload{Value: "ok"})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return sub.Processed() == good && sub.Failed() >= bad },
		"good acknowledged, bad failed")
	assert.Equal(t, int64(good), sub.Processed())
}

func TestSubscriberAbandonsAfterMaxRetries(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("exhaust")
	cfg.MaxRetries = 1
	cfg.PendingMessageDuration = 10 * time.Millisecond
	cfg.ClaimIntervalRatio = 1

	handler := func(ctx context.Context, msg Message) error {
		return errors.New("always fails")
	}

	sub, err := NewSubscriber(cfg, client, handler, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))
	defer sub.Stop(ctx) //nolint:errcheck

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	_, err = producer.Publish(ctx, testPayload{Value: "doomed"})
	require.NoError(t, err)

	// The entry cycles through claim/retry until its delivery count exceeds
	// MaxRetries, then it is acknowledged and deleted without ever succeeding.
	waitFor(t, func() bool {
		size, err := client.XLen(ctx, cfg.StreamName).Result()
		return err == nil && size == 0
	}, "entry abandoned")
	assert.Equal(t, int64(0), sub.Processed())
	assert.Greater(t, sub.Failed(), int64(0))
}

func TestSubscriberClaimsStaleEntries(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("claims")
	cfg.PendingMessageDuration = 10 * time.Millisecond
	cfg.ClaimIntervalRatio = 1

	// Simulate a crashed consumer: read an entry into the group's pending
	// list under a consumer identity that never acks and never returns.
	require.NoError(t, client.XGroupCreateMkStream(ctx, cfg.StreamName, cfg.ConsumerGroup, "$").Err())
	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	_, err := producer.Publish(ctx, testPayload{Value: "orphaned"})
	require.NoError(t, err)
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    cfg.ConsumerGroup,
		Consumer: "dead-consumer",
		Streams:  []string{cfg.StreamName, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	// A live subscriber claims the stale pending entry and completes it.
	rescuer, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error {
		return nil
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, rescuer.Start(ctx))
	defer rescuer.Stop(ctx) //nolint:errcheck

	waitFor(t, func() bool { return rescuer.Processed() == 1 }, "entry rescued")
}

func TestSubscriberStopKeepsFailedEntriesClaimable(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("stop-release")
	cfg.ClaimIntervalRatio = 1000

	sub, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error {
		return errors.New("boom")
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	_, err = producer.Publish(ctx, testPayload{Value: "v"})
	require.NoError(t, err)

	waitFor(t, func() bool { return sub.Failed() >= 1 }, "entry failed")
	require.NoError(t, sub.Stop(ctx))

	// A graceful stop must not discard the consumer's pending list: the
	// failed entry stays pending so another group member can claim it.
	pending, err := client.XPending(ctx, cfg.StreamName, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Count,
		"failed entry must remain pending after Stop")

	rescueCfg := cfg
	rescueCfg.PendingMessageDuration = 10 * time.Millisecond
	rescueCfg.ClaimIntervalRatio = 1
	rescuer, err := NewSubscriber(rescueCfg, client, func(ctx context.Context, msg Message) error {
		return nil
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, rescuer.Start(ctx))
	defer rescuer.Stop(ctx) //nolint:errcheck

	waitFor(t, func() bool { return rescuer.Processed() == 1 }, "entry rescued after stop")
}

func TestSubscriberRestartsAfterStopTimeout(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("stop-timeout")

	block := make(chan struct{})
	var entered atomic.Int64
	sub, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error {
		entered.Add(1)
		<-block
		return nil
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))

	producer := NewProducer(client, cfg.StreamName, JSONCodec{}, zap.NewNop(), nil)
	_, err = producer.Publish(ctx, testPayload{Value: "v"})
	require.NoError(t, err)
	waitFor(t, func() bool { return entered.Load() == 1 }, "handler entered")

	// Stop with an expired context gives up waiting on the in-flight entry.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sub.Stop(expired))

	close(block)

	// The subscriber is not wedged: a later Start resumes consumption.
	require.NoError(t, sub.Start(ctx))
	_, err = producer.Publish(ctx, testPayload{Value: "w"})
	require.NoError(t, err)
	waitFor(t, func() bool { return sub.Processed() >= 2 }, "consumption resumed after failed stop")
	require.NoError(t, sub.Stop(ctx))
}

func TestSubscriberStartStopIdempotent(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("lifecycle")

	sub, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error {
		return nil
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	require.NoError(t, sub.Start(ctx))
	require.NoError(t, sub.Start(ctx))
	require.NoError(t, sub.Stop(ctx))
	require.NoError(t, sub.Stop(ctx))
	require.NoError(t, sub.Start(ctx))
	require.NoError(t, sub.Stop(ctx))
}

func TestSubscriberGroupCreationRace(t *testing.T) {
	_, client := setupTestStream(t)
	ctx := context.Background()
	cfg := testConfig("race")

	// Two members of the same group: the second creation hits BUSYGROUP,
	// which must be treated as success.
	first, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error { return nil }, zap.NewNop(), nil)
	require.NoError(t, err)
	second, err := NewSubscriber(cfg, client, func(ctx context.Context, msg Message) error { return nil }, zap.NewNop(), nil)
	require.NoError(t, err)

	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))
	require.NotEqual(t, first.ConsumerID(), second.ConsumerID())

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, second.Stop(ctx))
}

func TestDecodeHandler(t *testing.T) {
	codec := JSONCodec{}

	var got *testPayload
	handler := DecodeHandler(codec, func(ctx context.Context, msg Message, payload *testPayload) error {
		got = payload
		return nil
	})

	require.NoError(t, handler(context.Background(), Message{ID: "1-0", Payload: []byte(`{"value":"x"}`)}))
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Value)

	// Nil payload is delivered, not dropped.
	require.NoError(t, handler(context.Background(), Message{ID: "2-0"}))
	assert.Nil(t, got)

	// Undecodable payload surfaces as a handler error so the entry retries.
	err := handler(context.Background(), Message{ID: "3-0", Payload: []byte("{not json")})
	assert.Error(t, err)
}
