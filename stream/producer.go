package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Producer appends encoded payloads to one named stream.
type Producer struct {
	client    redis.UniversalClient
	stream    string
	codec     Codec
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewProducer creates a producer for the given stream. A nil collector disables
// publish metrics.
func NewProducer(client redis.UniversalClient, stream string, codec Codec, logger *zap.Logger, collector *metrics.Collector) *Producer {
	return &Producer{
		client:    client,
		stream:    stream,
		codec:     codec,
		logger:    logger.With(zap.String("component", "stream-producer"), zap.String("stream", stream)),
		collector: collector,
	}
}

// Stream returns the stream this producer appends to.
func (p *Producer) Stream() string { return p.stream }

// Publish encodes the payload and appends it as a single entry.
func (p *Producer) Publish(ctx context.Context, payload any) (string, error) {
	data, err := p.codec.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for stream %s: %w", p.stream, err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{PayloadField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", p.stream, err)
	}

	if p.collector != nil {
		p.collector.EntryPublished(p.stream)
	}
	p.logger.Debug("published stream entry", zap.String("entry_id", id))
	return id, nil
}
