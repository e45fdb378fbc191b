// Package stream implements a reliable at-least-once subscriber over Redis
// streams with consumer groups, plus the matching producer. Subscribers poll in
// a single loop, process fetched batches in parallel, acknowledge successful
// entries, and periodically claim stale pending entries left behind by dead
// consumers.
package stream

import (
	"fmt"
	"time"
)

// PayloadField is the single entry field holding the serialized payload.
// Every stream in the pipeline uses the same field name.
const PayloadField = "message"

// Config holds the per-stream subscriber settings.
type Config struct {
	// Stream name, e.g. "llm-as-judge-stream".
	StreamName string `yaml:"stream_name" json:"stream_name"`

	// Consumer group name.
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`

	// Poll cadence of the subscriber loop.
	PollingInterval time.Duration `yaml:"polling_interval" json:"polling_interval"`

	// Block duration of the stream read within one poll cycle.
	LongPollingDuration time.Duration `yaml:"long_polling_duration" json:"long_polling_duration"`

	// Maximum entries fetched, and processed in parallel, per cycle.
	ConsumerBatchSize int `yaml:"consumer_batch_size" json:"consumer_batch_size"`

	// The stale-entry scan runs every PollingInterval * ClaimIntervalRatio.
	ClaimIntervalRatio int `yaml:"claim_interval_ratio" json:"claim_interval_ratio"`

	// Idle threshold after which a pending entry becomes claimable.
	PendingMessageDuration time.Duration `yaml:"pending_message_duration" json:"pending_message_duration"`

	// Delivery count beyond which an entry is abandoned instead of retried.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig returns sensible defaults for the given stream and group.
func DefaultConfig(streamName, consumerGroup string) Config {
	return Config{
		StreamName:             streamName,
		ConsumerGroup:          consumerGroup,
		PollingInterval:        500 * time.Millisecond,
		LongPollingDuration:    1 * time.Second,
		ConsumerBatchSize:      10,
		ClaimIntervalRatio:     10,
		PendingMessageDuration: 30 * time.Second,
		MaxRetries:             3,
	}
}

// Validate checks the configuration for values the subscriber cannot run with.
func (c Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream: stream name is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("stream %s: consumer group is required", c.StreamName)
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("stream %s: polling interval must be positive", c.StreamName)
	}
	if c.LongPollingDuration <= 0 {
		return fmt.Errorf("stream %s: long polling duration must be positive", c.StreamName)
	}
	if c.ConsumerBatchSize <= 0 {
		return fmt.Errorf("stream %s: consumer batch size must be positive", c.StreamName)
	}
	if c.ClaimIntervalRatio <= 0 {
		return fmt.Errorf("stream %s: claim interval ratio must be positive", c.StreamName)
	}
	if c.PendingMessageDuration <= 0 {
		return fmt.Errorf("stream %s: pending message duration must be positive", c.StreamName)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("stream %s: max retries must not be negative", c.StreamName)
	}
	return nil
}
