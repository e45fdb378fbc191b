// Package userlog emits per-record, per-rule evaluation events intended for
// end users ("rule X failed to score record Y"), as opposed to operator logs.
package userlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Level is the severity of a user-facing log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger records one user-facing evaluation event. Implementations must never
// fail the caller; logging problems are swallowed after operator-level logging.
type Logger interface {
	Log(ctx context.Context, level Level, ruleID uuid.UUID, ruleName string, recordID uuid.UUID, message string)
}

// ZapLogger adapts the operator logger as a user log destination. Useful in
// development and as a fallback.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a zap-backed user log.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.With(zap.String("component", "user-log"))}
}

func (l *ZapLogger) Log(_ context.Context, level Level, ruleID uuid.UUID, ruleName string, recordID uuid.UUID, message string) {
	fields := []zap.Field{
		zap.String("rule_id", ruleID.String()),
		zap.String("rule_name", ruleName),
		zap.String("record_id", recordID.String()),
	}
	switch level {
	case LevelError:
		l.logger.Error(message, fields...)
	case LevelWarn:
		l.logger.Warn(message, fields...)
	default:
		l.logger.Info(message, fields...)
	}
}

// StreamLogger appends user log entries to a capped Redis stream keyed by rule,
// where the UI reads them from.
type StreamLogger struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamLogger creates a Redis-stream-backed user log. maxLen caps the
// stream length approximately; zero means 1000.
func NewStreamLogger(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *StreamLogger {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &StreamLogger{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With(zap.String("component", "user-log")),
	}
}

type entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	RuleID    uuid.UUID `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	RecordID  uuid.UUID `json:"record_id"`
	Message   string    `json:"message"`
}

func (l *StreamLogger) Log(ctx context.Context, level Level, ruleID uuid.UUID, ruleName string, recordID uuid.UUID, message string) {
	data, err := json.Marshal(entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		RuleID:    ruleID,
		RuleName:  ruleName,
		RecordID:  recordID,
		Message:   message,
	})
	if err != nil {
		l.logger.Warn("failed to encode user log entry", zap.Error(err))
		return
	}
	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{"entry": data},
	}).Err()
	if err != nil {
		l.logger.Warn("failed to append user log entry", zap.Error(err))
	}
}

var (
	_ Logger = (*ZapLogger)(nil)
	_ Logger = (*StreamLogger)(nil)
)
