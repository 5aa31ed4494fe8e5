package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ZapSink writes entries as structured log lines
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log sink
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("activity")}
}

// Name returns "zap"
func (s *ZapSink) Name() string { return "zap" }

// Write logs the entry at info level
func (s *ZapSink) Write(ctx context.Context, entry Entry) error {
	s.logger.Info(entry.Action,
		zap.String("request_id", entry.RequestID),
		zap.String("tenant_id", entry.TenantID),
		zap.Time("occurred_at", entry.OccurredAt),
		zap.Any("metadata", entry.Metadata),
	)
	return nil
}

// RedisStreamSink appends entries to a Redis stream with XADD. The stream is
// trimmed approximately to maxLen.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a stream sink
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name returns "redis_stream"
func (s *RedisStreamSink) Name() string { return "redis_stream" }

// Write appends the entry. Metadata is stored as a JSON string field.
func (s *RedisStreamSink) Write(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode activity metadata: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"action":      entry.Action,
			"request_id":  entry.RequestID,
			"tenant_id":   entry.TenantID,
			"occurred_at": entry.OccurredAt.UTC().Format(time.RFC3339Nano),
			"metadata":    string(metadata),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to activity stream %s: %w", s.stream, err)
	}
	return nil
}
