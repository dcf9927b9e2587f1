package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

// RedisStream appends events to a Redis Stream; receivers consume it with a
// consumer group so each event is handled once per group.
type RedisStream struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewRedisStream creates a Redis Stream sender.
func NewRedisStream(client *redis.Client, stream string, logger *slog.Logger) *RedisStream {
	return &RedisStream{
		client: client,
		stream: stream,
		logger: logger.With("component", "redis_sender"),
	}
}

// Send implements transport.SendFunc.
func (s *RedisStream) Send(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", transport.ErrRejected, err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: xadd: %v", transport.ErrUnreachable, err)
	}
	return nil
}

// Probe pings the server to answer the link-health check.
func (s *RedisStream) Probe(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
