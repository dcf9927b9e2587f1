package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// RedisStream consumes events from a stream through a consumer group, so
// multiple receiver instances split the load and each event is acknowledged
// once handled.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	handle   EventFunc
	logger   *slog.Logger
}

// NewRedisStream creates the consumer and its group (tolerating a group
// that already exists).
func NewRedisStream(client *redis.Client, stream, group, consumer string, handle EventFunc, logger *slog.Logger) (*RedisStream, error) {
	s := &RedisStream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handle:   handle,
		logger:   logger.With("component", "redis_source", "stream", stream),
	}

	err := client.XGroupCreateMkStream(context.Background(), stream, group, "0").Err()
	if err != nil && !isBusyGroupError(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return s, nil
}

// Run reads and handles messages until ctx is cancelled. Undecodable
// messages are acknowledged anyway; redelivering a poison payload forever
// helps no one.
func (s *RedisStream) Run(ctx context.Context) {
	s.logger.Info("redis source started", "group", s.group, "consumer", s.consumer)

	for {
		if ctx.Err() != nil {
			s.logger.Info("redis source stopping")
			return
		}

		args := &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    64,
			Block:    2 * time.Second,
		}
		streams, err := s.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("xreadgroup failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				s.handleMessage(ctx, msg)
			}
		}
	}
}

func (s *RedisStream) handleMessage(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if err := s.client.XAck(ctx, s.stream, s.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("xack failed", "message_id", msg.ID, "error", err)
		}
	}()

	payload, ok := msg.Values["payload"].(string)
	if !ok {
		s.logger.Warn("message without payload field, skipping", "message_id", msg.ID)
		return
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("undecodable stream message, skipping", "message_id", msg.ID, "error", err)
		return
	}
	s.handle(ctx, ev)
}

func isBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
