package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// Kafka consumes events from a topic through a consumer group.
type Kafka struct {
	reader *kafka.Reader
	handle EventFunc
	logger *slog.Logger
}

// NewKafka creates a group reader over the given brokers.
func NewKafka(brokers []string, topic, group string, handle EventFunc, logger *slog.Logger) *Kafka {
	return &Kafka{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		handle: handle,
		logger: logger.With("component", "kafka_source", "topic", topic),
	}
}

// Run reads and handles messages until ctx is cancelled.
func (s *Kafka) Run(ctx context.Context) {
	s.logger.Info("kafka source started")

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("kafka source stopping")
				return
			}
			s.logger.Error("kafka read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			s.logger.Warn("undecodable kafka message dropped",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		s.handle(ctx, ev)
	}
}

// Close releases the reader and its group membership.
func (s *Kafka) Close() error {
	return s.reader.Close()
}
