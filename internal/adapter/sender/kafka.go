package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

// Kafka writes events keyed by dedup key, so the hash balancer keeps all
// deliveries for one subject/attribute on one partition and per-key order
// survives end to end.
type Kafka struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

// NewKafka creates a Kafka sender for the given brokers and topic.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			// The worker sends one event at a time; flush immediately
			// instead of waiting out the default batch linger.
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers: brokers,
		logger:  logger.With("component", "kafka_sender"),
	}
}

// Send implements transport.SendFunc.
func (s *Kafka) Send(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", transport.ErrRejected, err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.DedupKey()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return nil
}

// Probe dials the first broker to answer the link-health check.
func (s *Kafka) Probe(ctx context.Context) error {
	if len(s.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close flushes and releases the writer.
func (s *Kafka) Close() error {
	return s.writer.Close()
}
