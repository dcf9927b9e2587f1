package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/linkhealth"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

const defaultPublishTimeout = 2 * time.Second

// MQTT publishes events to a broker topic at QoS 1. Connection transitions
// are pushed straight into the link-health monitor, so the pipeline drops
// instead of buffers while the broker is known down.
type MQTT struct {
	client  mqtt.Client
	topic   string
	qos     byte
	monitor *linkhealth.Monitor
	logger  *slog.Logger
}

// NewMQTT configures the client with auto-reconnect; call Connect before
// first use. monitor may be nil.
func NewMQTT(brokerURL, clientID, topic string, monitor *linkhealth.Monitor, logger *slog.Logger) *MQTT {
	log := logger.With("component", "mqtt_sender")
	s := &MQTT{
		topic:   topic,
		qos:     1,
		monitor: monitor,
		logger:  log,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", "broker", brokerURL)
		if s.monitor != nil {
			s.monitor.MarkUp()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, auto-reconnect engaged", "error", err)
		if s.monitor != nil {
			s.monitor.MarkDown(err)
		}
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect blocks until the broker accepts the session or timeout elapses.
func (s *MQTT) Connect(timeout time.Duration) error {
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Send implements transport.SendFunc.
func (s *MQTT) Send(ctx context.Context, ev domain.Event) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("%w: mqtt not connected", transport.ErrUnreachable)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", transport.ErrRejected, err)
	}

	token := s.client.Publish(s.topic, s.qos, false, payload)
	if !token.WaitTimeout(publishTimeout(ctx)) {
		return fmt.Errorf("%w: publish timeout", transport.ErrUnreachable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish: %v", transport.ErrUnreachable, err)
	}
	return nil
}

// Close disconnects with a short grace period for in-flight acks.
func (s *MQTT) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Info("mqtt disconnected")
	}
}

func publishTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return defaultPublishTimeout
}
