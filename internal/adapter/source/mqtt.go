// Package source feeds events from the supported inbound wires into an
// injected handler: raw detections into the relay pipeline, stabilized
// events into the receiver guard.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// EventFunc consumes one decoded event.
type EventFunc func(ctx context.Context, ev domain.Event)

// MQTT subscribes to a topic and decodes each message as an event.
// Subscription happens in the OnConnect hook, so it is re-established after
// every reconnect.
type MQTT struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTT builds the subscriber; call Connect to start consuming.
func NewMQTT(brokerURL, clientID, topic string, handle EventFunc, logger *slog.Logger) *MQTT {
	log := logger.With("component", "mqtt_source", "topic", topic)

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Warn("undecodable mqtt message dropped", "error", err)
			return
		}
		handle(context.Background(), ev)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("mqtt source connected", "broker", brokerURL)
		if token := c.Subscribe(topic, 1, onMessage); token.Wait() && token.Error() != nil {
			log.Error("mqtt subscribe failed", "error", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt source connection lost, auto-reconnect engaged", "error", err)
	}

	return &MQTT{
		client: mqtt.NewClient(opts),
		topic:  topic,
		logger: log,
	}
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

// Close drops the subscription and disconnects.
func (s *MQTT) Close() {
	if s.client.IsConnected() {
		if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
			s.logger.Warn("mqtt unsubscribe failed", "error", token.Error())
		}
		s.client.Disconnect(250)
	}
}
