package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// RelayConfig holds the sensor-side daemon configuration.
type RelayConfig struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr   string `env:"RELAY_LISTEN_ADDR" envDefault:":8080"`
	AdminAddr    string `env:"RELAY_ADMIN_ADDR" envDefault:":9091"`      // metrics and stats
	IngestKey    string `env:"INGEST_SHARED_KEY"`                        // empty disables ingest auth
	MaxBodyBytes int64  `env:"MAX_BODY_SIZE_BYTES" envDefault:"1048576"` // 1MB

	// Stabilization.
	DedupTTL        time.Duration `env:"DEDUP_TTL" envDefault:"30s"`
	DeltaThreshold  float64       `env:"CONFIDENCE_DELTA_THRESHOLD" envDefault:"0.1"`
	QueueCapacity   int           `env:"QUEUE_CAPACITY" envDefault:"128"`
	EgressRate      float64       `env:"EGRESS_RATE_PER_SEC" envDefault:"0"` // 0 = unlimited
	PrivacySubjects string        `env:"PRIVACY_SUBJECTS" envDefault:""`     // comma-separated subject IDs

	// Transport.
	MaxRetries       int           `env:"SEND_MAX_RETRIES" envDefault:"3"`
	BaseDelay        time.Duration `env:"SEND_BASE_DELAY" envDefault:"200ms"`
	MaxDelay         time.Duration `env:"SEND_MAX_DELAY" envDefault:"5s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"3s"`
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	BreakerWindow    time.Duration `env:"BREAKER_WINDOW" envDefault:"30s"`
	BufferCapacity   int           `env:"BUFFER_CAPACITY" envDefault:"512"`
	ProbeInterval    time.Duration `env:"LINK_PROBE_INTERVAL" envDefault:"5s"`

	// Outbound sender: http | mqtt | kafka | redis.
	Sender      string `env:"SENDER" envDefault:"http"`
	ConsumerURL string `env:"CONSUMER_URL" envDefault:"http://localhost:8081/events"`
	ConsumerKey string `env:"CONSUMER_SHARED_KEY"`

	MQTTBrokerURL      string `env:"MQTT_BROKER_URL" envDefault:"tcp://localhost:1883"`
	MQTTTopic          string `env:"MQTT_TOPIC" envDefault:"carl/events"`
	MQTTDetectionTopic string `env:"MQTT_DETECTION_TOPIC"` // empty disables the MQTT detection source

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"carl.events"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisStream string `env:"REDIS_STREAM" envDefault:"carl_events"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ReceiverConfig holds the consumer-side daemon configuration.
type ReceiverConfig struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr   string `env:"RECEIVER_LISTEN_ADDR" envDefault:":8081"`
	SharedKey    string `env:"CONSUMER_SHARED_KEY"`                      // empty disables event auth
	MaxBodyBytes int64  `env:"MAX_BODY_SIZE_BYTES" envDefault:"1048576"` // 1MB

	ReceiverTTL time.Duration `env:"RECEIVER_TTL" envDefault:"10s"`

	// Inbound source: http | mqtt | kafka | redis.
	Source string `env:"SOURCE" envDefault:"http"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL" envDefault:"tcp://localhost:1883"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"carl/events"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"carl.events"`
	KafkaGroup   string   `env:"KAFKA_GROUP" envDefault:"carl-receivers"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"carl_events"`
	RedisGroup    string `env:"REDIS_GROUP" envDefault:"carl-receivers"`
	RedisConsumer string `env:"REDIS_CONSUMER" envDefault:"receiver-1"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadRelay reads relay configuration from environment variables.
func LoadRelay() (*RelayConfig, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadReceiver reads receiver configuration from environment variables.
func LoadReceiver() (*ReceiverConfig, error) {
	_ = godotenv.Load()

	cfg := &ReceiverConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
