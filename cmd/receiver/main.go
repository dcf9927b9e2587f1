package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/api"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/api/handler"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/api/middleware"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/source"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/pkg/config"
	"github.com/Earthbotics/CARL-sub002/internal/pkg/logger"
	"github.com/Earthbotics/CARL-sub002/internal/receiver"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

const connectTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadReceiver()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.NewReceiverMetrics(nil)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- SSE Broker ---
	broker := handler.NewSSEBroker(logger, m.SSEClients)

	// --- Receiver Core ---
	cache := ttlcache.New[string, domain.Event](cfg.ReceiverTTL)
	rcv, err := receiver.New(cache, func(ctx context.Context, ev domain.Event) error {
		logger.Info("event accepted",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
			"attribute", ev.Attribute,
			"confidence", ev.Confidence,
			"origin", ev.Origin,
		)
		broker.Publish(ev)
		return nil
	}, logger)
	if err != nil {
		logger.Error("failed to initialize receiver", "error", err)
		os.Exit(1)
	}

	m.ObserveReceiver(rcv.Stats)

	// --- Inbound Source ---
	accept := func(ctx context.Context, ev domain.Event) {
		outcome := rcv.AcceptIncoming(ctx, ev)
		m.EventsTotal.WithLabelValues(outcome.String()).Inc()
	}
	switch cfg.Source {
	case "http":
		// Events arrive only through POST /events below.
	case "mqtt":
		src := source.NewMQTT(cfg.MQTTBrokerURL, "carl-receiver-"+uuid.NewString()[:8], cfg.MQTTTopic, accept, logger)
		if err := src.Connect(connectTimeout); err != nil {
			logger.Warn("mqtt broker not reachable yet", "error", err)
		}
		defer src.Close()
	case "kafka":
		src := source.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, accept, logger)
		go src.Run(ctx)
		defer src.Close()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		src, err := source.NewRedisStream(client, cfg.RedisStream, cfg.RedisGroup, cfg.RedisConsumer, accept, logger)
		if err != nil {
			logger.Error("failed to initialize redis stream source", "error", err)
			os.Exit(1)
		}
		go src.Run(ctx)
		defer client.Close()
	default:
		logger.Error("unknown source kind", "source", cfg.Source)
		os.Exit(1)
	}

	// --- Receiver Server ---
	router := api.NewReceiverRouter(cfg, logger, rcv, broker, m)
	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     middleware.Logging(logger)(router),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
		// No WriteTimeout: /stream connections are long-lived.
	}

	go func() {
		logger.Info("starting receiver server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("receiver server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down receiver...")

	// End the stream connections first so Shutdown can drain.
	broker.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("receiver server shutdown failed", "error", err)
	}

	logger.Info("receiver shut down gracefully")
}
