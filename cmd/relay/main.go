package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/api"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/api/middleware"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/linkhealth"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/privacy"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/sender"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/source"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/pipeline"
	"github.com/Earthbotics/CARL-sub002/internal/pkg/config"
	"github.com/Earthbotics/CARL-sub002/internal/pkg/logger"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

const connectTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.NewRelayMetrics(nil)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Link Health Monitor ---
	// Pull senders install a probe below; the MQTT sender pushes state from
	// its connection callbacks instead.
	monitor := linkhealth.NewMonitor(nil, cfg.ProbeInterval, logger)

	// --- Outbound Sender ---
	var (
		send        transport.SendFunc
		cleanup     func()
		mqttConnect func()
	)
	switch cfg.Sender {
	case "http":
		s := sender.NewHTTP(cfg.ConsumerURL, cfg.ConsumerKey, logger)
		send = s.Send
		monitor.SetProbe(s.Probe)
	case "mqtt":
		s := sender.NewMQTT(cfg.MQTTBrokerURL, "carl-relay-"+uuid.NewString()[:8], cfg.MQTTTopic, monitor, logger)
		send = s.Send
		cleanup = s.Close
		// Deferred until the monitor callbacks are wired: the connect
		// callback pushes link state.
		mqttConnect = func() {
			if err := s.Connect(connectTimeout); err != nil {
				// The client keeps retrying in the background; treat the
				// link as down until the connect callback says otherwise.
				logger.Warn("mqtt broker not reachable yet", "error", err)
				monitor.MarkDown(err)
			}
		}
	case "kafka":
		s := sender.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		send = s.Send
		monitor.SetProbe(s.Probe)
		cleanup = func() { _ = s.Close() }
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s := sender.NewRedisStream(client, cfg.RedisStream, logger)
		send = s.Send
		monitor.SetProbe(s.Probe)
		cleanup = func() { _ = client.Close() }
	default:
		logger.Error("unknown sender kind", "sender", cfg.Sender)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	// --- Transport, Cache and Pipeline ---
	tr, err := transport.New(send, transport.Config{
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.BaseDelay,
		MaxDelay:         cfg.MaxDelay,
		SendTimeout:      cfg.SendTimeout,
		FailureThreshold: cfg.FailureThreshold,
		BreakerWindow:    cfg.BreakerWindow,
		BufferCapacity:   cfg.BufferCapacity,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize transport", "error", err)
		os.Exit(1)
	}

	cache := ttlcache.New[string, domain.Event](cfg.DedupTTL)

	pl, err := pipeline.New(cache, tr, monitor.Up, pipeline.Config{
		DeltaThreshold: cfg.DeltaThreshold,
		QueueCapacity:  cfg.QueueCapacity,
		EgressRate:     cfg.EgressRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	monitor.OnRecovery(func() {
		if n := pl.FlushBuffered(); n > 0 {
			logger.Info("link recovered, redelivering buffered events", "count", n)
		}
	})

	if mqttConnect != nil {
		mqttConnect()
	}
	go monitor.Run(ctx)
	pl.Start()

	m.ObservePipeline(pl.Stats)
	m.ObserveTransport(pl.TransportStats)

	// --- Privacy Scrubber ---
	var scrubber *privacy.Scrubber
	if cfg.PrivacySubjects != "" {
		scrubber = privacy.NewScrubber(strings.Split(cfg.PrivacySubjects, ","), logger)
	}

	// --- Optional MQTT Detection Source ---
	if cfg.MQTTDetectionTopic != "" {
		ingest := func(ctx context.Context, ev domain.Event) {
			if scrubber != nil {
				scrubbed, changed := scrubber.Scrub(ev)
				if changed {
					m.ScrubbedTotal.Inc()
				}
				ev = scrubbed
			}
			decision := pl.Ingest(ev)
			m.DetectionsTotal.WithLabelValues(decision.String()).Inc()
		}
		src := source.NewMQTT(cfg.MQTTBrokerURL, "carl-relay-intake-"+uuid.NewString()[:8], cfg.MQTTDetectionTopic, ingest, logger)
		if err := src.Connect(connectTimeout); err != nil {
			logger.Warn("mqtt detection source not connected yet", "error", err)
		}
		defer src.Close()
	}

	// --- Admin and Metrics Server ---
	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: api.NewRelayAdminRouter(logger, pl),
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	// --- Relay Server ---
	relayRouter := api.NewRelayRouter(cfg, logger, pl, scrubber, m)
	relayServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      middleware.Logging(logger)(relayRouter),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting relay server", "addr", relayServer.Addr)
		if err := relayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("relay server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down relay...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	// Drain the queue before the sender goes away.
	if err := pl.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Error("pipeline did not drain in time", "error", err)
	}

	logger.Info("relay shut down gracefully")
}
