package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/api/handler"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/api/middleware"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/privacy"
	"github.com/Earthbotics/CARL-sub002/internal/pipeline"
	"github.com/Earthbotics/CARL-sub002/internal/pkg/config"
	"github.com/Earthbotics/CARL-sub002/internal/receiver"
)

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// NewRelayRouter creates and configures the detection-facing HTTP router
// for the relay daemon.
func NewRelayRouter(
	cfg *config.RelayConfig,
	logger *slog.Logger,
	pl *pipeline.Pipeline,
	scrubber *privacy.Scrubber,
	m *metrics.RelayMetrics,
) http.Handler {
	mux := http.NewServeMux()

	detectionHandler := handler.NewDetectionHandler(pl, scrubber, m, logger, cfg.MaxBodyBytes)
	authMiddleware := middleware.Auth(cfg.IngestKey, logger)

	mux.Handle("POST /detections", authMiddleware(detectionHandler))
	mux.HandleFunc("GET /health", health)

	return mux
}

// NewRelayAdminRouter creates the operator-facing router for the relay:
// Prometheus metrics and a JSON counters snapshot.
func NewRelayAdminRouter(logger *slog.Logger, pl *pipeline.Pipeline) http.Handler {
	mux := http.NewServeMux()

	statsHandler := handler.NewStatsHandler(logger, func() any {
		return map[string]any{
			"pipeline":  pl.Stats(),
			"cache":     pl.CacheStats(),
			"transport": pl.TransportStats(),
		}
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /stats", statsHandler)
	mux.HandleFunc("GET /health", health)

	return mux
}

// NewReceiverRouter creates and configures the HTTP router for the receiver
// daemon: event intake, the live event stream, metrics and stats.
func NewReceiverRouter(
	cfg *config.ReceiverConfig,
	logger *slog.Logger,
	rcv *receiver.Receiver,
	broker *handler.SSEBroker,
	m *metrics.ReceiverMetrics,
) http.Handler {
	mux := http.NewServeMux()

	eventHandler := handler.NewEventHandler(rcv, m, logger, cfg.MaxBodyBytes)
	authMiddleware := middleware.Auth(cfg.SharedKey, logger)

	mux.Handle("POST /events", authMiddleware(eventHandler))
	mux.Handle("GET /stream", broker)

	statsHandler := handler.NewStatsHandler(logger, func() any {
		return rcv.Stats()
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /stats", statsHandler)
	mux.HandleFunc("GET /health", health)

	return mux
}
