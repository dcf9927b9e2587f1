package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/receiver"
)

// EventHandler handles stabilized events arriving at the receiver over HTTP.
type EventHandler struct {
	receiver    *receiver.Receiver
	metrics     *metrics.ReceiverMetrics
	logger      *slog.Logger
	maxBodySize int64
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(rcv *receiver.Receiver, m *metrics.ReceiverMetrics, logger *slog.Logger, maxBodySize int64) *EventHandler {
	return &EventHandler{
		receiver:    rcv,
		metrics:     m,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// ServeHTTP processes one event per request. Duplicates are acknowledged
// with 200 so the relay treats the send as delivered and stops retrying.
func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var ev domain.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("failed to decode event", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	outcome := h.receiver.AcceptIncoming(r.Context(), ev)
	h.metrics.EventsTotal.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case receiver.Accepted:
		h.respondStatus(w, http.StatusAccepted, "accepted")
	case receiver.Duplicate:
		h.respondStatus(w, http.StatusOK, "duplicate")
	default:
		http.Error(w, "Bad request", http.StatusBadRequest)
	}
}

func (h *EventHandler) respondStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
