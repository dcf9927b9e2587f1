package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/adapter/privacy"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/pipeline"
)

// DetectionHandler handles HTTP requests for detection ingestion.
type DetectionHandler struct {
	pipeline    *pipeline.Pipeline
	scrubber    *privacy.Scrubber
	metrics     *metrics.RelayMetrics
	logger      *slog.Logger
	maxBodySize int64
}

// NewDetectionHandler creates a new DetectionHandler.
func NewDetectionHandler(pl *pipeline.Pipeline, scrubber *privacy.Scrubber, m *metrics.RelayMetrics, logger *slog.Logger, maxBodySize int64) *DetectionHandler {
	return &DetectionHandler{
		pipeline:    pl,
		scrubber:    scrubber,
		metrics:     m,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// ingestSummary reports what happened to each detection in a request.
type ingestSummary struct {
	Forwarded  int `json:"forwarded"`
	Suppressed int `json:"suppressed"`
	Dropped    int `json:"dropped"`
}

func (s *ingestSummary) record(d pipeline.Decision) {
	switch d {
	case pipeline.Forwarded:
		s.Forwarded++
	case pipeline.Suppressed:
		s.Suppressed++
	default:
		s.Dropped++
	}
}

// ServeHTTP processes incoming detection requests. A single detection is
// posted as application/json, a batch as application/x-ndjson.
func (h *DetectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Enforce max body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var summary ingestSummary
	var err error

	switch r.Header.Get("Content-Type") {
	case "application/json":
		err = h.handleSingleJSON(r.Body, &summary)
	case "application/x-ndjson":
		err = h.handleNDJSON(r.Body, &summary)
	default:
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.metrics.BadPayloadTotal.Inc()
		h.logger.Warn("failed to decode ingest request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(summary)
}

// ingest runs one detection through the scrubber and the pipeline.
func (h *DetectionHandler) ingest(ev domain.Event) pipeline.Decision {
	if h.scrubber != nil {
		scrubbed, changed := h.scrubber.Scrub(ev)
		if changed {
			h.metrics.ScrubbedTotal.Inc()
		}
		ev = scrubbed
	}

	decision := h.pipeline.Ingest(ev)
	h.metrics.DetectionsTotal.WithLabelValues(decision.String()).Inc()
	return decision
}

func (h *DetectionHandler) handleSingleJSON(body io.Reader, summary *ingestSummary) error {
	var ev domain.Event
	if err := json.NewDecoder(body).Decode(&ev); err != nil {
		return err
	}

	summary.record(h.ingest(ev))
	return nil
}

func (h *DetectionHandler) handleNDJSON(body io.Reader, summary *ingestSummary) error {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A bad line does not poison the rest of the batch.
			h.metrics.BadPayloadTotal.Inc()
			h.logger.Warn("failed to unmarshal ndjson line", "error", err, "line", string(line))
			continue
		}

		summary.record(h.ingest(ev))
	}

	return scanner.Err()
}
