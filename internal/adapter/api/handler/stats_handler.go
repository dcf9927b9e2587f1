package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// StatsHandler serves a JSON snapshot of runtime counters.
type StatsHandler struct {
	logger   *slog.Logger
	snapshot func() any
}

// NewStatsHandler creates a new StatsHandler around a snapshot function.
func NewStatsHandler(logger *slog.Logger, snapshot func() any) *StatsHandler {
	return &StatsHandler{logger: logger, snapshot: snapshot}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := json.Marshal(h.snapshot())
	if err != nil {
		h.logger.Error("failed to marshal stats snapshot", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
