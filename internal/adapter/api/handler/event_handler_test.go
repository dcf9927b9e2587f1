package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Earthbotics/CARL-sub002/internal/adapter/metrics"
	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/receiver"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

type deliverySink struct {
	mu    sync.Mutex
	count int
}

func (s *deliverySink) handle(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *deliverySink) deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newTestEventHandler(t *testing.T) (*EventHandler, *deliverySink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink := &deliverySink{}
	cache := ttlcache.New[string, domain.Event](time.Minute)
	rcv, err := receiver.New(cache, sink.handle, logger)
	if err != nil {
		t.Fatalf("receiver.New: %v", err)
	}

	m := metrics.NewReceiverMetrics(prometheus.NewRegistry())
	return NewEventHandler(rcv, m, logger, 1024), sink
}

func postEvent(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestEventHandler(t *testing.T) {
	t.Run("new event is accepted", func(t *testing.T) {
		h, sink := newTestEventHandler(t)

		rr := postEvent(h, `{"event_id": "ev-1", "subject_id": "cup", "confidence": 0.9}`)

		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
		}
		if body := rr.Body.String(); body != `{"status":"accepted"}`+"\n" {
			t.Errorf("body = %q", body)
		}
		if sink.deliveries() != 1 {
			t.Errorf("deliveries = %d, want 1", sink.deliveries())
		}
	})

	t.Run("redelivery is acknowledged without re-handling", func(t *testing.T) {
		h, sink := newTestEventHandler(t)
		body := `{"event_id": "ev-1", "subject_id": "cup", "confidence": 0.9}`

		postEvent(h, body)
		rr := postEvent(h, body)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
		}
		if got := rr.Body.String(); got != `{"status":"duplicate"}`+"\n" {
			t.Errorf("body = %q", got)
		}
		if sink.deliveries() != 1 {
			t.Errorf("deliveries = %d, want 1", sink.deliveries())
		}
	})

	t.Run("invalid event is rejected", func(t *testing.T) {
		h, sink := newTestEventHandler(t)

		rr := postEvent(h, `{"subject_id": "", "confidence": 0.9}`)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
		}
		if sink.deliveries() != 0 {
			t.Errorf("deliveries = %d, want 0", sink.deliveries())
		}
	})

	t.Run("malformed JSON is rejected", func(t *testing.T) {
		h, _ := newTestEventHandler(t)

		rr := postEvent(h, `{"subject_id": "cup"`)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		h, _ := newTestEventHandler(t)

		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
		}
	})
}
