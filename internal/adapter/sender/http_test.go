package sender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() domain.Event {
	return domain.Event{
		ID:         "ev-1",
		SubjectID:  "cup",
		Attribute:  "red",
		Confidence: 0.9,
		CapturedAt: time.Now().UTC(),
	}
}

func TestHTTP_Send(t *testing.T) {
	t.Run("accepted response delivers", func(t *testing.T) {
		var gotKey string
		var gotEvent domain.Event
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get(APIKeyHeader)
			if err := json.NewDecoder(r.Body).Decode(&gotEvent); err != nil {
				t.Errorf("decode body: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		s := NewHTTP(srv.URL, "secret", discardLogger())
		if err := s.Send(context.Background(), testEvent()); err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
		if gotKey != "secret" {
			t.Errorf("api key header = %q, want %q", gotKey, "secret")
		}
		if gotEvent.SubjectID != "cup" {
			t.Errorf("delivered subject = %q, want cup", gotEvent.SubjectID)
		}
	})

	t.Run("4xx means rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", http.StatusUnauthorized)
		}))
		defer srv.Close()

		s := NewHTTP(srv.URL, "", discardLogger())
		err := s.Send(context.Background(), testEvent())
		if !errors.Is(err, transport.ErrRejected) {
			t.Fatalf("error = %v, want ErrRejected", err)
		}
	})

	t.Run("5xx means unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "later", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		s := NewHTTP(srv.URL, "", discardLogger())
		err := s.Send(context.Background(), testEvent())
		if !errors.Is(err, transport.ErrUnreachable) {
			t.Fatalf("error = %v, want ErrUnreachable", err)
		}
	})

	t.Run("dead endpoint means unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		s := NewHTTP(url, "", discardLogger())
		err := s.Send(context.Background(), testEvent())
		if !errors.Is(err, transport.ErrUnreachable) {
			t.Fatalf("error = %v, want ErrUnreachable", err)
		}
	})
}

func TestHTTP_Probe(t *testing.T) {
	t.Run("any response proves reachability", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusMethodNotAllowed)
		}))
		defer srv.Close()

		s := NewHTTP(srv.URL, "", discardLogger())
		if err := s.Probe(context.Background()); err != nil {
			t.Fatalf("Probe returned error: %v", err)
		}
	})

	t.Run("dead endpoint fails the probe", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		s := NewHTTP(url, "", discardLogger())
		if err := s.Probe(context.Background()); err == nil {
			t.Fatal("expected the probe to fail against a dead endpoint")
		}
	})
}
