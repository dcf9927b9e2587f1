package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// consumer records delivered events and can be told to fail.
type consumer struct {
	mu      sync.Mutex
	got     []domain.Event
	failErr error
}

func (c *consumer) sendFunc() transport.SendFunc {
	return func(ctx context.Context, ev domain.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failErr != nil {
			return c.failErr
		}
		c.got = append(c.got, ev)
		return nil
	}
}

func (c *consumer) setFailure(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

func (c *consumer) received() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.got))
	copy(out, c.got)
	return out
}

func testTransportConfig() transport.Config {
	return transport.Config{
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		SendTimeout:      50 * time.Millisecond,
		FailureThreshold: 3,
		BreakerWindow:    40 * time.Millisecond,
		BufferCapacity:   8,
	}
}

func newTestPipeline(t *testing.T, c *consumer, cfg Config, ttl time.Duration, healthy func() bool) *Pipeline {
	t.Helper()
	logger := discardLogger()
	tr, err := transport.New(c.sendFunc(), testTransportConfig(), logger)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	cache := ttlcache.New[string, domain.Event](ttl)
	p, err := New(cache, tr, healthy, cfg, logger)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func detection(subject, attribute string, confidence float64) domain.Event {
	return domain.Event{
		SubjectID:  subject,
		Attribute:  attribute,
		Confidence: confidence,
		CapturedAt: time.Now().UTC(),
		Origin:     "test",
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_Validation(t *testing.T) {
	logger := discardLogger()
	tr, err := transport.New(func(context.Context, domain.Event) error { return nil }, transport.Config{}, logger)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	if _, err := New(nil, tr, nil, Config{}, logger); err == nil {
		t.Error("expected an error for nil cache")
	}
	cache := ttlcache.New[string, domain.Event](time.Second)
	if _, err := New(cache, nil, nil, Config{}, logger); err == nil {
		t.Error("expected an error for nil transport")
	}
}

func TestPipeline_IngestDecisions(t *testing.T) {
	t.Run("invalid detection is dropped before the queue", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)

		if got := p.Ingest(detection("", "red", 0.8)); got != Dropped {
			t.Fatalf("decision = %v, want Dropped", got)
		}
		st := p.Stats()
		if st.InvalidDropped != 1 {
			t.Errorf("invalid_dropped = %d, want 1", st.InvalidDropped)
		}
		if st.QueueDepth != 0 {
			t.Errorf("queue depth = %d, want 0", st.QueueDepth)
		}
	})

	t.Run("duplicate within ttl is suppressed", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)

		if got := p.Ingest(detection("cup", "red", 0.80)); got != Forwarded {
			t.Fatalf("first decision = %v, want Forwarded", got)
		}
		if got := p.Ingest(detection("cup", "red", 0.82)); got != Suppressed {
			t.Fatalf("second decision = %v, want Suppressed", got)
		}
	})

	t.Run("confidence delta override forwards within ttl", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)

		p.Ingest(detection("cup", "red", 0.50))
		if got := p.Ingest(detection("cup", "red", 0.75)); got != Forwarded {
			t.Fatalf("decision = %v, want Forwarded on large delta", got)
		}
	})

	t.Run("ttl expiry forwards an identical detection", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, 30*time.Millisecond, nil)

		p.Ingest(detection("cup", "red", 0.8))
		time.Sleep(50 * time.Millisecond)
		if got := p.Ingest(detection("cup", "red", 0.8)); got != Forwarded {
			t.Fatalf("decision = %v, want Forwarded after ttl", got)
		}
	})

	t.Run("known-down link drops instead of queueing", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, func() bool { return false })

		if got := p.Ingest(detection("cup", "red", 0.8)); got != Dropped {
			t.Fatalf("decision = %v, want Dropped", got)
		}
		st := p.Stats()
		if st.LinkDropped != 1 {
			t.Errorf("link_dropped = %d, want 1", st.LinkDropped)
		}
		if st.QueueDepth != 0 {
			t.Errorf("queue depth = %d, want 0", st.QueueDepth)
		}
	})

	t.Run("distinct attributes are independent", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)

		p.Ingest(detection("cup", "red", 0.8))
		if got := p.Ingest(detection("cup", "blue", 0.8)); got != Forwarded {
			t.Fatalf("decision = %v, want Forwarded for a different attribute", got)
		}
		if got := p.Ingest(detection("cup", "", 0.8)); got != Forwarded {
			t.Fatalf("decision = %v, want Forwarded for the bare subject", got)
		}
	})
}

func TestPipeline_EnrichesForwardedEvents(t *testing.T) {
	c := &consumer{}
	p := newTestPipeline(t, c, Config{}, time.Minute, nil)
	p.Start()

	p.Ingest(domain.Event{SubjectID: "cup", Confidence: 0.9})
	waitFor(t, func() bool { return len(c.received()) == 1 }, "delivery")

	got := c.received()[0]
	if got.ID == "" {
		t.Error("expected an assigned event ID")
	}
	if got.CapturedAt.IsZero() {
		t.Error("expected CapturedAt to be filled")
	}
}

func TestPipeline_QueueOverflowEvictsOldest(t *testing.T) {
	c := &consumer{}
	p := newTestPipeline(t, c, Config{QueueCapacity: 2}, time.Minute, nil)

	// Worker not started: the queue holds everything.
	p.Ingest(detection("a", "", 0.9))
	p.Ingest(detection("b", "", 0.9))
	p.Ingest(detection("c", "", 0.9))

	st := p.Stats()
	if st.QueueOverflows != 1 {
		t.Fatalf("queue_overflows = %d, want 1", st.QueueOverflows)
	}
	if st.QueueDepth != 2 {
		t.Fatalf("queue depth = %d, want 2", st.QueueDepth)
	}

	p.Start()
	waitFor(t, func() bool { return len(c.received()) == 2 }, "queued deliveries")

	got := c.received()
	if got[0].SubjectID != "b" || got[1].SubjectID != "c" {
		t.Errorf("delivered order = [%s %s], want [b c]", got[0].SubjectID, got[1].SubjectID)
	}
}

func TestPipeline_WorkerDelivers(t *testing.T) {
	c := &consumer{}
	p := newTestPipeline(t, c, Config{}, time.Minute, nil)
	p.Start()

	p.Ingest(detection("cup", "red", 0.9))
	p.Ingest(detection("plate", "white", 0.8))
	p.Ingest(detection("fork", "", 0.7))

	waitFor(t, func() bool { return len(c.received()) == 3 }, "three deliveries")

	st := p.Stats()
	if st.Delivered != 3 {
		t.Errorf("delivered = %d, want 3", st.Delivered)
	}
	if st.Forwarded != 3 {
		t.Errorf("forwarded = %d, want 3", st.Forwarded)
	}
}

func TestPipeline_StartStopLifecycle(t *testing.T) {
	t.Run("stop before start is a no-op", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("Stop before Start: %v", err)
		}
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)
		p.Start()
		p.Start()
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("first Stop: %v", err)
		}
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("second Stop: %v", err)
		}
	})

	t.Run("ingest after stop still answers", func(t *testing.T) {
		p := newTestPipeline(t, &consumer{}, Config{}, time.Minute, nil)
		p.Start()
		if err := p.Stop(time.Second); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if got := p.Ingest(detection("cup", "red", 0.9)); got != Forwarded {
			t.Fatalf("decision after stop = %v, want Forwarded (queued, undelivered)", got)
		}
	})
}

func TestPipeline_FlushBuffered(t *testing.T) {
	c := &consumer{}
	c.setFailure(transport.ErrUnreachable)
	p := newTestPipeline(t, c, Config{}, time.Minute, nil)
	p.Start()

	p.Ingest(detection("cup", "red", 0.9))
	p.Ingest(detection("plate", "white", 0.8))

	waitFor(t, func() bool { return p.TransportStats().BufferDepth == 2 }, "two buffered events")

	c.setFailure(nil)
	if n := p.FlushBuffered(); n != 2 {
		t.Fatalf("FlushBuffered = %d, want 2", n)
	}
	waitFor(t, func() bool { return len(c.received()) == 2 }, "redelivery of buffered events")

	if n := p.FlushBuffered(); n != 0 {
		t.Errorf("second FlushBuffered = %d, want 0 (drain happens exactly once)", n)
	}
	got := c.received()
	if got[0].SubjectID != "cup" || got[1].SubjectID != "plate" {
		t.Errorf("redelivery order = [%s %s], want [cup plate]", got[0].SubjectID, got[1].SubjectID)
	}
}

func TestPipeline_EgressRateLimiter(t *testing.T) {
	c := &consumer{}
	p := newTestPipeline(t, c, Config{EgressRate: 50}, time.Minute, nil)

	p.Ingest(detection("a", "", 0.9))
	p.Ingest(detection("b", "", 0.9))
	p.Ingest(detection("c", "", 0.9))

	start := time.Now()
	p.Start()
	waitFor(t, func() bool { return len(c.received()) == 3 }, "rate-limited deliveries")

	// At 50 events/sec the second and third sends wait ~20ms each.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("3 deliveries took %v, expected the limiter to stretch them past 30ms", elapsed)
	}
}
