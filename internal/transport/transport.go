// Package transport delivers events to the downstream consumer over an
// unreliable link. It wraps an injected send function with per-attempt
// timeouts, exponential backoff with jitter, a circuit breaker, and a bounded
// local buffer so that an outage never blocks or silently discards the
// pipeline's output.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// Sentinel errors senders wrap to classify a failed attempt. Anything that
// is neither is treated as unreachable.
var (
	ErrUnreachable = errors.New("endpoint unreachable")
	ErrRejected    = errors.New("event rejected by endpoint")
)

// SendFunc performs one delivery attempt over the wire. Implementations must
// honor ctx cancellation and wrap ErrUnreachable or ErrRejected so failures
// can be classified.
type SendFunc func(ctx context.Context, ev domain.Event) error

// Disposition is the outcome of a Send call.
type Disposition int

const (
	// Delivered means the consumer acknowledged the event.
	Delivered Disposition = iota
	// Buffered means delivery failed (or was short-circuited) and the event
	// now sits in the local buffer awaiting a flush.
	Buffered
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// CircuitState reports whether the breaker currently permits wire attempts.
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// Config controls retry, breaker, and buffering behavior. Zero fields take
// the documented defaults.
type Config struct {
	MaxRetries       int           // additional attempts after the first (default 3)
	BaseDelay        time.Duration // first backoff delay (default 200ms)
	MaxDelay         time.Duration // backoff cap (default 5s)
	SendTimeout      time.Duration // per-attempt deadline (default 3s)
	FailureThreshold int           // consecutive failed cycles before the circuit opens (default 3)
	BreakerWindow    time.Duration // how long the circuit stays open before a probe (default 30s)
	BufferCapacity   int           // local buffer size (default 512)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 30 * time.Second
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 512
	}
	return c
}

// Stats is a point-in-time snapshot of transport behavior.
type Stats struct {
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Delivered           uint64       `json:"delivered"`
	Unreachable         uint64       `json:"unreachable"`
	Rejected            uint64       `json:"rejected"`
	ShortCircuited      uint64       `json:"short_circuited"`
	Buffered            uint64       `json:"buffered"`
	BufferDepth         int          `json:"buffer_depth"`
	BufferOverflows     uint64       `json:"buffer_overflows"`
}

// Transport owns the delivery state machine. Send is intended to be called
// from a single worker goroutine; Stats and DrainBuffer are safe from any
// goroutine.
type Transport struct {
	send   SendFunc
	cfg    Config
	logger *slog.Logger
	buf    *eventBuffer

	mu         sync.Mutex
	circuit    CircuitState
	failures   int
	openedAt   time.Time
	retryDelay time.Duration // adaptive: doubles on failed cycles, halves on success

	delivered      uint64
	unreachable    uint64
	rejected       uint64
	shortCircuited uint64
	bufferedTotal  uint64
}

// New wires a transport around send. A nil send is a wiring mistake and is
// rejected immediately rather than discovered on the first delivery.
func New(send SendFunc, cfg Config, logger *slog.Logger) (*Transport, error) {
	if send == nil {
		return nil, fmt.Errorf("transport: send function is required")
	}
	cfg = cfg.withDefaults()
	return &Transport{
		send:       send,
		cfg:        cfg,
		logger:     logger.With("component", "transport"),
		buf:        newEventBuffer(cfg.BufferCapacity),
		circuit:    CircuitClosed,
		retryDelay: cfg.BaseDelay,
	}, nil
}

// Send attempts delivery of ev, retrying with exponential backoff and jitter.
// It returns Delivered on acknowledgment and Buffered in every other case:
// open circuit, exhausted retries, or ctx cancellation mid-cycle. An event
// handed to Send is never lost except through buffer overflow.
func (t *Transport) Send(ctx context.Context, ev domain.Event) Disposition {
	probe, open := t.admit()
	if open {
		t.mu.Lock()
		t.shortCircuited++
		t.mu.Unlock()
		t.bufferEvent(ev, "circuit open")
		return Buffered
	}

	attempts := 1 + t.cfg.MaxRetries
	if probe {
		// Half-open: one probe attempt decides whether the circuit closes.
		attempts = 1
	}

	base := t.currentRetryDelay()
	for attempt := 1; attempt <= attempts; attempt++ {
		err := t.attempt(ctx, ev)
		if err == nil {
			t.recordSuccess()
			return Delivered
		}
		t.classifyError(err)

		if attempt == attempts {
			break
		}
		delay := jitter(backoff(base, attempt, t.cfg.MaxDelay))
		t.logger.Warn("send attempt failed, backing off",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutdown says nothing about link health; buffer without
			// charging the breaker.
			t.bufferEvent(ev, "context cancelled during backoff")
			return Buffered
		}
	}

	t.recordCycleFailure(probe)
	t.bufferEvent(ev, "retries exhausted")
	return Buffered
}

func (t *Transport) attempt(ctx context.Context, ev domain.Event) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	return t.send(attemptCtx, ev)
}

// admit decides how the breaker treats this cycle: short-circuit (open=true),
// probe the link (probe=true), or proceed normally.
func (t *Transport) admit() (probe, open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.circuit != CircuitOpen {
		return false, false
	}
	if time.Since(t.openedAt) < t.cfg.BreakerWindow {
		return false, true
	}
	return true, false
}

func (t *Transport) currentRetryDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryDelay
}

func (t *Transport) recordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered++
	t.failures = 0
	if t.circuit == CircuitOpen {
		t.circuit = CircuitClosed
		t.logger.Info("circuit closed after successful probe")
	}
	t.retryDelay /= 2
	if t.retryDelay < t.cfg.BaseDelay {
		t.retryDelay = t.cfg.BaseDelay
	}
}

func (t *Transport) classifyError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if errors.Is(err, ErrRejected) {
		t.rejected++
	} else {
		t.unreachable++
	}
}

// recordCycleFailure counts a fully failed Send cycle against the breaker and
// grows the adaptive delay. A failed probe re-opens the circuit immediately.
func (t *Transport) recordCycleFailure(probe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.retryDelay *= 2
	if t.retryDelay > t.cfg.MaxDelay {
		t.retryDelay = t.cfg.MaxDelay
	}

	if probe {
		t.openedAt = time.Now()
		t.logger.Warn("probe failed, circuit re-opened", "window", t.cfg.BreakerWindow)
		return
	}
	t.failures++
	if t.failures >= t.cfg.FailureThreshold && t.circuit != CircuitOpen {
		t.circuit = CircuitOpen
		t.openedAt = time.Now()
		t.logger.Warn("circuit opened",
			"consecutive_failures", t.failures,
			"window", t.cfg.BreakerWindow,
		)
	}
}

func (t *Transport) bufferEvent(ev domain.Event, reason string) {
	dropped := t.buf.push(ev)
	t.mu.Lock()
	t.bufferedTotal++
	t.mu.Unlock()
	if dropped {
		t.logger.Error("buffer full, oldest event discarded",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
			"capacity", t.cfg.BufferCapacity,
		)
	} else {
		t.logger.Info("event buffered", "event_id", ev.ID, "reason", reason)
	}
}

// DrainBuffer removes and returns all buffered events in FIFO order. Callers
// re-enqueue them through the pipeline so redelivery follows the normal path.
func (t *Transport) DrainBuffer() []domain.Event {
	return t.buf.drain()
}

// BufferLen reports how many events currently await redelivery.
func (t *Transport) BufferLen() int {
	return t.buf.len()
}

// Stats returns a consistent snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Circuit:             t.circuit,
		ConsecutiveFailures: t.failures,
		Delivered:           t.delivered,
		Unreachable:         t.unreachable,
		Rejected:            t.rejected,
		ShortCircuited:      t.shortCircuited,
		Buffered:            t.bufferedTotal,
		BufferDepth:         t.buf.len(),
		BufferOverflows:     t.buf.overflowCount(),
	}
}

// backoff returns the uncapped-then-capped exponential delay for attempt
// (1-based): base, 2·base, 4·base, ...
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// jitter spreads a delay by ±10% so synchronized retries from multiple relays
// do not stampede a recovering endpoint.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
