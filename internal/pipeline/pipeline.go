// Package pipeline stabilizes the raw detection stream: it validates,
// deduplicates, and rate-gates events, then hands survivors to the transport
// from a single worker goroutine. Ingest never blocks on I/O; the bounded
// queue trades the oldest entries for the newest under pressure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

// Decision is the outcome of ingesting one raw detection.
type Decision int

const (
	// Forwarded means the event was queued for delivery.
	Forwarded Decision = iota
	// Suppressed means a fresh duplicate absorbed it.
	Suppressed
	// Dropped means it was invalid, the link was known down, or it was
	// evicted by queue overflow.
	Dropped
)

func (d Decision) String() string {
	switch d {
	case Forwarded:
		return "forwarded"
	case Suppressed:
		return "suppressed"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config controls the stabilization behavior. Zero fields take the
// documented defaults.
type Config struct {
	DeltaThreshold float64 // confidence change that overrides dedup (default 0.1)
	QueueCapacity  int     // bounded queue size (default 128)
	EgressRate     float64 // delivered events/sec, 0 disables the limiter
}

func (c Config) withDefaults() Config {
	if c.DeltaThreshold <= 0 {
		c.DeltaThreshold = 0.1
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 128
	}
	return c
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Ingested       uint64 `json:"ingested"`
	Forwarded      uint64 `json:"forwarded"`
	Suppressed     uint64 `json:"suppressed"`
	InvalidDropped uint64 `json:"invalid_dropped"`
	LinkDropped    uint64 `json:"link_dropped"`
	QueueOverflows uint64 `json:"queue_overflows"`
	Delivered      uint64 `json:"delivered"`
	Buffered       uint64 `json:"buffered"`
	QueueDepth     int    `json:"queue_depth"`
}

// Pipeline owns the dedup cache, the bounded queue, and the single delivery
// worker. Construct with New, then Start; Ingest is safe from any goroutine.
type Pipeline struct {
	cfg     Config
	cache   *ttlcache.Cache[string, domain.Event]
	tr      *transport.Transport
	healthy func() bool
	limiter *rate.Limiter
	logger  *slog.Logger

	queue chan domain.Event

	ingested       atomic.Uint64
	forwarded      atomic.Uint64
	suppressed     atomic.Uint64
	invalidDropped atomic.Uint64
	linkDropped    atomic.Uint64
	queueOverflows atomic.Uint64
	delivered      atomic.Uint64
	buffered       atomic.Uint64

	startOnce  sync.Once
	stopOnce   sync.Once
	started    atomic.Bool
	cancel     context.CancelFunc
	workerDone chan struct{}
}

// New wires a pipeline. cache and tr are required; healthy may be nil, which
// means the link is always presumed usable.
func New(cache *ttlcache.Cache[string, domain.Event], tr *transport.Transport, healthy func() bool, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if cache == nil {
		return nil, fmt.Errorf("pipeline: dedup cache is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.EgressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EgressRate), 1)
	}

	return &Pipeline{
		cfg:        cfg,
		cache:      cache,
		tr:         tr,
		healthy:    healthy,
		limiter:    limiter,
		logger:     logger.With("component", "pipeline"),
		queue:      make(chan domain.Event, cfg.QueueCapacity),
		workerDone: make(chan struct{}),
	}, nil
}

// Ingest runs one raw detection through the decision chain: validate, dedup
// (with the confidence-delta override), link-health gate, then the bounded
// queue. It never blocks on I/O and never panics on malformed input.
func (p *Pipeline) Ingest(ev domain.Event) Decision {
	p.ingested.Add(1)

	if err := ev.Validate(); err != nil {
		p.invalidDropped.Add(1)
		p.logger.Warn("invalid detection dropped",
			"subject_id", ev.SubjectID,
			"confidence", ev.Confidence,
			"error", err,
		)
		return Dropped
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}

	accepted := p.cache.AcceptFunc(ev.DedupKey(), ev, func(prev domain.Event) bool {
		return math.Abs(ev.Confidence-prev.Confidence) >= p.cfg.DeltaThreshold
	})
	if !accepted {
		p.suppressed.Add(1)
		return Suppressed
	}

	if p.healthy != nil && !p.healthy() {
		p.linkDropped.Add(1)
		p.logger.Warn("link known down, detection dropped",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
		)
		return Dropped
	}

	p.enqueue(ev)
	p.forwarded.Add(1)
	return Forwarded
}

// enqueue pushes ev, evicting the oldest queued event when full. The retry
// loop terminates because every pass either pushes or frees a slot.
func (p *Pipeline) enqueue(ev domain.Event) {
	for {
		select {
		case p.queue <- ev:
			return
		default:
		}
		select {
		case old := <-p.queue:
			p.queueOverflows.Add(1)
			p.logger.Warn("queue full, oldest detection evicted",
				"evicted_event_id", old.ID,
				"evicted_subject_id", old.SubjectID,
			)
		default:
		}
	}
}

// Start launches the delivery worker. Calling Start again is a no-op.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.started.Store(true)
		go p.worker(ctx)
		p.logger.Info("pipeline started",
			"queue_capacity", p.cfg.QueueCapacity,
			"delta_threshold", p.cfg.DeltaThreshold,
			"egress_rate", p.cfg.EgressRate,
		)
	})
}

// Stop signals the worker and waits up to timeout for it to finish. An
// in-flight delivery is cancelled; the transport buffers it rather than
// losing it. Stop is idempotent and safe before Start.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if !p.started.Load() {
		return nil
	}
	p.stopOnce.Do(func() {
		p.cancel()
	})
	select {
	case <-p.workerDone:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("pipeline: worker did not stop within %s", timeout)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer close(p.workerDone)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline worker stopping", "queued", len(p.queue))
			return
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, ev domain.Event) {
	if p.limiter != nil {
		// A wait cut short by shutdown falls through; Send buffers under a
		// cancelled context instead of losing the event.
		_ = p.limiter.Wait(ctx)
	}
	switch p.tr.Send(ctx, ev) {
	case transport.Delivered:
		p.delivered.Add(1)
	case transport.Buffered:
		p.buffered.Add(1)
	}
}

// FlushBuffered re-enqueues every transport-buffered event. They already
// passed validation and dedup on first ingestion, so they skip straight to
// the queue. Wire this to the link-health recovery callback.
func (p *Pipeline) FlushBuffered() int {
	events := p.tr.DrainBuffer()
	for _, ev := range events {
		p.enqueue(ev)
	}
	if len(events) > 0 {
		p.logger.Info("buffered events re-enqueued", "count", len(events))
	}
	return len(events)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ingested:       p.ingested.Load(),
		Forwarded:      p.forwarded.Load(),
		Suppressed:     p.suppressed.Load(),
		InvalidDropped: p.invalidDropped.Load(),
		LinkDropped:    p.linkDropped.Load(),
		QueueOverflows: p.queueOverflows.Load(),
		Delivered:      p.delivered.Load(),
		Buffered:       p.buffered.Load(),
		QueueDepth:     len(p.queue),
	}
}

// CacheStats exposes the dedup cache counters for stats endpoints.
func (p *Pipeline) CacheStats() ttlcache.Stats {
	return p.cache.Stats()
}

// TransportStats exposes the transport counters for stats endpoints.
func (p *Pipeline) TransportStats() transport.Stats {
	return p.tr.Stats()
}
