// Package receiver is the consumer-side idempotency guard. Whatever source
// the events arrive from (HTTP, a stream consumer, a broker subscription),
// each one passes AcceptIncoming exactly once before the rest of the system
// is allowed to act on it.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/ttlcache"
)

// Handler consumes an accepted event. Errors are counted and logged but do
// not un-accept the event; redeliveries stay suppressed for the cache TTL.
type Handler func(ctx context.Context, ev domain.Event) error

// Outcome describes what the receiver did with an incoming event.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of receiver counters.
type Stats struct {
	Accepted      uint64         `json:"accepted"`
	Duplicates    uint64         `json:"duplicates"`
	Invalid       uint64         `json:"invalid"`
	HandlerErrors uint64         `json:"handler_errors"`
	Cache         ttlcache.Stats `json:"cache"`
}

// Receiver wraps an independently configured cache (typically a shorter TTL
// than the sensor-side dedup, since it guards delivery rather than
// detection) and a delivery handler.
type Receiver struct {
	cache   *ttlcache.Cache[string, domain.Event]
	handler Handler
	logger  *slog.Logger

	accepted      atomic.Uint64
	duplicates    atomic.Uint64
	invalid       atomic.Uint64
	handlerErrors atomic.Uint64
}

// New wires a receiver. Both the cache and the handler are required.
func New(cache *ttlcache.Cache[string, domain.Event], handler Handler, logger *slog.Logger) (*Receiver, error) {
	if cache == nil {
		return nil, fmt.Errorf("receiver: idempotency cache is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("receiver: delivery handler is required")
	}
	return &Receiver{
		cache:   cache,
		handler: handler,
		logger:  logger.With("component", "receiver"),
	}, nil
}

// AcceptIncoming is the last line of defense against duplicate delivery,
// e.g. a transport retry that succeeded remotely but whose acknowledgment
// was lost. Only events reported Accepted are handed to the handler.
func (r *Receiver) AcceptIncoming(ctx context.Context, ev domain.Event) Outcome {
	if err := ev.Validate(); err != nil {
		r.invalid.Add(1)
		r.logger.Warn("invalid event received, ignoring",
			"subject_id", ev.SubjectID,
			"error", err,
		)
		return Invalid
	}

	if !r.cache.Accept(ev.DedupKey(), ev) {
		r.duplicates.Add(1)
		r.logger.Debug("duplicate delivery suppressed",
			"event_id", ev.ID,
			"dedup_key", ev.DedupKey(),
		)
		return Duplicate
	}

	r.accepted.Add(1)
	if err := r.handler(ctx, ev); err != nil {
		r.handlerErrors.Add(1)
		r.logger.Error("delivery handler failed",
			"event_id", ev.ID,
			"subject_id", ev.SubjectID,
			"error", err,
		)
	}
	return Accepted
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Accepted:      r.accepted.Load(),
		Duplicates:    r.duplicates.Load(),
		Invalid:       r.invalid.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		Cache:         r.cache.Stats(),
	}
}
