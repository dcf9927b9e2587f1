// Package linkhealth tracks whether the downstream consumer link is usable.
// The pipeline consults it before queueing (a known-down link means dropping,
// not buffering), and its recovery callback triggers redelivery of buffered
// events.
package linkhealth

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ProbeFunc checks link liveness, returning nil when the remote answers.
type ProbeFunc func(ctx context.Context) error

// Monitor holds the current link verdict. State changes arrive either from
// the periodic probe loop (Run) or pushed by a connection-aware adapter
// (MarkUp/MarkDown from MQTT connect/disconnect handlers). Both paths funnel
// through the same transition logic, so callbacks fire exactly once per
// transition regardless of source.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	up     atomic.Bool
	onUp   func()
	onDown func()
}

// NewMonitor creates a monitor that assumes the link is up until told
// otherwise. probe may be nil when an adapter pushes state instead.
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger.With("component", "linkhealth"),
	}
	m.up.Store(true)
	return m
}

// SetProbe installs the liveness probe. Must be set before Run.
func (m *Monitor) SetProbe(probe ProbeFunc) { m.probe = probe }

// OnRecovery registers fn to run on every down-to-up transition. Must be set
// before Run or the first MarkUp.
func (m *Monitor) OnRecovery(fn func()) { m.onUp = fn }

// OnLoss registers fn to run on every up-to-down transition.
func (m *Monitor) OnLoss(fn func()) { m.onDown = fn }

// Up reports the current verdict. This is the pipeline's health predicate.
func (m *Monitor) Up() bool { return m.up.Load() }

// MarkUp records a live link, firing the recovery callback on transition.
func (m *Monitor) MarkUp() {
	if m.up.CompareAndSwap(false, true) {
		m.logger.Info("downstream link recovered")
		if m.onUp != nil {
			m.onUp()
		}
	}
}

// MarkDown records a dead link, firing the loss callback on transition.
func (m *Monitor) MarkDown(err error) {
	if m.up.CompareAndSwap(true, false) {
		m.logger.Error("downstream link lost", "error", err)
		if m.onDown != nil {
			m.onDown()
		}
	}
}

// Run drives the probe on a ticker until ctx is cancelled. It returns
// immediately when no probe is configured.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		m.logger.Info("no probe configured, relying on pushed link state")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("starting link health probe", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping link health probe")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			err := m.probe(probeCtx)
			cancel()
			if err != nil {
				m.MarkDown(err)
			} else {
				m.MarkUp()
			}
		}
	}
}
