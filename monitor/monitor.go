// Package monitor runs the periodic connection sweep: it times out a silent
// device, expires stale registrations, schedules the simulation fallback
// when nothing is live and publishes aggregate stats on every tick.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Defaults
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 15 * time.Second
	DefaultGrace    = 4 * time.Second
)

// Fallback is the part of the simulation fallback the monitor drives.
type Fallback interface {
	Active() bool
	RequestStart(grace time.Duration)
}

// StatsFunc supplies the payload of the per-tick stats event.
type StatsFunc func() any

// Config for the monitor
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Grace    time.Duration
	// FallbackEnabled gates rule (c).
	FallbackEnabled bool
}

// ConnectionMonitor is driven by Run or, in tests, by calling Sweep.
type ConnectionMonitor struct {
	cfg      Config
	store    *state.Store
	hub      *broadcast.Hub
	fallback Fallback
	stats    StatsFunc
	logger   *slog.Logger
}

// StatusEvent is the payload of the link-level EventStatus.
type StatusEvent struct {
	Status         telemetry.ConnectionStatus `json:"status"`
	LastRealUpdate time.Time                  `json:"lastRealUpdate,omitempty"`
	Silence        time.Duration              `json:"silence"`
}

// New creates a monitor. fallback may be nil; stats may be nil, in which
// case the store's stats are published.
func New(cfg Config, store *state.Store, hub *broadcast.Hub, fallback Fallback, stats StatsFunc, logger *slog.Logger) (*ConnectionMonitor, error) {
	if store == nil || hub == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "ConnectionMonitor", "New", "check dependencies")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = func() any { return store.GetStats() }
	}
	return &ConnectionMonitor{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		fallback: fallback,
		stats:    stats,
		logger:   logger.With("component", "monitor"),
	}, nil
}

// Run sweeps every Interval until ctx is done.
func (m *ConnectionMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("connection monitor started",
		"interval", m.cfg.Interval,
		"timeout", m.cfg.Timeout,
		"fallback", m.cfg.FallbackEnabled)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connection monitor stopped")
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	TimedOut          bool
	Removed           []string
	FallbackRequested bool
}

// Sweep applies the four rules once, as of now.
func (m *ConnectionMonitor) Sweep(now time.Time) SweepResult {
	var res SweepResult

	// (a) silent device
	last := m.store.LastRealUpdate()
	silence := now.Sub(last)
	if m.store.ConnectionStatus() == telemetry.StatusConnected && silence > m.cfg.Timeout {
		if m.store.SetConnectionStatus(telemetry.StatusTimeout) {
			res.TimedOut = true
			m.logger.Warn("device link timed out", "silence", silence.Round(time.Millisecond), "timeout", m.cfg.Timeout)
			m.publish(broadcast.EventStatus, StatusEvent{Status: telemetry.StatusTimeout, LastRealUpdate: last, Silence: silence})
		}
	}

	// (b) stale registrations, synthetic included
	res.Removed = m.store.RemoveStaleDevices(m.cfg.Timeout)
	for _, id := range res.Removed {
		m.logger.Info("device registration expired", "device", id)
		m.publish(broadcast.EventStatus, ingest.DeviceEvent{DeviceID: id, Status: telemetry.StatusDisconnected})
	}

	// (c) nothing live
	if m.cfg.FallbackEnabled && m.fallback != nil && len(m.store.Devices()) == 0 && !m.fallback.Active() {
		m.fallback.RequestStart(m.cfg.Grace)
		res.FallbackRequested = true
	}

	// (d) always
	m.publish(broadcast.EventStats, m.stats())
	return res
}

func (m *ConnectionMonitor) publish(kind broadcast.EventKind, payload any) {
	if _, err := m.hub.Publish(kind, payload); err != nil {
		m.logger.Warn("broadcast failed", "event", kind, "error", err)
	}
}
