// Package state owns the single live telemetry record, the device
// registrations, the ingestion counters and the history ring. Every mutation
// happens under one mutex; readers receive deep copies.
package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/pkg/buffer"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// DefaultHistorySize is the history ring capacity.
const DefaultHistorySize = 100

// Stats summarises ingestion since start.
type Stats struct {
	// PacketsReceived counts accepted updates. It wraps to 0 after 2^32-1.
	PacketsReceived  uint32                     `json:"packetsReceived"`
	InvalidPackets   uint64                     `json:"invalidPackets"`
	DuplicatePackets uint64                     `json:"duplicatePackets"`
	ConnectionStatus telemetry.ConnectionStatus `json:"connectionStatus"`
	LastUpdate       time.Time                  `json:"lastUpdate,omitempty"`
	LastRealUpdate   time.Time                  `json:"lastRealUpdate,omitempty"`
	LiveDevices      int                        `json:"liveDevices"`
	HistorySize      int                        `json:"historySize"`
	Uptime           time.Duration              `json:"uptime"`
}

// Config for the store
type Config struct {
	HistorySize int
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics exports the live device count and history ring statistics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Store) {
		s.registry = registry
	}
}

// Store is safe for concurrent use.
type Store struct {
	now      func() time.Time
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	history  buffer.Buffer[telemetry.HistoryEntry]
	started  time.Time

	mu         sync.Mutex
	current    telemetry.Record
	packets    uint32
	invalid    uint64
	duplicates uint64
	lastUpdate time.Time
	lastReal   time.Time
	devices    map[string]*telemetry.Registration
}

// New creates an empty store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	s := &Store{
		now:     time.Now,
		logger:  slog.Default(),
		devices: make(map[string]*telemetry.Registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")
	s.started = s.now()
	s.current.ConnectionStatus = telemetry.Ptr(telemetry.StatusDisconnected)
	s.current.ConnectionType = telemetry.Ptr(telemetry.TransportNone)

	history, err := buffer.NewCircularBuffer[telemetry.HistoryEntry](cfg.HistorySize,
		buffer.WithMetrics[telemetry.HistoryEntry](s.registry, "history"))
	if err != nil {
		return nil, errors.Wrap(err, "Store", "New", "create history ring")
	}
	s.history = history
	return s, nil
}

// UpdateTelemetry validates fragment under profile, merges it into the live
// record and returns the record as it was before the merge. The store stamps
// deviceId, timestamp (receipt time) and connectionType; updates from a real
// device also mark the link connected.
//
// A rejected fragment increments the invalid counter and leaves the snapshot
// untouched. Under ProfileRelaxed out-of-range fields are dropped instead.
func (s *Store) UpdateTelemetry(fragment telemetry.Record, deviceID string, kind telemetry.TransportKind, profile telemetry.Profile) (telemetry.Record, error) {
	clean, err := s.check(fragment, deviceID, profile)
	if err != nil {
		s.RecordInvalid()
		return telemetry.Record{}, err
	}
	fragment = clean

	now := s.now()
	synthetic := deviceID == telemetry.SyntheticDeviceID

	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.current.Clone()

	s.current.Merge(fragment)
	s.current.DeviceID = deviceID
	s.current.Timestamp = now.UnixMilli()
	s.current.ConnectionType = telemetry.Ptr(kind)
	if !synthetic {
		s.current.ConnectionStatus = telemetry.Ptr(telemetry.StatusConnected)
		s.lastReal = now
	}

	s.packets++ // wraps at uint32 max
	s.lastUpdate = now
	s.touchLocked(deviceID, kind, now)

	if err := s.history.Write(telemetry.HistoryEntry{Record: s.current.Clone(), ReceivedAt: now}); err != nil {
		s.logger.Warn("history write failed", "error", err)
	}

	return prior, nil
}

func (s *Store) check(fragment telemetry.Record, deviceID string, profile telemetry.Profile) (telemetry.Record, error) {
	if err := telemetry.ValidDeviceID(deviceID); err != nil {
		return telemetry.Record{}, errors.WrapInvalid(err, "Store", "UpdateTelemetry", "check device id")
	}
	if fragment.DeviceID != "" && fragment.DeviceID != deviceID {
		return telemetry.Record{}, errors.WrapInvalid(
			fmt.Errorf("%w: fragment %q, submitted as %q", errors.ErrDeviceMismatch, fragment.DeviceID, deviceID),
			"Store", "UpdateTelemetry", "check device id")
	}
	clean, _, err := telemetry.ValidateRecord(fragment, profile)
	return clean, err
}

// GetSnapshot returns a deep copy of the live record.
func (s *Store) GetSnapshot() telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// GetStats returns the ingestion counters.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := telemetry.StatusDisconnected
	if s.current.ConnectionStatus != nil {
		status = *s.current.ConnectionStatus
	}
	return Stats{
		PacketsReceived:  s.packets,
		InvalidPackets:   s.invalid,
		DuplicatePackets: s.duplicates,
		ConnectionStatus: status,
		LastUpdate:       s.lastUpdate,
		LastRealUpdate:   s.lastReal,
		LiveDevices:      len(s.devices),
		HistorySize:      s.history.Size(),
		Uptime:           s.now().Sub(s.started),
	}
}

// History returns up to limit of the most recent entries, oldest first.
// A non-positive limit returns the whole ring.
func (s *Store) History(limit int) []telemetry.HistoryEntry {
	if limit <= 0 {
		return s.history.Snapshot()
	}
	return s.history.Last(limit)
}

// RecordInvalid counts a rejected packet.
func (s *Store) RecordInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

// RecordDuplicate counts a packet dropped by the deduplicator.
func (s *Store) RecordDuplicate() {
	s.mu.Lock()
	s.duplicates++
	s.mu.Unlock()
}

// LastRealUpdate returns the receipt time of the last non-synthetic update.
func (s *Store) LastRealUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReal
}

// ConnectionStatus returns the live record's link status.
func (s *Store) ConnectionStatus() telemetry.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.ConnectionStatus == nil {
		return telemetry.StatusDisconnected
	}
	return *s.current.ConnectionStatus
}

// SetConnectionStatus sets the link status and reports whether it changed.
func (s *Store) SetConnectionStatus(status telemetry.ConnectionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.ConnectionStatus != nil && *s.current.ConnectionStatus == status {
		return false
	}
	s.current.ConnectionStatus = telemetry.Ptr(status)
	return true
}
