// Package ingest is the single path every transport submits telemetry
// through: validate, touch the registration, deduplicate, merge under the
// ingestion circuit breaker, broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/dedup"
	cerrors "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// DefaultDeviceID is used when neither the transport nor the payload names
// a device.
const DefaultDeviceID = "esp32_uav"

// Rejection reasons reported in Result.Reason and as metric labels.
const (
	ReasonInvalid     = "invalid"
	ReasonCircuitOpen = "circuit_open"
	ReasonShutdown    = "shutdown"
)

// Submission is one inbound packet. Exactly one of Raw and Record is set:
// Raw for wire payloads that still need decoding, Record for fragments a
// transport has already typed (broker topics, the simulator).
type Submission struct {
	DeviceID  string
	Transport telemetry.TransportKind
	Profile   telemetry.Profile
	Raw       map[string]any
	Record    *telemetry.Record
}

// Result reports what happened to a submission. A duplicate is accepted:
// the device is alive, the packet simply carried nothing new.
type Result struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"`
	Err       error  `json:"-"`
}

// RealDataListener is told about every accepted non-synthetic update. The
// simulation fallback implements it to stand down.
type RealDataListener interface {
	NotifyRealData()
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store   *state.Store
	dedup   *dedup.Deduplicator
	breaker *circuit.Breaker
	hub     *broadcast.Hub
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time

	defaultDevice string

	mu        sync.RWMutex
	listeners []RealDataListener
	closed    bool
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock replaces time.Now for the dedup window.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics counts packets per transport.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Pipeline) {
		if registry != nil {
			p.metrics = registry.CoreMetrics()
		}
	}
}

// WithDefaultDeviceID overrides DefaultDeviceID.
func WithDefaultDeviceID(id string) Option {
	return func(p *Pipeline) {
		if id != "" {
			p.defaultDevice = id
		}
	}
}

// New wires a pipeline. The breaker must be dedicated to ingestion; command
// dispatch never goes through it.
func New(store *state.Store, dd *dedup.Deduplicator, breaker *circuit.Breaker, hub *broadcast.Hub, opts ...Option) (*Pipeline, error) {
	if store == nil || dd == nil || breaker == nil || hub == nil {
		return nil, cerrors.WrapFatal(cerrors.ErrMissingConfig, "Pipeline", "New", "check dependencies")
	}
	p := &Pipeline{
		store:         store,
		dedup:         dd,
		breaker:       breaker,
		hub:           hub,
		logger:        slog.Default(),
		now:           time.Now,
		defaultDevice: DefaultDeviceID,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")
	return p, nil
}

// AddListener registers l for real-data notifications.
func (p *Pipeline) AddListener(l RealDataListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Close makes every later Submit fail with cerrors.ErrShuttingDown.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Breaker exposes the ingestion breaker for health and stats reporting.
func (p *Pipeline) Breaker() *circuit.Breaker {
	return p.breaker
}

// Submit runs one packet through the pipeline. It never panics on bad input;
// the outcome is in the Result, with Err classified for the caller's status
// mapping.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) Result {
	kind := sub.Transport
	if !kind.Valid() {
		kind = telemetry.TransportNone
	}
	p.count(func(m *metric.Metrics) { m.PacketsReceived.WithLabelValues(string(kind)).Inc() })

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return p.reject(kind, ReasonShutdown, cerrors.WrapTransient(cerrors.ErrShuttingDown, "Pipeline", "Submit", "accept packet"))
	}
	if err := ctx.Err(); err != nil {
		return p.reject(kind, ReasonShutdown, cerrors.WrapTransient(err, "Pipeline", "Submit", "accept packet"))
	}

	fragment, err := p.decode(sub)
	if err != nil {
		p.store.RecordInvalid()
		return p.reject(kind, ReasonInvalid, err)
	}

	deviceID := sub.DeviceID
	if deviceID == "" {
		deviceID = fragment.DeviceID
	}
	if deviceID == "" {
		deviceID = p.defaultDevice
	}
	if err := telemetry.ValidDeviceID(deviceID); err != nil {
		p.store.RecordInvalid()
		return p.reject(kind, ReasonInvalid, cerrors.WrapInvalid(err, "Pipeline", "Submit", "resolve device"))
	}

	// checked here so a misbehaving peer cannot trip the shared breaker
	if fragment.DeviceID != "" && fragment.DeviceID != deviceID {
		p.store.RecordInvalid()
		return p.reject(kind, ReasonInvalid, cerrors.WrapInvalid(
			fmt.Errorf("%w: fragment %q, submitted as %q", cerrors.ErrDeviceMismatch, fragment.DeviceID, deviceID),
			"Pipeline", "Submit", "resolve device"))
	}

	// A duplicate still proves the device is alive.
	if p.store.TouchDevice(deviceID, kind) {
		p.publish(broadcast.EventDevice, DeviceEvent{DeviceID: deviceID, Transport: kind, Status: telemetry.StatusConnected})
	}

	if p.dedup.IsDuplicate(deviceID, fragment.PacketNumber, p.now()) {
		p.store.RecordDuplicate()
		p.count(func(m *metric.Metrics) { m.PacketsDuplicate.WithLabelValues(string(kind)).Inc() })
		return Result{Accepted: true, Duplicate: true}
	}

	err = p.breaker.Execute(func() error {
		_, err := p.store.UpdateTelemetry(fragment, deviceID, kind, sub.Profile)
		return err
	})
	if err != nil {
		// not merged, so a retry must not read as a duplicate
		p.dedup.Forget(deviceID, fragment.PacketNumber)
	}
	switch {
	case errors.Is(err, cerrors.ErrCircuitOpen):
		return p.reject(kind, ReasonCircuitOpen, err)
	case err != nil:
		// the store has already counted it as invalid
		return p.reject(kind, ReasonInvalid, err)
	}

	p.count(func(m *metric.Metrics) { m.PacketsAccepted.WithLabelValues(string(kind)).Inc() })
	p.publish(broadcast.EventTelemetry, p.store.GetSnapshot())

	p.NotifyPresence(deviceID)
	return Result{Accepted: true}
}

// NotifyPresence tells every RealDataListener that a real device is present.
// Submit calls it for each accepted packet; transports call it when a device
// announces itself before sending any telemetry. The synthetic device is
// ignored.
func (p *Pipeline) NotifyPresence(deviceID string) {
	if deviceID == telemetry.SyntheticDeviceID {
		return
	}
	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, l := range listeners {
		l.NotifyRealData()
	}
}

func (p *Pipeline) decode(sub Submission) (telemetry.Record, error) {
	switch {
	case sub.Record != nil:
		return *sub.Record, nil
	case sub.Raw != nil:
		rec, issues, err := telemetry.Validate(sub.Raw, sub.Profile)
		if err != nil {
			return telemetry.Record{}, err
		}
		for _, issue := range issues {
			p.logger.Debug("field dropped", "transport", sub.Transport, "field", issue.Field, "reason", issue.Reason)
		}
		if rec.Empty() && len(issues) > 0 {
			return telemetry.Record{}, cerrors.WrapInvalid(
				fmt.Errorf("%w: no valid fields", cerrors.ErrInvalidData), "Pipeline", "Submit", "decode")
		}
		return rec, nil
	default:
		return telemetry.Record{}, cerrors.WrapInvalid(
			fmt.Errorf("%w: empty submission", cerrors.ErrInvalidData), "Pipeline", "Submit", "decode")
	}
}

func (p *Pipeline) reject(kind telemetry.TransportKind, reason string, err error) Result {
	p.count(func(m *metric.Metrics) { m.PacketsRejected.WithLabelValues(string(kind), reason).Inc() })
	p.logger.Debug("packet rejected", "transport", kind, "reason", reason, "error", err)
	return Result{Reason: Describe(err), Err: err}
}

func (p *Pipeline) publish(kind broadcast.EventKind, payload any) {
	if _, err := p.hub.Publish(kind, payload); err != nil {
		p.logger.Warn("broadcast failed", "event", kind, "error", err)
	}
}

func (p *Pipeline) count(fn func(*metric.Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}

// DeviceEvent is the payload of EventDevice and per-device EventStatus.
type DeviceEvent struct {
	DeviceID  string                     `json:"deviceId"`
	Transport telemetry.TransportKind    `json:"transport"`
	Status    telemetry.ConnectionStatus `json:"status"`
}

// Describe turns a pipeline error into the short reason string returned to
// clients. Validation errors keep their field message; an open breaker reads
// as degraded service.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, cerrors.ErrCircuitOpen) {
		return "service degraded: circuit breaker open"
	}
	if errors.Is(err, cerrors.ErrShuttingDown) {
		return "service shutting down"
	}
	var verr *telemetry.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return err.Error()
}
