// Package simulation keeps observers fed with plausible synthetic telemetry
// while no real device is reporting.
//
// The fallback submits through the same ingestion pipeline as the real
// transports, tagged with telemetry.SyntheticDeviceID. It is wrapped in its
// own circuit breaker: three consecutive failed samples halt the generator,
// and only the connection monitor starts it again.
package simulation

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// DefaultInterval is the sample period.
const DefaultInterval = 2 * time.Second

// Submitter is the ingestion entry point. *ingest.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) ingest.Result
}

// Config for the fallback
type Config struct {
	Interval time.Duration
	Home     Home
	Radius   float64
	// FailureThreshold is the generator breaker threshold. Default 3.
	FailureThreshold int
}

// Option configures a Fallback
type Option func(*Fallback)

// WithSynthesizer replaces the default trajectory.
func WithSynthesizer(s Synthesizer) Option {
	return func(f *Fallback) {
		if s != nil {
			f.synth = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fallback) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics exports the active gauge and the generator breaker state.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(f *Fallback) {
		if registry != nil {
			f.metrics = registry.CoreMetrics()
		}
	}
}

// WithClock replaces time.Now for samples.
func WithClock(now func() time.Time) Option {
	return func(f *Fallback) {
		if now != nil {
			f.now = now
		}
	}
}

// WithLiveness makes every start check live(). While it reports a live
// device the start is skipped, which covers a device that has announced
// itself but not yet sent telemetry.
func WithLiveness(live func() bool) Option {
	return func(f *Fallback) {
		if live != nil {
			f.live = live
		}
	}
}

// Fallback is safe for concurrent use.
type Fallback struct {
	cfg     Config
	submit  Submitter
	synth   Synthesizer
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
	live    func() bool

	// fast path for NotifyRealData, which runs on every real packet
	busy atomic.Bool

	mu         sync.Mutex
	active     bool
	halted     bool
	cancel     context.CancelFunc
	done       chan struct{}
	pending    *time.Timer
	generation uint64
	packet     uint32
	closed     bool
}

// New creates an inactive fallback.
func New(cfg Config, submit Submitter, opts ...Option) (*Fallback, error) {
	if submit == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Fallback", "New", "check submitter")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Home == (Home{}) {
		cfg.Home = DefaultHome
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}

	f := &Fallback{
		cfg:    cfg,
		submit: submit,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.synth == nil {
		f.synth = NewTrajectory(cfg.Home, cfg.Radius, DefaultPeriod, time.Now().UnixNano())
	}
	f.logger = f.logger.With("component", "simulation")
	f.breaker = circuit.New("simulation", circuit.Config{
		FailureThreshold: cfg.FailureThreshold,
		// never half-opens on its own; Start resets it
		ResetTimeout:     24 * time.Hour,
		SuccessThreshold: 1,
	}, circuit.WithStateChange(f.onBreakerChange))
	return f, nil
}

// Start activates the generator. It emits a sample immediately and then
// every Interval. Starting an active fallback is a no-op.
func (f *Fallback) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startLocked()
}

func (f *Fallback) startLocked() error {
	if f.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "Fallback", "Start", "start generator")
	}
	f.cancelPendingLocked()
	if f.active {
		return nil
	}

	f.breaker.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	f.active = true
	f.halted = false
	f.cancel = cancel
	f.done = make(chan struct{})
	f.busy.Store(true)
	f.setGauge(1)

	go f.run(ctx, f.done)
	f.logger.Info("simulation fallback started", "interval", f.cfg.Interval)
	return nil
}

func (f *Fallback) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := f.tick(ctx); err != nil {
			f.halt(ctx, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick emits one sample. It returns ErrGeneratorHalted once the generator
// breaker has opened.
func (f *Fallback) tick(ctx context.Context) error {
	err := f.breaker.Execute(func() error {
		rec, err := f.synth.Next(f.now())
		if err != nil {
			return errors.Wrap(err, "Fallback", "tick", "synthesize")
		}
		f.mu.Lock()
		f.packet++
		rec.PacketNumber = telemetry.Ptr(f.packet)
		f.mu.Unlock()

		res := f.submit.Submit(ctx, ingest.Submission{
			DeviceID:  telemetry.SyntheticDeviceID,
			Transport: telemetry.TransportNone,
			Profile:   telemetry.ProfileStrict,
			Record:    &rec,
		})
		if ctx.Err() != nil {
			return nil
		}
		if res.Accepted {
			return nil
		}
		if stderrors.Is(res.Err, errors.ErrCircuitOpen) {
			// ingestion is degraded, the synthesis itself worked
			return nil
		}
		return res.Err
	})
	if err != nil {
		f.logger.Warn("synthetic sample failed", "error", err, "breaker", f.breaker.State().String())
	}
	if f.breaker.State() == circuit.Open {
		return errors.WrapFatal(errors.ErrGeneratorHalted, "Fallback", "tick", "emit sample")
	}
	return nil
}

func (f *Fallback) halt(ctx context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return // stopped concurrently
	}
	f.active = false
	f.halted = true
	f.cancel()
	f.busy.Store(f.pending != nil)
	f.setGauge(0)
	f.logger.Error("simulation fallback halted", "error", err)
}

// Stop deactivates the generator and cancels any scheduled start. It waits
// for an in-flight sample to finish.
func (f *Fallback) Stop() {
	f.mu.Lock()
	done := f.stopLocked()
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (f *Fallback) stopLocked() chan struct{} {
	f.cancelPendingLocked()
	f.busy.Store(false)
	if !f.active {
		return nil
	}
	f.active = false
	f.cancel()
	f.setGauge(0)
	f.logger.Info("simulation fallback stopped")
	return f.done
}

// NotifyRealData stops the generator because a real device is reporting.
// It implements ingest.RealDataListener.
func (f *Fallback) NotifyRealData() {
	if !f.busy.Load() {
		return
	}
	f.Stop()
}

// RequestStart schedules Start after grace unless the fallback is already
// active or scheduled. Real data arriving during grace cancels it.
func (f *Fallback) RequestStart(grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.active || f.pending != nil {
		return
	}
	if grace <= 0 {
		f.startIfIdleLocked()
		return
	}

	f.generation++
	gen := f.generation
	f.busy.Store(true)
	f.pending = time.AfterFunc(grace, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.generation != gen || f.pending == nil {
			return
		}
		f.pending = nil
		f.startIfIdleLocked()
	})
	f.logger.Debug("simulation fallback scheduled", "grace", grace)
}

// startIfIdleLocked starts the generator unless a device is live.
func (f *Fallback) startIfIdleLocked() {
	if f.live != nil && f.live() {
		f.busy.Store(false)
		f.logger.Debug("simulation fallback start skipped, device live")
		return
	}
	if err := f.startLocked(); err != nil {
		f.logger.Warn("fallback start failed", "error", err)
	}
}

func (f *Fallback) cancelPendingLocked() {
	if f.pending == nil {
		return
	}
	f.pending.Stop()
	f.pending = nil
	f.generation++
}

// Active reports whether the generator is running.
func (f *Fallback) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Pending reports whether a start is scheduled.
func (f *Fallback) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending != nil
}

// Halted reports whether the generator stopped itself after repeated
// failures since its last start.
func (f *Fallback) Halted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

// Status is the fallback's state for stats endpoints.
type Status struct {
	Active   bool          `json:"active"`
	Pending  bool          `json:"pending"`
	Halted   bool          `json:"halted"`
	Interval time.Duration `json:"interval"`
	Samples  uint32        `json:"samples"`
	Breaker  circuit.Stats `json:"breaker"`
}

// Status returns a point-in-time view.
func (f *Fallback) Status() Status {
	f.mu.Lock()
	s := Status{
		Active:   f.active,
		Pending:  f.pending != nil,
		Halted:   f.halted,
		Interval: f.cfg.Interval,
		Samples:  f.packet,
	}
	f.mu.Unlock()
	s.Breaker = f.breaker.Stats()
	return s
}

// Close stops the generator for good.
func (f *Fallback) Close() {
	f.mu.Lock()
	f.closed = true
	done := f.stopLocked()
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (f *Fallback) onBreakerChange(name string, from, to circuit.State) {
	f.logger.Info("generator breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	if f.metrics != nil {
		f.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

func (f *Fallback) setGauge(v float64) {
	if f.metrics != nil {
		f.metrics.FallbackActive.Set(v)
	}
}
