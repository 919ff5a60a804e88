package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/config"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/dedup"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	gatewayhttp "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/gateway/http"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/broker"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/websocket"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/monitor"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/simulation"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
)

// Status represents the current status of the service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DefaultStopTimeout is used when Stop is given zero.
const DefaultStopTimeout = 5 * time.Second

// Option configures a Service
type Option func(*Service)

// WithBrokerFactory replaces the broker backend, e.g. with an in-memory
// client in tests.
func WithBrokerFactory(f broker.Factory) Option {
	return func(s *Service) {
		s.brokerFactory = f
	}
}

// Service owns every component of the hub.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	health   *health.Monitor

	store      *state.Store
	dedup      *dedup.Deduplicator
	breaker    *circuit.Breaker
	hub        *broadcast.Hub
	pipeline   *ingest.Pipeline
	dispatcher *command.Dispatcher
	fallback   *simulation.Fallback // nil when the simulation is disabled
	monitor    *monitor.ConnectionMonitor
	http       *gatewayhttp.Server
	socket     *websocket.Server
	broker     *broker.Adapter // nil when the broker is disabled

	brokerFactory broker.Factory

	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	mu            sync.Mutex
	released      bool
	cancelLoops   context.CancelFunc
	cancelRuntime context.CancelFunc
	wg            sync.WaitGroup
}

// New validates cfg and builds the hub. registry may be nil, in which case
// a private registry is created and /metrics follows cfg.Metrics.Enabled.
func New(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metric.NewMetricsRegistry()
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger.With("component", "service"),
		registry: registry,
	}
	s.health = health.NewMonitor(health.WithChangeHandler(s.onHealthChange))
	for _, opt := range opts {
		opt(s)
	}
	s.status.Store(StatusStopped)
	s.startTime.Store(time.Time{})

	if err := s.build(logger); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(logger *slog.Logger) error {
	cfg := s.cfg

	store, err := state.New(state.Config{HistorySize: cfg.Ingest.HistorySize},
		state.WithLogger(logger), state.WithMetrics(s.registry))
	if err != nil {
		return errors.Wrap(err, "Service", "New", "create store")
	}
	s.store = store

	dd, err := dedup.New(context.Background(), dedup.Config{Window: cfg.Ingest.DedupWindow}, s.registry, logger)
	if err != nil {
		return errors.Wrap(err, "Service", "New", "create deduplicator")
	}
	s.dedup = dd

	s.breaker = circuit.New("ingest", circuit.Config{
		FailureThreshold: cfg.Ingest.BreakerThreshold,
		ResetTimeout:     cfg.Ingest.BreakerReset,
		SuccessThreshold: cfg.Ingest.BreakerSuccesses,
	}, circuit.WithStateChange(s.onBreakerChange))
	s.registry.CoreMetrics().BreakerState.WithLabelValues("ingest").Set(float64(circuit.Closed))
	s.health.UpdateHealthy("ingest", "circuit breaker closed")

	s.hub = broadcast.NewHub(func() any { return store.GetSnapshot() },
		broadcast.WithLogger(logger), broadcast.WithMetrics(s.registry))

	s.pipeline, err = ingest.New(store, dd, s.breaker, s.hub,
		ingest.WithLogger(logger),
		ingest.WithMetrics(s.registry),
		ingest.WithDefaultDeviceID(cfg.DeviceID))
	if err != nil {
		return errors.Wrap(err, "Service", "New", "create pipeline")
	}

	s.dispatcher, err = command.NewDispatcher(s.hub,
		command.WithLogger(logger), command.WithMetrics(s.registry))
	if err != nil {
		return errors.Wrap(err, "Service", "New", "create dispatcher")
	}

	var fallback monitor.Fallback
	if cfg.Simulation.Enabled {
		s.fallback, err = simulation.New(simulation.Config{
			Interval: cfg.Simulation.Interval,
			Home: simulation.Home{
				Latitude:  cfg.Simulation.HomeLatitude,
				Longitude: cfg.Simulation.HomeLongitude,
			},
			Radius:           cfg.Simulation.Radius,
			FailureThreshold: cfg.Simulation.FailureThreshold,
		}, s.pipeline,
			simulation.WithLogger(logger),
			simulation.WithMetrics(s.registry),
			simulation.WithLiveness(store.HasRealDevice))
		if err != nil {
			return errors.Wrap(err, "Service", "New", "create simulation fallback")
		}
		s.pipeline.AddListener(s.fallback)
		fallback = s.fallback
	}

	s.monitor, err = monitor.New(monitor.Config{
		Interval:        cfg.Monitor.Interval,
		Timeout:         cfg.Monitor.ConnectionTimeout,
		Grace:           cfg.Monitor.FallbackGrace,
		FallbackEnabled: cfg.Simulation.Enabled,
	}, store, s.hub, fallback, func() any { return s.Stats() }, logger)
	if err != nil {
		return errors.Wrap(err, "Service", "New", "create connection monitor")
	}

	deps := gatewayhttp.Dependencies{
		Pipeline:        s.pipeline,
		Store:           store,
		Dispatcher:      s.dispatcher,
		Health:          s.health,
		Stats:           func() any { return s.Stats() },
		DefaultDeviceID: cfg.DeviceID,
		Logger:          logger,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = s.registry
	}
	s.http, err = gatewayhttp.NewServer(cfg.HTTP, deps)
	if err != nil {
		return err
	}

	s.socket, err = websocket.NewServer(cfg.WebSocket, s.pipeline, store, s.hub,
		websocket.WithLogger(logger),
		websocket.WithDispatcher(s.dispatcher),
		websocket.WithPresence(s.pipeline.NotifyPresence))
	if err != nil {
		return err
	}
	s.http.Handle(s.socket.Path(), s.socket)

	publishers := []command.Publisher{s.http.Outbox(), s.socket}

	if cfg.Broker.Enabled {
		opts := []broker.Option{
			broker.WithLogger(logger),
			broker.WithMetrics(s.registry),
			broker.WithStateChange(s.onBrokerState),
		}
		if s.brokerFactory != nil {
			opts = append(opts, broker.WithFactory(s.brokerFactory))
		}
		s.broker, err = broker.New(cfg.Broker, s.pipeline, opts...)
		if err != nil {
			return err
		}
		publishers = append(publishers, s.broker)
		s.health.Update("broker", s.broker.Health())
	}

	for _, p := range publishers {
		if err := s.dispatcher.Register(p); err != nil {
			return errors.Wrap(err, "Service", "New", "register command publisher")
		}
	}
	return nil
}

// Start brings up the listener, the broker loop and the background
// sweeps. ctx bounds the service's lifetime; Stop ends it early.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return errors.WrapFatal(errors.ErrShuttingDown, "Service", "Start", "service already stopped")
	}
	switch s.Status() {
	case StatusRunning, StatusStarting:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Service", "Start", "check status")
	case StatusStopping:
		return errors.WrapTransient(errors.ErrShuttingDown, "Service", "Start", "check status")
	}
	s.status.Store(StatusStarting)

	runtimeCtx, cancelRuntime := context.WithCancel(ctx)
	loopsCtx, cancelLoops := context.WithCancel(runtimeCtx)

	if err := s.http.Start(runtimeCtx); err != nil {
		cancelLoops()
		cancelRuntime()
		s.status.Store(StatusStopped)
		return err
	}

	if s.broker != nil {
		if err := s.broker.Start(runtimeCtx); err != nil {
			_ = s.http.Stop(DefaultStopTimeout)
			cancelLoops()
			cancelRuntime()
			s.status.Store(StatusStopped)
			return err
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.monitor.Run(loopsCtx); err != nil {
			s.logger.Error("connection monitor failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.healthLoop(loopsCtx)
	}()

	if s.fallback != nil && !s.store.HasRealDevice() {
		s.fallback.RequestStart(s.cfg.Monitor.FallbackGrace)
	}

	s.cancelLoops = cancelLoops
	s.cancelRuntime = cancelRuntime
	s.startTime.Store(time.Now())
	s.status.Store(StatusRunning)
	s.refreshHealth()

	s.logger.Info("telemetry hub started",
		"addr", s.http.Addr(),
		"ws_path", s.socket.Path(),
		"broker", s.cfg.Broker.Enabled,
		"simulation", s.cfg.Simulation.Enabled)
	return nil
}

// Stop shuts the hub down in order. Each step gets up to timeout. Errors
// from individual steps are joined; every step runs regardless.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != StatusRunning {
		// never started: still release what New built
		if s.Status() == StatusStopped && !s.released {
			s.release()
		}
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	s.status.Store(StatusStopping)
	s.logger.Info("telemetry hub stopping")

	var errs []error

	if _, err := s.hub.Publish(broadcast.EventShutdown, map[string]string{"reason": "server shutting down"}); err != nil {
		s.logger.Warn("shutdown broadcast failed", "error", err)
	}

	s.cancelLoops()
	if !waitTimeout(&s.wg, timeout) {
		errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout, "Service", "Stop", "wait for monitor"))
	}
	if s.fallback != nil {
		s.fallback.Close()
	}

	if s.broker != nil {
		if err := s.broker.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.socket.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := s.http.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	s.cancelRuntime()
	s.release()
	s.status.Store(StatusStopped)

	if err := stderrors.Join(errs...); err != nil {
		s.logger.Warn("telemetry hub stopped with errors", "error", err)
		return err
	}
	s.logger.Info("telemetry hub stopped")
	return nil
}

// release closes what New built. Safe on a partially built service.
func (s *Service) release() {
	s.released = true
	if s.pipeline != nil {
		s.pipeline.Close()
	}
	if s.dedup != nil {
		_ = s.dedup.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Status returns the current service status
func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// Addr returns the HTTP listen address once started.
func (s *Service) Addr() string { return s.http.Addr() }

// Store returns the state store.
func (s *Service) Store() *state.Store { return s.store }

// Hub returns the broadcast hub.
func (s *Service) Hub() *broadcast.Hub { return s.hub }

// Pipeline returns the ingestion pipeline.
func (s *Service) Pipeline() *ingest.Pipeline { return s.pipeline }

// Dispatcher returns the command dispatcher.
func (s *Service) Dispatcher() *command.Dispatcher { return s.dispatcher }

// Breaker returns the ingestion circuit breaker.
func (s *Service) Breaker() *circuit.Breaker { return s.breaker }

// Fallback returns the simulation fallback, or nil when disabled.
func (s *Service) Fallback() *simulation.Fallback { return s.fallback }

// Broker returns the broker adapter, or nil when disabled.
func (s *Service) Broker() *broker.Adapter { return s.broker }

// Health returns the aggregate health of every component.
func (s *Service) Health() health.Status {
	s.refreshHealth()
	return s.health.AggregateHealth("telemetry-hub")
}
