// Package broker ingests telemetry from a publish/subscribe broker (MQTT or
// NATS) where each topic carries one field, and publishes operator commands
// back on the command topic.
//
// The adapter owns reconnection. Its link runs an explicit state machine:
//
//	disconnected -> connecting -> connected -> backoff -> connecting ...
//
// Every (re)connect builds a fresh backend client and resubscribes all
// topics. Backoff is capped exponential with jitter and ends as soon as the
// run context is cancelled.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/pkg/retry"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// State of the broker link
type State int32

// Link states. The numeric values are exported as the broker state gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// echoQueueSize bounds the emergency echoes waiting for the session loop.
const echoQueueSize = 16

// Submitter accepts telemetry. *ingest.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) ingest.Result
}

// StateChangeFunc is called on every link state transition.
type StateChangeFunc func(from, to State, err error)

// Stats is a point-in-time view of the adapter.
type Stats struct {
	Backend    string `json:"backend"`
	State      string `json:"state"`
	Reconnects uint64 `json:"reconnects"`
	Messages   uint64 `json:"messages"`
	Rejected   uint64 `json:"rejected"`
	Commands   uint64 `json:"commands"`
	LastError  string `json:"lastError,omitempty"`
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics exports link state and reconnects.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *Adapter) {
		if registry != nil {
			a.metrics = registry.CoreMetrics()
		}
	}
}

// WithFactory replaces the backend chosen by Config.Backend.
func WithFactory(f Factory) Option {
	return func(a *Adapter) {
		a.factory = f
	}
}

// WithStateChange registers a transition callback. It runs on the adapter's
// goroutine and must not block.
func WithStateChange(fn StateChangeFunc) Option {
	return func(a *Adapter) {
		a.onState = fn
	}
}

// Adapter is the broker transport. It also implements command.Publisher.
type Adapter struct {
	cfg     Config
	factory Factory
	submit  Submitter
	logger  *slog.Logger
	metrics *metric.Metrics
	onState StateChangeFunc

	state atomic.Int32

	// held across merge and submit so the record reaches the pipeline in
	// the order messages arrived
	submitMu sync.Mutex

	mu        sync.Mutex
	client    Client
	record    telemetry.Record
	emergency *telemetry.EmergencyState
	lastErr   error

	messages   atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
	commands   atomic.Uint64

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an adapter. cfg is validated as if enabled.
func New(cfg Config, submit Submitter, opts ...Option) (*Adapter, error) {
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submit == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Adapter", "New", "submitter")
	}

	a := &Adapter{
		cfg:    cfg,
		submit: submit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "broker", "backend", cfg.Backend)

	if a.factory == nil {
		f, err := NewFactory(cfg, WithBackendLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.factory = f
	}
	a.setState(StateDisconnected, nil)
	return a, nil
}

// Start runs the link loop in the background until Stop or ctx ends.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Adapter", "Start", "start link loop")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := a.Run(runCtx); err != nil {
			a.logger.Error("broker link stopped", "error", err)
		}
	}(a.done)
	return nil
}

// Stop cancels the link loop and waits up to timeout for it to close the
// connection. Stopping a stopped adapter is a no-op.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.done == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		a.done = nil
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Adapter", "Stop", "wait for link loop")
	}
}

// Run drives the link state machine until ctx is cancelled. It returns an
// error only when a connection attempt fails in a way retrying cannot fix.
func (a *Adapter) Run(ctx context.Context) error {
	policy := a.cfg.ReconnectPolicy()
	backoff := policy.Backoff()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			a.setState(StateDisconnected, nil)
			return nil
		}
		if attempt > 0 {
			a.reconnects.Add(1)
			if a.metrics != nil {
				a.metrics.BrokerReconnects.Inc()
			}
		}

		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			a.setState(StateDisconnected, nil)
			return nil
		}
		if !policy.ShouldReconnect(err) {
			a.setState(StateDisconnected, err)
			return err
		}
		if connected {
			backoff.Reset()
		}

		delay := backoff.Next()
		a.setState(StateBackoff, err)
		a.logger.Warn("broker link down, backing off", "delay", delay, "attempt", backoff.Attempts(), "error", err)
		if retry.Sleep(ctx, delay) != nil {
			a.setState(StateDisconnected, nil)
			return nil
		}
	}
}

// session performs one connect, subscribes, and blocks until the link drops
// or ctx ends. connected reports whether the link was ever up.
func (a *Adapter) session(ctx context.Context) (connected bool, err error) {
	a.setState(StateConnecting, nil)

	client, err := a.factory()
	if err != nil {
		return false, err
	}
	lost := make(chan error, 1)
	client.OnConnectionLost(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	cctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	err = client.Connect(cctx)
	cancel()
	if err != nil {
		_ = client.Close()
		return false, err
	}

	echoes := make(chan telemetry.EmergencyState, echoQueueSize)
	handler := func(topic string, payload []byte) {
		a.handleMessage(ctx, echoes, topic, payload)
	}
	for _, suffix := range InboundTopics {
		if err := client.Subscribe(ctx, a.cfg.TopicPrefix+suffix, handler); err != nil {
			_ = client.Close()
			return false, err
		}
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.setState(StateConnected, nil)

	// echoes are published from this loop, never from a message handler
	for done := false; !done; {
		select {
		case st := <-echoes:
			if perr := client.Publish(ctx, a.cfg.TopicPrefix+TopicEmergency, emergencyPayload(st), true); perr != nil {
				a.logger.Warn("emergency echo failed", "state", st, "error", perr)
			}
		case err = <-lost:
			if err == nil {
				err = errors.ErrConnectionLost
			}
			err = errors.WrapTransient(err, "Adapter", "Run", "connection lost")
			done = true
		case <-ctx.Done():
			err = nil
			done = true
		}
	}

	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
	if cerr := client.Close(); cerr != nil {
		a.logger.Debug("close failed", "error", cerr)
	}
	return true, err
}

// handleMessage parses one topic, merges it into the broker's running
// record and submits the merged record. A state change on the emergency
// topic is queued on echoes for the session to publish back retained.
func (a *Adapter) handleMessage(ctx context.Context, echoes chan<- telemetry.EmergencyState, topic string, payload []byte) {
	a.messages.Add(1)

	suffix, ok := strings.CutPrefix(topic, a.cfg.TopicPrefix)
	if !ok {
		return
	}
	raw := decodePayload(suffix, payload)
	if raw == nil {
		a.logger.Debug("ignoring topic", "topic", topic)
		return
	}

	sub := ingest.Submission{
		DeviceID:  a.cfg.DeviceID,
		Transport: telemetry.TransportBroker,
		Profile:   telemetry.ProfileRelaxed,
	}

	fragment, issues, err := telemetry.Validate(raw, telemetry.ProfileRelaxed)
	if err != nil || fragment.Empty() {
		a.rejected.Add(1)
		if err == nil && len(issues) == 0 {
			a.logger.Debug("empty broker payload", "topic", topic)
			return
		}
		// resubmit the raw fragment so the pipeline counts the rejection
		sub.Raw = raw
		res := a.submit.Submit(ctx, sub)
		a.logger.Debug("broker payload rejected", "topic", topic, "reason", res.Reason)
		return
	}
	for _, issue := range issues {
		a.logger.Debug("field dropped", "topic", topic, "field", issue.Field, "reason", issue.Reason)
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	a.mu.Lock()
	a.record.Merge(fragment)
	merged := a.record.Clone()
	var echo *telemetry.EmergencyState
	if fragment.Emergency != nil && (a.emergency == nil || *a.emergency != *fragment.Emergency) {
		s := *fragment.Emergency
		a.emergency = &s
		echo = &s
	}
	a.mu.Unlock()

	sub.Record = &merged
	if res := a.submit.Submit(ctx, sub); !res.Accepted {
		a.rejected.Add(1)
		a.logger.Debug("broker record rejected", "topic", topic, "reason", res.Reason)
	}

	if echo != nil {
		select {
		case echoes <- *echo:
		default:
			a.logger.Warn("emergency echo dropped, queue full", "state", *echo)
		}
	}
}

func (a *Adapter) setState(to State, err error) {
	from := State(a.state.Swap(int32(to)))

	a.mu.Lock()
	if err != nil {
		a.lastErr = err
	} else if to == StateConnected {
		a.lastErr = nil
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.BrokerState.Set(float64(to))
	}
	if from == to {
		return
	}
	if to == StateConnected {
		a.logger.Info("broker connected", "url", a.cfg.URL, "prefix", a.cfg.TopicPrefix)
	} else {
		a.logger.Debug("broker state", "from", from, "to", to)
	}
	if a.onState != nil {
		a.onState(from, to, err)
	}
}

// State returns the current link state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Record returns the broker's running composite record.
func (a *Adapter) Record() telemetry.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record.Clone()
}

// Name implements command.Publisher.
func (a *Adapter) Name() string {
	return string(telemetry.TransportBroker)
}

// Reaches implements command.Publisher. The broker reaches its one device,
// and only while connected.
func (a *Adapter) Reaches(target string) bool {
	if a.State() != StateConnected {
		return false
	}
	return target == command.TargetAll || target == a.cfg.DeviceID
}

// PublishCommand implements command.Publisher.
func (a *Adapter) PublishCommand(ctx context.Context, cmd command.Command) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Adapter", "PublishCommand", "publish command")
	}

	payload, err := json.Marshal(cmd.Wire())
	if err != nil {
		return errors.WrapFatal(err, "Adapter", "PublishCommand", "encode command")
	}
	if err := client.Publish(ctx, a.cfg.TopicPrefix+TopicCommand, payload, false); err != nil {
		return err
	}
	a.commands.Add(1)
	return nil
}

// Stats returns adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	lastErr := a.lastErr
	a.mu.Unlock()

	s := Stats{
		Backend:    a.cfg.Backend,
		State:      a.State().String(),
		Reconnects: a.reconnects.Load(),
		Messages:   a.messages.Load(),
		Rejected:   a.rejected.Load(),
		Commands:   a.commands.Load(),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

// Health reports the link as healthy only while connected.
func (a *Adapter) Health() health.Status {
	state := a.State()
	if state == StateConnected {
		return health.NewHealthy("broker", "connected to "+a.cfg.URL)
	}
	msg := state.String()
	a.mu.Lock()
	if a.lastErr != nil {
		msg += ": " + a.lastErr.Error()
	}
	a.mu.Unlock()
	return health.NewDegraded("broker", msg)
}
