package command

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Publisher delivers commands over one transport.
type Publisher interface {
	Name() string
	// Reaches reports whether the transport currently has a path to target,
	// which is a device id or TargetAll.
	Reaches(target string) bool
	PublishCommand(ctx context.Context, cmd Command) error
}

// Ack is returned to the operator. Failed maps publisher name to error text.
type Ack struct {
	ID        string            `json:"id"`
	Accepted  bool              `json:"accepted"`
	Urgent    bool              `json:"urgent"`
	Target    string            `json:"target"`
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics counts commands per transport and result.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		if registry != nil {
			d.metrics = registry.CoreMetrics()
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithPublishTimeout bounds each publisher call. Default 5s.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	hub       *broadcast.Hub
	validator *requestValidator
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time
	timeout   time.Duration

	mu         sync.RWMutex
	publishers []Publisher
}

// NewDispatcher creates a dispatcher. hub may be nil.
func NewDispatcher(hub *broadcast.Hub, opts ...Option) (*Dispatcher, error) {
	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		hub:       hub,
		validator: v,
		logger:    slog.Default(),
		now:       time.Now,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "command")
	return d, nil
}

// Register adds a publisher. Names must be unique.
func (d *Dispatcher) Register(p Publisher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.publishers {
		if existing.Name() == p.Name() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Register", "register "+p.Name())
		}
	}
	d.publishers = append(d.publishers, p)
	return nil
}

// Publishers returns the registered publisher names.
func (d *Dispatcher) Publishers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.publishers))
	for _, p := range d.publishers {
		names = append(names, p.Name())
	}
	return names
}

// Build validates req and produces an addressed command without sending it.
func (d *Dispatcher) Build(req Request) (Command, error) {
	if err := d.Check(req); err != nil {
		return Command{}, err
	}
	kind, action, err := resolve(req)
	if err != nil {
		return Command{}, err
	}

	cmd := Command{
		ID:        uuid.NewString(),
		Target:    req.DeviceID,
		Kind:      kind,
		Action:    action,
		Value:     req.Value,
		Transport: req.Source,
		Urgent:    kind == KindEmergency,
		IssuedAt:  d.now(),
	}
	if cmd.Target == "" || cmd.Urgent {
		cmd.Target = TargetAll
	}
	if !cmd.Transport.Valid() {
		cmd.Transport = telemetry.TransportNone
	}
	return cmd, nil
}

// Dispatch validates req and hands the command to every publisher that
// reaches its target. Publishers run concurrently; a failing publisher is
// recorded in the Ack and never stops the others. An error is returned only
// for an invalid request.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Ack, error) {
	cmd, err := d.Build(req)
	if err != nil {
		d.logger.Debug("command rejected", "command", req.Command, "action", req.Action, "error", err)
		return Ack{}, err
	}
	return d.Send(ctx, cmd), nil
}

// Send delivers an already built command.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) Ack {
	d.mu.RLock()
	publishers := make([]Publisher, len(d.publishers))
	copy(publishers, d.publishers)
	d.mu.RUnlock()

	ack := Ack{
		ID:        cmd.ID,
		Accepted:  true,
		Urgent:    cmd.Urgent,
		Target:    cmd.Target,
		Delivered: []string{},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range publishers {
		if !p.Reaches(cmd.Target) {
			continue
		}
		wg.Add(1)
		go func(p Publisher) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			err := p.PublishCommand(pctx, cmd)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ack.Failed == nil {
					ack.Failed = make(map[string]string)
				}
				ack.Failed[p.Name()] = err.Error()
				d.count(p.Name(), cmd.Kind, "failed")
				d.logger.Warn("command delivery failed",
					"id", cmd.ID, "publisher", p.Name(), "command", cmd.Kind, "action", cmd.Action, "error", err)
				return
			}
			ack.Delivered = append(ack.Delivered, p.Name())
			d.count(p.Name(), cmd.Kind, "delivered")
		}(p)
	}
	wg.Wait()
	sort.Strings(ack.Delivered)

	level := slog.LevelInfo
	if len(ack.Delivered) == 0 {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "command dispatched",
		"id", cmd.ID,
		"command", cmd.Kind,
		"action", cmd.Action,
		"target", cmd.Target,
		"urgent", cmd.Urgent,
		"delivered", len(ack.Delivered),
		"failed", len(ack.Failed))

	if d.hub != nil {
		if _, err := d.hub.Publish(broadcast.EventCommand, CommandEvent{Command: cmd.Wire(), Ack: ack}); err != nil {
			d.logger.Warn("broadcast failed", "error", err)
		}
	}
	return ack
}

// CommandEvent is the payload of broadcast.EventCommand.
type CommandEvent struct {
	Command Wire `json:"command"`
	Ack     Ack  `json:"ack"`
}

func (d *Dispatcher) count(transport string, kind Kind, result string) {
	if d.metrics != nil {
		d.metrics.CommandsSent.WithLabelValues(transport, string(kind), result).Inc()
	}
}
