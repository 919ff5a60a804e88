package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/broker"
)

// healthLoop refreshes the component statuses on the monitor interval.
func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Monitor.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}

func (s *Service) refreshHealth() {
	s.health.Update("http", s.http.Health())
	s.health.Update("websocket", s.socket.Health())
	if s.broker != nil {
		s.health.Update("broker", s.broker.Health())
	}
	s.health.Update("ingest", breakerHealth(s.breaker))
	s.health.Update("simulation", s.simulationHealth())
}

func breakerHealth(b *circuit.Breaker) health.Status {
	switch b.State() {
	case circuit.Open:
		return health.NewDegraded("ingest", "circuit breaker open")
	case circuit.HalfOpen:
		return health.NewDegraded("ingest", "circuit breaker half-open")
	default:
		return health.NewHealthy("ingest", "circuit breaker closed")
	}
}

func (s *Service) simulationHealth() health.Status {
	if s.fallback == nil {
		return health.NewHealthy("simulation", "disabled")
	}
	st := s.fallback.Status()
	switch {
	case st.Halted:
		return health.NewDegraded("simulation", "generator halted after repeated failures")
	case st.Active:
		return health.NewHealthy("simulation", fmt.Sprintf("active, %d samples", st.Samples))
	default:
		return health.NewHealthy("simulation", "standby")
	}
}

// onBreakerChange runs outside the breaker lock on every ingest transition.
func (s *Service) onBreakerChange(name string, from, to circuit.State) {
	s.registry.CoreMetrics().BreakerState.WithLabelValues(name).Set(float64(to))
	s.logger.Info("ingestion circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	s.health.Update("ingest", breakerHealth(s.breaker))
}

func (s *Service) onBrokerState(_, to broker.State, err error) {
	if to == broker.StateConnected {
		s.health.UpdateHealthy("broker", "connected to "+s.cfg.Broker.URL)
		return
	}
	msg := to.String()
	if err != nil {
		msg += ": " + err.Error()
	}
	s.health.UpdateDegraded("broker", msg)
}

func (s *Service) onHealthChange(name string, from, to health.Status) {
	if to.IsHealthy() {
		s.logger.Info("component recovered", "name", name, "from", from.Status,
			"after", to.Since.Sub(from.Since).Round(time.Millisecond))
		return
	}
	s.logger.Warn("component health changed", "name", name, "from", from.Status, "to", to.Status, "message", to.Message)
}
