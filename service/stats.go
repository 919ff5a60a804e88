package service

import (
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	gatewayhttp "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/gateway/http"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/broker"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/simulation"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
)

// Stats is the payload of GET /stats and of the monitor's stats event.
type Stats struct {
	Status     string                `json:"status"`
	Uptime     time.Duration         `json:"uptime"`
	Store      state.Stats           `json:"store"`
	HTTP       gatewayhttp.HTTPStats `json:"http"`
	Dedup      DedupStats            `json:"dedup"`
	Breaker    circuit.Stats         `json:"breaker"`
	Observers  int                   `json:"observers"`
	Sockets    int                   `json:"sockets"`
	Publishers []string              `json:"publishers"`
	Fallback   *simulation.Status    `json:"fallback,omitempty"`
	Broker     *broker.Stats         `json:"broker,omitempty"`
}

// DedupStats describes the deduplication window.
type DedupStats struct {
	Entries int           `json:"entries"`
	Window  time.Duration `json:"window"`
}

// Stats aggregates every component's counters.
func (s *Service) Stats() Stats {
	out := Stats{
		Status:  s.Status().String(),
		Store:   s.store.GetStats(),
		HTTP:    s.http.Stats(),
		Breaker: s.breaker.Stats(),
		Dedup: DedupStats{
			Entries: s.dedup.Len(),
			Window:  s.dedup.Window(),
		},
		Observers:  s.hub.Count(),
		Sockets:    s.socket.Clients(),
		Publishers: s.dispatcher.Publishers(),
	}
	if started := s.startTime.Load().(time.Time); !started.IsZero() && s.Status() == StatusRunning {
		out.Uptime = time.Since(started)
	}
	if s.fallback != nil {
		st := s.fallback.Status()
		out.Fallback = &st
	}
	if s.broker != nil {
		st := s.broker.Stats()
		out.Broker = &st
	}
	return out
}
