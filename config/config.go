package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	gatewayhttp "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/gateway/http"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/broker"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/websocket"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/monitor"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/simulation"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Config is the complete startup configuration.
type Config struct {
	// DeviceID is assumed for HTTP packets that name no device.
	DeviceID string `json:"device_id" yaml:"device_id"`

	HTTP       gatewayhttp.Config `json:"http" yaml:"http"`
	WebSocket  websocket.Config   `json:"websocket" yaml:"websocket"`
	Broker     broker.Config      `json:"broker" yaml:"broker"`
	Ingest     IngestConfig       `json:"ingest" yaml:"ingest"`
	Monitor    MonitorConfig      `json:"monitor" yaml:"monitor"`
	Simulation SimulationConfig   `json:"simulation" yaml:"simulation"`
	Metrics    MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// IngestConfig covers deduplication, history and the ingestion breaker.
type IngestConfig struct {
	DedupWindow      time.Duration `json:"dedup_window" yaml:"dedup_window"`
	HistorySize      int           `json:"history_size" yaml:"history_size"`
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerReset     time.Duration `json:"breaker_reset" yaml:"breaker_reset"`
	BreakerSuccesses int           `json:"breaker_successes" yaml:"breaker_successes"`
}

// MonitorConfig drives the connection monitor.
type MonitorConfig struct {
	Interval          time.Duration `json:"interval" yaml:"interval"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	// FallbackGrace is how long the monitor waits with no live device
	// before starting the simulation.
	FallbackGrace time.Duration `json:"fallback_grace" yaml:"fallback_grace"`
}

// SimulationConfig drives the synthetic fallback.
type SimulationConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	HomeLatitude     float64       `json:"home_latitude" yaml:"home_latitude"`
	HomeLongitude    float64       `json:"home_longitude" yaml:"home_longitude"`
	Radius           float64       `json:"radius" yaml:"radius"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DeviceID:  ingest.DefaultDeviceID,
		HTTP:      gatewayhttp.DefaultConfig(),
		WebSocket: websocket.DefaultConfig(),
		Broker:    broker.DefaultConfig(),
		Ingest: IngestConfig{
			DedupWindow:      5 * time.Second,
			HistorySize:      100,
			BreakerThreshold: 5,
			BreakerReset:     10 * time.Second,
			BreakerSuccesses: 3,
		},
		Monitor: MonitorConfig{
			Interval:          monitor.DefaultInterval,
			ConnectionTimeout: monitor.DefaultTimeout,
			FallbackGrace:     monitor.DefaultGrace,
		},
		Simulation: SimulationConfig{
			Enabled:          true,
			Interval:         simulation.DefaultInterval,
			HomeLatitude:     simulation.DefaultHome.Latitude,
			HomeLongitude:    simulation.DefaultHome.Longitude,
			Radius:           simulation.DefaultRadius,
			FailureThreshold: 3,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// reservedPaths are routes owned by the HTTP gateway.
var reservedPaths = []string{"/telemetry", "/command", "/history", "/devices", "/health", "/stats", "/metrics"}

// Validate checks every section and fills section defaults.
func (c *Config) Validate() error {
	if err := telemetry.ValidDeviceID(c.DeviceID); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "device_id")
	}
	if err := c.HTTP.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "http section")
	}
	if err := c.WebSocket.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "websocket section")
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return invalid("websocket.path must start with /")
	}
	for _, p := range reservedPaths {
		if c.WebSocket.Path == p {
			return invalid(fmt.Sprintf("websocket.path %s collides with an HTTP route", p))
		}
	}
	if err := c.Broker.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "broker section")
	}

	in := c.Ingest
	switch {
	case in.DedupWindow <= 0:
		return invalid("ingest.dedup_window must be positive")
	case in.HistorySize <= 0 || in.HistorySize > 100000:
		return invalid("ingest.history_size must be in [1, 100000]")
	case in.BreakerThreshold <= 0:
		return invalid("ingest.breaker_threshold must be positive")
	case in.BreakerReset <= 0:
		return invalid("ingest.breaker_reset must be positive")
	case in.BreakerSuccesses <= 0:
		return invalid("ingest.breaker_successes must be positive")
	}

	m := c.Monitor
	switch {
	case m.Interval <= 0:
		return invalid("monitor.interval must be positive")
	case m.ConnectionTimeout <= m.Interval:
		return invalid("monitor.connection_timeout must exceed monitor.interval")
	case m.FallbackGrace < 0:
		return invalid("monitor.fallback_grace cannot be negative")
	}

	s := c.Simulation
	if s.Enabled {
		switch {
		case s.Interval <= 0:
			return invalid("simulation.interval must be positive")
		case s.HomeLatitude < -90 || s.HomeLatitude > 90:
			return invalid("simulation.home_latitude outside [-90, 90]")
		case s.HomeLongitude < -180 || s.HomeLongitude > 180:
			return invalid("simulation.home_longitude outside [-180, 180]")
		case s.Radius < 0 || s.Radius > 1:
			return invalid("simulation.radius outside [0, 1] degrees")
		case s.FailureThreshold <= 0:
			return invalid("simulation.failure_threshold must be positive")
		}
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() *Config {
	out := *c
	out.HTTP.CORSOrigins = append([]string(nil), c.HTTP.CORSOrigins...)
	out.WebSocket.AllowedOrigins = append([]string(nil), c.WebSocket.AllowedOrigins...)
	if out.Broker.Password != "" {
		out.Broker.Password = "********"
	}
	return &out
}

// String returns the redacted configuration as JSON.
func (c *Config) String() string {
	data, err := json.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("config(error: %v)", err)
	}
	return string(data)
}

func invalid(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "check config")
}
