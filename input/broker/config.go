package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Backend names
const (
	BackendMQTT = "mqtt"
	BackendNATS = "nats"
)

// Config holds broker adapter settings
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Backend string `json:"backend" yaml:"backend"`
	URL     string `json:"url" yaml:"url"`

	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// TopicPrefix is prepended to every topic, including the outbound
	// command topic. It must end with "/".
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`

	// DeviceID is the device the broker's topics describe.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// QoS applies to MQTT subscriptions and publishes.
	QoS byte `json:"qos" yaml:"qos"`

	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// RetainBucket is the JetStream KV bucket the NATS backend keeps
	// retained values in.
	RetainBucket string `json:"retain_bucket" yaml:"retain_bucket"`
}

// DefaultConfig returns the default broker configuration (disabled).
func DefaultConfig() Config {
	return Config{
		Backend:        BackendMQTT,
		URL:            "tcp://localhost:1883",
		ClientID:       "telemetry-hub",
		TopicPrefix:    "krti/uav/",
		DeviceID:       ingest.DefaultDeviceID,
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RetainBucket:   "telemetry_retained",
	}
}

// Validate fills defaults and checks the settings. A disabled config is
// always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	c.Backend = strings.ToLower(c.Backend)
	if c.Backend != BackendMQTT && c.Backend != BackendNATS {
		return invalidConfig(fmt.Sprintf("backend %q is not mqtt or nats", c.Backend))
	}
	if strings.TrimSpace(c.URL) == "" {
		return invalidConfig("url is required")
	}
	if c.ClientID == "" {
		c.ClientID = def.ClientID
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = def.TopicPrefix
	}
	if !strings.HasSuffix(c.TopicPrefix, "/") {
		c.TopicPrefix += "/"
	}
	if c.DeviceID == "" {
		c.DeviceID = def.DeviceID
	}
	if err := telemetry.ValidDeviceID(c.DeviceID); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "broker device id")
	}
	if c.QoS > 2 {
		return invalidConfig(fmt.Sprintf("qos %d outside [0, 2]", c.QoS))
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		return invalidConfig("max_backoff must not be below initial_backoff")
	}
	if c.RetainBucket == "" {
		c.RetainBucket = def.RetainBucket
	}
	return nil
}

// ReconnectPolicy derives the reconnect backoff from the config.
func (c Config) ReconnectPolicy() errors.ReconnectPolicy {
	p := errors.DefaultReconnectPolicy()
	if c.InitialBackoff > 0 {
		p.InitialDelay = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxDelay = c.MaxBackoff
	}
	return p
}

func invalidConfig(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "Config", "Validate", "broker config")
}
