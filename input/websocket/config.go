package websocket

import (
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// Config holds socket settings
type Config struct {
	// Path is where the endpoint is mounted on the HTTP server.
	Path string `json:"path" yaml:"path"`

	// MaxMessageSize is the read limit per frame in bytes (default 8 KiB).
	MaxMessageSize int64 `json:"max_message_size" yaml:"max_message_size"`

	// SendQueue is the per-peer outbound buffer; broadcast events that do
	// not fit are dropped for that peer.
	SendQueue int `json:"send_queue" yaml:"send_queue"`

	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	PongTimeout  time.Duration `json:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	ReadBufferSize    int  `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize   int  `json:"write_buffer_size" yaml:"write_buffer_size"`
	EnableCompression bool `json:"enable_compression" yaml:"enable_compression"`

	// AllowedOrigins restricts browser peers. Empty accepts any origin;
	// devices send none.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// DefaultConfig returns the default socket configuration
func DefaultConfig() Config {
	return Config{
		Path:            "/ws",
		MaxMessageSize:  8 * 1024,
		SendQueue:       64,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Validate fills zero values with defaults and rejects inconsistent timing.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.PongTimeout <= c.PingInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pong_timeout must exceed ping_interval")
	}
	return nil
}
