package http

import (
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// DefaultMaxRequestSize is the body limit for device and operator requests.
const DefaultMaxRequestSize = 8 * 1024

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `json:"addr" yaml:"addr"`

	// EnableCORS enables CORS headers (requires explicit cors_origins)
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// CORSOrigins lists allowed origins. ["*"] is for development only.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits request bodies in bytes (default 8 KiB)
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// H2C serves cleartext HTTP/2 alongside HTTP/1.1.
	H2C bool `json:"h2c" yaml:"h2c"`

	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// CommandTTL is how long a queued command waits for a polling device.
	CommandTTL time.Duration `json:"command_ttl,omitempty" yaml:"command_ttl,omitempty"`
}

// DefaultConfig returns the default HTTP configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		EnableCORS:     false,
		CORSOrigins:    []string{},
		MaxRequestSize: DefaultMaxRequestSize,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		CommandTTL:     30 * time.Second,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "addr cannot be empty")
	}
	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = def.MaxRequestSize
	}
	if c.MaxRequestSize > 1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 1MB")
	}
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CommandTTL <= 0 {
		c.CommandTTL = def.CommandTTL
	}
	return nil
}
