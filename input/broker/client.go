package broker

import (
	"context"
	"fmt"
)

// MessageHandler receives one inbound message. Topics are always reported
// in slash form, whatever the backend's native separator. Messages on one
// topic reach the handler in arrival order, and the handler must not wait
// on the broker.
type MessageHandler func(topic string, payload []byte)

// Client is one broker connection attempt. The adapter builds a fresh
// Client for every attempt through a Factory and never reuses one after
// Close.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
	// OnConnectionLost registers the callback fired when an established
	// connection drops. It must be set before Connect.
	OnConnectionLost(fn func(error))
}

// Factory builds a Client for one connection attempt.
type Factory func() (Client, error)

// NewFactory returns the factory for cfg.Backend.
func NewFactory(cfg Config, opts ...BackendOption) (Factory, error) {
	var o backendOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch cfg.Backend {
	case BackendMQTT:
		return func() (Client, error) { return newMQTTClient(cfg, o) }, nil
	case BackendNATS:
		return func() (Client, error) { return newNATSClient(cfg, o) }, nil
	}
	return nil, invalidConfig(fmt.Sprintf("backend %q is not mqtt or nats", cfg.Backend))
}
