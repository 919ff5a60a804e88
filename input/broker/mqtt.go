package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

type backendOptions struct {
	logger *slog.Logger
}

// BackendOption configures the backend clients a Factory builds.
type BackendOption func(*backendOptions)

// WithBackendLogger sets the logger backends use.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(o *backendOptions) {
		o.logger = logger
	}
}

// mqttClient wraps paho with library reconnects disabled.
type mqttClient struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration

	mu   sync.Mutex
	lost func(error)
}

func newMQTTClient(cfg Config, _ backendOptions) (Client, error) {
	c := &mqttClient{qos: cfg.QoS, timeout: cfg.ConnectTimeout}
	if c.timeout <= 0 {
		c.timeout = DefaultConfig().ConnectTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(c.timeout)
	// handlers run one at a time in arrival order; they must not block
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		fn := c.lost
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func (c *mqttClient) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.lost = fn
	c.mu.Unlock()
}

func (c *mqttClient) Connect(ctx context.Context) error {
	return c.wait(ctx, c.client.Connect(), "Connect", "connect")
}

func (c *mqttClient) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return c.wait(ctx, token, "Subscribe", "subscribe "+topic)
}

func (c *mqttClient) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTT", "Publish", "publish "+topic)
	}
	return c.wait(ctx, c.client.Publish(topic, c.qos, retained, payload), "Publish", "publish "+topic)
}

func (c *mqttClient) Close() error {
	c.OnConnectionLost(nil)
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

func (c *mqttClient) wait(ctx context.Context, token mqtt.Token, method, action string) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.WrapTransient(err, "MQTT", method, action)
		}
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "MQTT", method, action)
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "MQTT", method, action)
	}
}
