package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/natsclient"
)

const closeTimeout = 2 * time.Second

// natsBackend maps slash topics onto dotted subjects. NATS has no retained
// messages, so retained publishes are also written to a JetStream KV bucket
// and replayed to each new subscription. Without JetStream, retained
// publishes behave like plain ones.
type natsBackend struct {
	cfg    Config
	logger *slog.Logger
	client *natsclient.Client

	mu   sync.RWMutex
	lost func(error)
	kv   jetstream.KeyValue
}

func newNATSClient(cfg Config, o backendOptions) (Client, error) {
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &natsBackend{cfg: cfg, logger: logger.With("component", "broker-nats")}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithName(cfg.ClientID),
		natsclient.WithDisconnectCallback(b.connectionLost),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	b.client = client
	return b, nil
}

// subject converts "krti/uav/voltage" to "krti.uav.voltage".
func subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func topicOf(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (b *natsBackend) OnConnectionLost(fn func(error)) {
	b.mu.Lock()
	b.lost = fn
	b.mu.Unlock()
}

func (b *natsBackend) connectionLost(err error) {
	b.mu.RLock()
	fn := b.lost
	b.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (b *natsBackend) Connect(ctx context.Context) error {
	if err := b.client.Connect(ctx); err != nil {
		return err
	}
	kv, err := b.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      b.cfg.RetainBucket,
		Description: "retained broker values",
		History:     1,
	})
	if err != nil {
		b.logger.Debug("retained values unavailable", "bucket", b.cfg.RetainBucket, "error", err)
		return nil
	}
	b.mu.Lock()
	b.kv = kv
	b.mu.Unlock()
	return nil
}

func (b *natsBackend) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	subj := subject(topic)
	err := b.client.Subscribe(ctx, subj, func(_ context.Context, data []byte) {
		handler(topicOf(subj), data)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATS", "Subscribe", "subscribe "+subj)
	}

	b.mu.RLock()
	kv := b.kv
	b.mu.RUnlock()
	if kv == nil {
		return nil
	}
	entry, err := kv.Get(ctx, subj)
	switch {
	case err == nil:
		handler(topicOf(subj), entry.Value())
	case !natsclient.IsKVNotFoundError(err):
		b.logger.Debug("retained value lookup failed", "subject", subj, "error", err)
	}
	return nil
}

func (b *natsBackend) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	subj := subject(topic)
	if err := b.client.Publish(ctx, subj, payload); err != nil {
		return err
	}
	if !retained {
		return nil
	}
	b.mu.RLock()
	kv := b.kv
	b.mu.RUnlock()
	if kv != nil {
		if _, err := kv.Put(ctx, subj, payload); err != nil {
			return errors.WrapTransient(err, "NATS", "Publish", "retain "+subj)
		}
	}
	return nil
}

func (b *natsBackend) Close() error {
	b.OnConnectionLost(nil)
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return b.client.Close(ctx)
}
