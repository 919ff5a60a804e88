// Package dedup drops repeated (device, packet number) pairs seen within a
// sliding window. Devices retransmit the same packet over HTTP retries and
// across transports; only the first copy is merged.
package dedup

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/pkg/cache"
)

// DefaultWindow is how long a packet number stays remembered.
const DefaultWindow = 5 * time.Second

// Config for a Deduplicator
type Config struct {
	Window time.Duration
	// SweepInterval defaults to Window.
	SweepInterval time.Duration
}

// Deduplicator is safe for concurrent use.
type Deduplicator struct {
	window time.Duration
	seen   cache.Cache[time.Time]
	logger *slog.Logger
}

// New creates a deduplicator whose background sweep runs until ctx is done
// or Close is called. registry may be nil.
func New(ctx context.Context, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Deduplicator, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen, err := cache.NewTTL[time.Time](ctx, cfg.Window, cfg.SweepInterval,
		cache.WithMetrics[time.Time](registry, "dedup"))
	if err != nil {
		return nil, errors.Wrap(err, "Deduplicator", "New", "create window cache")
	}

	return &Deduplicator{
		window: cfg.Window,
		seen:   seen,
		logger: logger.With("component", "dedup"),
	}, nil
}

func key(deviceID string, packet uint32) string {
	return deviceID + "#" + strconv.FormatUint(uint64(packet), 10)
}

// IsDuplicate reports whether (deviceID, packet) was first seen less than one
// window before at. The first sighting is recorded and returns false. A nil
// packet number is never a duplicate.
func (d *Deduplicator) IsDuplicate(deviceID string, packet *uint32, at time.Time) bool {
	if packet == nil {
		return false
	}

	stored, firstSeen, err := d.seen.SetIfAbsentAt(key(deviceID, *packet), at, at)
	if err != nil {
		// empty key cannot happen with the '#' separator
		d.logger.Warn("dedup key rejected", "device", deviceID, "error", err)
		return false
	}
	if !stored {
		d.logger.Debug("duplicate packet",
			"device", deviceID,
			"packet", *packet,
			"age", at.Sub(firstSeen))
	}
	return !stored
}

// Forget drops the record of (deviceID, packet) so a redelivery is treated
// as new. Callers use it when the first delivery was not merged.
func (d *Deduplicator) Forget(deviceID string, packet *uint32) {
	if packet == nil {
		return
	}
	d.seen.Delete(key(deviceID, *packet))
}

// Sweep evicts entries older than the window relative to now.
func (d *Deduplicator) Sweep(now time.Time) int {
	return d.seen.RemoveExpired(now)
}

// Len returns the number of remembered packets.
func (d *Deduplicator) Len() int {
	return d.seen.Size()
}

// Window returns the configured window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// Close stops the background sweep.
func (d *Deduplicator) Close() error {
	return d.seen.Close()
}
