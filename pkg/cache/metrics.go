package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemetry",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Lookups that found a live entry"),
		misses:    counter("misses_total", "Lookups that found nothing live"),
		sets:      counter("sets_total", "Entries stored"),
		evictions: counter("evictions_total", "Entries removed on expiry"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "telemetry",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Entries currently stored",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"cache_hits": m.hits, "cache_misses": m.misses,
		"cache_sets": m.sets, "cache_evictions": m.evictions,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
