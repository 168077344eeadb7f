// Package metrics records fetch activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "skdaccess"
	metricSubsystem = "fetch"
)

// Recorder implements fetcher.Metrics on a private Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	downloads        *prometheus.CounterVec
	downloadBytes    *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	errors           *prometheus.CounterVec
}

// New creates a recorder and registers its metrics.
func New() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "cache_hits_total",
			Help:      "Total number of items served from the cache",
		}, []string{"namespace"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "cache_misses_total",
			Help:      "Total number of cache lookups that found no entry",
		}, []string{"namespace"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "downloads_total",
			Help:      "Total number of payloads downloaded from sources",
		}, []string{"namespace"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded from sources",
		}, []string{"namespace"}),
		downloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "download_duration_seconds",
			Help:      "Time spent downloading one payload, retries excluded",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"namespace"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      "errors_total",
			Help:      "Total number of failed items by error kind",
		}, []string{"namespace", "type"}),
	}

	collectors := []prometheus.Collector{
		r.cacheHits,
		r.cacheMisses,
		r.downloads,
		r.downloadBytes,
		r.downloadDuration,
		r.errors,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}
	return r, nil
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RecordCacheHit increments the hit counter of namespace.
func (r *Recorder) RecordCacheHit(namespace string) {
	r.cacheHits.WithLabelValues(namespace).Inc()
}

// RecordCacheMiss increments the miss counter of namespace.
func (r *Recorder) RecordCacheMiss(namespace string) {
	r.cacheMisses.WithLabelValues(namespace).Inc()
}

// RecordDownload records one successful download.
func (r *Recorder) RecordDownload(namespace string, bytes int, duration time.Duration) {
	r.downloads.WithLabelValues(namespace).Inc()
	r.downloadBytes.WithLabelValues(namespace).Add(float64(bytes))
	r.downloadDuration.WithLabelValues(namespace).Observe(duration.Seconds())
}

// RecordError counts one failed item.
func (r *Recorder) RecordError(namespace string, kind string) {
	r.errors.WithLabelValues(namespace, kind).Inc()
}

// WriteFile writes all metrics in the Prometheus text format, for the node
// exporter textfile collector.
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
