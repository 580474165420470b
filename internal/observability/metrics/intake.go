package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bizledger/intake/internal/resource"
)

// IntakeMetrics instruments the upload pipeline, the duplicate detector and
// the resource manager.
type IntakeMetrics struct {
	registry *prometheus.Registry

	uploadsTotal       *prometheus.CounterVec
	chunksTotal        *prometheus.CounterVec
	chunkRetriesTotal  prometheus.Counter
	chunkDuration      prometheus.Histogram
	uploadBytesTotal   prometheus.Counter
	dedupeChecksTotal  *prometheus.CounterVec
	dedupeBlockedTotal prometheus.Counter
	resourceEvictions  *prometheus.CounterVec
}

func NewIntakeMetrics(service string) *IntakeMetrics {
	registry := prometheus.NewRegistry()

	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "upload",
			Name:      "uploads_total",
			Help:      "Total uploads by terminal status.",
		},
		[]string{"service", "status"},
	)
	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "upload",
			Name:      "chunks_total",
			Help:      "Total chunk transfers by result.",
		},
		[]string{"service", "result"},
	)
	chunkRetriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "upload",
			Name:      "chunk_retries_total",
			Help:      "Total chunk retry attempts.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunkDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bzl",
			Subsystem: "upload",
			Name:      "chunk_duration_seconds",
			Help:      "Chunk transfer duration in seconds.",
			Buckets:   prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Total bytes successfully transferred.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	dedupeChecksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "dedupe",
			Name:      "checks_total",
			Help:      "Total duplicate checks by match type and registry source.",
		},
		[]string{"service", "match_type", "source"},
	)
	dedupeBlockedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "dedupe",
			Name:      "blocked_total",
			Help:      "Total uploads blocked as duplicates.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	resourceEvictions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "resource",
			Name:      "evictions_total",
			Help:      "Total resources evicted by the limit enforcement pass.",
		},
		[]string{"service", "category"},
	)

	registry.MustRegister(
		uploadsTotal,
		chunksTotal,
		chunkRetriesTotal,
		chunkDuration,
		uploadBytesTotal,
		dedupeChecksTotal,
		dedupeBlockedTotal,
		resourceEvictions,
	)

	return &IntakeMetrics{
		registry:           registry,
		uploadsTotal:       uploadsTotal,
		chunksTotal:        chunksTotal,
		chunkRetriesTotal:  chunkRetriesTotal,
		chunkDuration:      chunkDuration,
		uploadBytesTotal:   uploadBytesTotal,
		dedupeChecksTotal:  dedupeChecksTotal,
		dedupeBlockedTotal: dedupeBlockedTotal,
		resourceEvictions:  resourceEvictions,
	}
}

func (m *IntakeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IntakeMetrics) RecordUpload(service string, success bool) {
	status := "success"
	if !success {
		status = "partial_failure"
	}
	m.uploadsTotal.WithLabelValues(service, status).Inc()
}

func (m *IntakeMetrics) RecordChunk(service string, success bool, retries int, size int64, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.chunksTotal.WithLabelValues(service, result).Inc()
	if retries > 0 {
		m.chunkRetriesTotal.Add(float64(retries))
	}
	m.chunkDuration.Observe(duration.Seconds())
	if success {
		m.uploadBytesTotal.Add(float64(size))
	}
}

func (m *IntakeMetrics) RecordDedupeCheck(service, matchType, source string, blocked bool) {
	m.dedupeChecksTotal.WithLabelValues(service, matchType, source).Inc()
	if blocked {
		m.dedupeBlockedTotal.Inc()
	}
}

func (m *IntakeMetrics) RecordEviction(service string, category resource.Category, count int) {
	m.resourceEvictions.WithLabelValues(service, string(category)).Add(float64(count))
}

// RegisterResourceGauges exposes the live resource set as gauges read from
// the manager on scrape.
func (m *IntakeMetrics) RegisterResourceGauges(service string, mgr *resource.Manager) {
	liveCount := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bzl",
			Subsystem: "resource",
			Name:      "live_total",
			Help:      "Currently tracked resources.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		func() float64 { return float64(mgr.Stats().Count) },
	)
	liveBytes := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bzl",
			Subsystem: "resource",
			Name:      "estimated_bytes",
			Help:      "Aggregate estimated size of tracked resources.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		func() float64 { return float64(mgr.Stats().TotalBytes) },
	)
	m.registry.MustRegister(liveCount, liveBytes)
}
