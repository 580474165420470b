package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	chunksReceivedTotal  *prometheus.CounterVec
	assembliesTotal      *prometheus.CounterVec
	registryLookupsTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bzl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bzl",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunksReceivedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "server",
			Name:      "chunks_received_total",
			Help:      "Total chunk bodies accepted by result.",
		},
		[]string{"service", "result"},
	)
	assembliesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "server",
			Name:      "assemblies_total",
			Help:      "Total finalize assemblies by result.",
		},
		[]string{"service", "result"},
	)
	registryLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bzl",
			Subsystem: "server",
			Name:      "registry_lookups_total",
			Help:      "Total registry duplicate checks by match type.",
		},
		[]string{"service", "match_type"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		chunksReceivedTotal,
		assembliesTotal,
		registryLookupsTotal,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		chunksReceivedTotal:  chunksReceivedTotal,
		assembliesTotal:      assembliesTotal,
		registryLookupsTotal: registryLookupsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &metricsStatusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/uploads/") && strings.HasSuffix(path, "/chunks"):
		return "/v1/uploads/{upload_id}/chunks"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordChunkReceived(service string, err error) {
	m.chunksReceivedTotal.WithLabelValues(service, resultLabel(err)).Inc()
}

func (m *HTTPServerMetrics) RecordAssembly(service string, err error) {
	m.assembliesTotal.WithLabelValues(service, resultLabel(err)).Inc()
}

func (m *HTTPServerMetrics) RecordRegistryLookup(service, matchType string) {
	if matchType == "" {
		matchType = "none"
	}
	m.registryLookupsTotal.WithLabelValues(service, matchType).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type metricsStatusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsStatusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *metricsStatusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *metricsStatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
