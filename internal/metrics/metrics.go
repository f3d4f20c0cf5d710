// Package metrics exposes Prometheus instruments for backup operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ibk"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	backupSets  prometheus.Gauge
	artifacts   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Backup subsystem operations by kind and outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of backup subsystem operations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"operation"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful operation.",
		}, []string{"operation"}),
		backupSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_sets",
			Help:      "Backup sets currently present in the backup directory.",
		}),
		artifacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of the most recent artifact by role.",
		}, []string{"role"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.durations,
		m.lastSuccess,
		m.backupSets,
		m.artifacts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.durations.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err == nil {
		m.lastSuccess.WithLabelValues(operation).SetToCurrentTime()
	}
}

func (m *Metrics) SetBackupSets(n int) {
	if m == nil {
		return
	}
	m.backupSets.Set(float64(n))
}

func (m *Metrics) SetArtifactSize(role string, size int64) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(role).Set(float64(size))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
