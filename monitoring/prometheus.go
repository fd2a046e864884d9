// Package monitoring exposes the gateway's operational metrics through a
// dedicated Prometheus registry.
package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMonitor collects routing, lease, and probe metrics.
type PrometheusMonitor struct {
	registry *prometheus.Registry

	selectionsTotal        *prometheus.CounterVec
	selectionFailuresTotal *prometheus.CounterVec
	leasesOpenedTotal      prometheus.Counter
	leasesClosedTotal      *prometheus.CounterVec
	probesTotal            *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	endpointsOnline        prometheus.Gauge
	activeRequests         prometheus.Gauge
}

// NewPrometheusMonitor creates a monitor with its own registry so the
// default global registry stays untouched.
func NewPrometheusMonitor(namespace string) (*PrometheusMonitor, error) {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMonitor{
		registry: registry,
		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of successful endpoint selections",
			},
			[]string{"capability", "level"},
		),
		selectionFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_failures_total",
				Help:      "Total number of selections that found no healthy endpoint",
			},
			[]string{"capability"},
		),
		leasesOpenedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_opened_total",
				Help:      "Total number of request leases opened",
			},
		),
		leasesClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_closed_total",
				Help:      "Total number of request leases closed",
			},
			[]string{"outcome"}, // outcome: ok, error, cancelled
		),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of health probe outcomes recorded",
			},
			[]string{"outcome"}, // outcome: success, failure
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Completed request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"model"},
		),
		endpointsOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoints_online",
				Help:      "Number of endpoints currently online",
			},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of currently leased requests",
			},
		),
	}

	collectors := []prometheus.Collector{
		pm.selectionsTotal,
		pm.selectionFailuresTotal,
		pm.leasesOpenedTotal,
		pm.leasesClosedTotal,
		pm.probesTotal,
		pm.requestDuration,
		pm.endpointsOnline,
		pm.activeRequests,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %v", err)
		}
	}

	return pm, nil
}

func (p *PrometheusMonitor) RecordSelection(capability string, level string) {
	p.selectionsTotal.With(prometheus.Labels{"capability": capability, "level": level}).Inc()
}

func (p *PrometheusMonitor) RecordSelectionFailure(capability string) {
	p.selectionFailuresTotal.With(prometheus.Labels{"capability": capability}).Inc()
}

func (p *PrometheusMonitor) RecordLeaseOpened() {
	p.leasesOpenedTotal.Inc()
}

func (p *PrometheusMonitor) RecordLeaseClosed(outcome string, model string, duration time.Duration) {
	p.leasesClosedTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
	if duration > 0 {
		p.requestDuration.With(prometheus.Labels{"model": model}).Observe(duration.Seconds())
	}
}

func (p *PrometheusMonitor) RecordProbe(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	p.probesTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// UpdateFleetGauges refreshes the point-in-time gauges.
func (p *PrometheusMonitor) UpdateFleetGauges(online int, activeRequests int64) {
	p.endpointsOnline.Set(float64(online))
	p.activeRequests.Set(float64(activeRequests))
}

// GetHandler returns the Prometheus HTTP handler
func (p *PrometheusMonitor) GetHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
