// Package metrics exports delivery measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	submitted       *prometheus.CounterVec
}

// New registers the collectors, with the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_delivery_attempts_total",
				Help: "Delivery attempts by channel, provider and result",
			},
			[]string{"channel", "provider", "result", "code"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_delivery_attempt_duration_seconds",
				Help:    "Duration of provider calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel", "provider"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_finished_total",
				Help: "Notifications reaching a terminal status",
			},
			[]string{"channel", "status"},
		),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notifications_submitted_total",
				Help: "Notifications accepted through the API",
			},
			[]string{"channel"},
		),
	}
	m.registry.MustRegister(
		m.attempts,
		m.attemptDuration,
		m.outcomes,
		m.submitted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// AttemptFinished records one provider call.
func (m *Metrics) AttemptFinished(channel, providerName string, success bool, code string, elapsed time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.attempts.WithLabelValues(channel, providerName, result, code).Inc()
	m.attemptDuration.WithLabelValues(channel, providerName).Observe(elapsed.Seconds())
}

// NotificationFinished records a terminal status.
func (m *Metrics) NotificationFinished(channel string, status notification.Status) {
	m.outcomes.WithLabelValues(channel, string(status)).Inc()
}

// Submitted records an accepted notification.
func (m *Metrics) Submitted(channel notification.Channel) {
	m.submitted.WithLabelValues(string(channel)).Inc()
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
