// Package metrics registers the daemon's Prometheus instruments on a
// private registry so tests never collide on the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Broadcast metrics
	SubscribersActive prometheus.Gauge
	KeyRotationsTotal prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	SendFailuresTotal prometheus.Counter

	// Auth metrics
	AuthSuccessTotal  prometheus.Counter
	AuthFailuresTotal *prometheus.CounterVec

	// Relay metrics
	RelayEditsTotal *prometheus.CounterVec
}

// New creates and registers all metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keycast_subscribers_active",
			Help: "Number of authenticated WebSocket subscribers",
		}),
		KeyRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keycast_key_rotations_total",
			Help: "Total number of key value changes observed by the tick loop",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keycast_broadcasts_total",
			Help: "Total number of new-key fan-outs",
		}),
		SendFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keycast_send_failures_total",
			Help: "Total number of per-subscriber send failures",
		}),
		AuthSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keycast_auth_success_total",
			Help: "Total number of successful subscriber authentications",
		}),
		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keycast_auth_failures_total",
				Help: "Total number of rejected subscriber authentications",
			},
			[]string{"reason"},
		),
		RelayEditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keycast_relay_edits_total",
				Help: "Total number of relay destination updates",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.SubscribersActive,
		m.KeyRotationsTotal,
		m.BroadcastsTotal,
		m.SendFailuresTotal,
		m.AuthSuccessTotal,
		m.AuthFailuresTotal,
		m.RelayEditsTotal,
	)

	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
