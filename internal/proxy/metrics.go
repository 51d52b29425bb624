package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gate-side proxy metrics. One instance per process,
// registered on its own registry so tests can build as many as they
// like.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	DecisionsTotal  *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	RecorderFlushes *prometheus.CounterVec
	WatchersActive  prometheus.Gauge
}

// NewMetrics builds the proxy metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "towergate",
			Subsystem: "gate",
			Name:      "active_sessions",
			Help:      "Currently proxied sessions.",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "towergate",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Access decisions seen by this gate, by outcome.",
		}, []string{"outcome"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "towergate",
			Subsystem: "gate",
			Name:      "sessions_total",
			Help:      "Finished sessions by termination reason.",
		}, []string{"reason"}),
		RecorderFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "towergate",
			Subsystem: "gate",
			Name:      "recorder_flushes_total",
			Help:      "Recorder flushes by outcome (remote, spooled, reuploaded).",
		}, []string{"outcome"}),
		WatchersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "towergate",
			Subsystem: "gate",
			Name:      "watchers_active",
			Help:      "Spectators currently attached to live sessions.",
		}),
	}
}
