// Package metrics holds the Prometheus collectors of the auth service. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authd"

type Metrics struct {
	registry *prometheus.Registry

	grants       *prometheus.CounterVec
	lockouts     prometheus.Counter
	rotations    prometheus.Counter
	keyRotations prometheus.Counter
	hashSeconds  prometheus.Histogram
	hashInFlight prometheus.Gauge
	housekeeping *prometheus.CounterVec
}

// New registers every collector on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Token grants processed, by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Identities locked out after repeated sign-in failures.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Refresh tokens redeemed and replaced.",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_rotations_total",
			Help:      "Signing key rotations.",
		}),
		hashSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "password_hash_seconds",
			Help:      "Time spent hashing or verifying a password, including queueing.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		hashInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "password_hash_in_flight",
			Help:      "Password hash operations currently running.",
		}),
		housekeeping: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_deleted_total",
			Help:      "Rows removed by housekeeping, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.grants, m.lockouts, m.rotations, m.keyRotations,
		m.hashSeconds, m.hashInFlight, m.housekeeping,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Grant(grantType, outcome string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(grantType, outcome).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) RefreshRotated() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) KeyRotated() {
	if m == nil {
		return
	}
	m.keyRotations.Inc()
}

// HashStarted tracks one hash operation. Call the returned func when done.
func (m *Metrics) HashStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.hashInFlight.Inc()
	return func() {
		m.hashInFlight.Dec()
		m.hashSeconds.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) HousekeepingDeleted(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.housekeeping.WithLabelValues(kind).Add(float64(n))
}
