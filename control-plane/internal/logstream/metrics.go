package logstream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	subscribers prometheus.Gauge
	builds      prometheus.Gauge
	published   prometheus.Counter
	deliveries  *prometheus.CounterVec
	sessions    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered once with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg and panics on conflict.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploy_relay",
			Subsystem: "logstream",
			Name:      "subscribers_active",
			Help:      "Subscribers currently registered across all deploys.",
		}),
		builds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploy_relay",
			Subsystem: "logstream",
			Name:      "deploys_active",
			Help:      "Deploys with at least one registered subscriber.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploy_relay",
			Subsystem: "logstream",
			Name:      "events_published_total",
			Help:      "Log events handed to the delivery engine.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_relay",
			Subsystem: "logstream",
			Name:      "deliveries_total",
			Help:      "Per-subscriber delivery attempts by result.",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_relay",
			Subsystem: "logstream",
			Name:      "sessions_total",
			Help:      "Subscriber sessions by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.subscribers, m.builds, m.published, m.deliveries, m.sessions)
	return m
}

func (m *Metrics) setRegistrySize(builds, subscribers int) {
	if m == nil {
		return
	}
	m.builds.Set(float64(builds))
	m.subscribers.Set(float64(subscribers))
}

func (m *Metrics) eventPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) session(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}
