// Package metrics holds the prometheus collectors of the notification engine.
// Collectors are registered on an injected registerer; a nil *Metrics is a
// valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Routed         *prometheus.CounterVec
	Dropped        prometheus.Counter
	LiveDeliveries prometheus.Counter
	PushOutcomes   *prometheus.CounterVec
	TokensPruned   *prometheus.CounterVec
	Sessions       prometheus.Gauge
	BatchDuration  *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	JobsDropped    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventful_routed_changes_total",
			Help: "Changes routed, by trigger key.",
		}, []string{"key"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventful_routed_changes_dropped_total",
			Help: "Changes dropped because the resource no longer exists.",
		}),
		LiveDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventful_live_deliveries_total",
			Help: "Frames handed to live sessions.",
		}),
		PushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventful_push_outcomes_total",
			Help: "Per-token push outcomes.",
		}, []string{"channel", "status"}),
		TokensPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventful_push_tokens_pruned_total",
			Help: "Device tokens removed after a permanent failure.",
		}, []string{"channel"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventful_live_sessions",
			Help: "Connected websocket sessions.",
		}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventful_push_batch_duration_seconds",
			Help:    "Duration of one (user, channel) push batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventful_push_queue_depth",
			Help: "Push jobs waiting for a worker.",
		}),
		JobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventful_push_jobs_dropped_total",
			Help: "Push jobs rejected before reaching a worker, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Routed, m.Dropped, m.LiveDeliveries, m.PushOutcomes,
			m.TokensPruned, m.Sessions, m.BatchDuration, m.QueueDepth, m.JobsDropped)
	}
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRouted(key string) {
	if m == nil {
		return
	}
	m.Routed.WithLabelValues(key).Inc()
}

func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) ObserveLive(n int) {
	if m == nil {
		return
	}
	m.LiveDeliveries.Add(float64(n))
}

func (m *Metrics) ObservePush(channel, status string) {
	if m == nil {
		return
	}
	m.PushOutcomes.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) ObservePruned(channel string) {
	if m == nil {
		return
	}
	m.TokensPruned.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveBatch(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveJobDropped(reason string) {
	if m == nil {
		return
	}
	m.JobsDropped.WithLabelValues(reason).Inc()
}
