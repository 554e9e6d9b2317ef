// Package telemetry exposes sync activity as Prometheus metrics.
//
// Collection is opt-in: a Metrics built with enabled=false registers nothing
// and every method is a no-op, so callers never need to nil-check it.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/remote"
	"github.com/kimhsiao/actisync/internal/sync/queue"
)

var (
	_ remote.Recorder = (*Metrics)(nil)
	_ queue.Observer  = (*Metrics)(nil)
)

const namespace = "actisync"

// Metrics holds the collectors for one running instance.
type Metrics struct {
	enabled  bool
	gatherer prometheus.Gatherer

	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	drainPasses    prometheus.Counter
	drainOps       *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	draining       prometheus.Gauge
	queueLength    prometheus.Gauge
	online         prometheus.Gauge
	transitions    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry, enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		enabled:  true,
		gatherer: reg,
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote store calls by operation and result",
		}, []string{"op", "result"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of remote store calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		drainPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_passes_total",
			Help:      "Completed drain passes",
		}),
		drainOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_operations_total",
			Help:      "Queued operations handled by drain passes, by result",
		}, []string{"result"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Wall time of drain passes",
			Buckets:   prometheus.DefBuckets,
		}),
		draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "draining",
			Help:      "1 while a drain pass is running",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Operations waiting in the sync queue",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the device believes it is online",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_transitions_total",
			Help:      "Connectivity changes by direction",
		}, []string{"to"}),
	}

	reg.MustRegister(
		m.remoteCalls, m.remoteDuration,
		m.drainPasses, m.drainOps, m.drainDuration, m.draining,
		m.queueLength, m.online, m.transitions,
	)
	return m
}

// IsEnabled reports whether metrics are being collected.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// Handler serves the registry in the Prometheus exposition format. When
// disabled it answers 404.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRemoteCall records one remote store call.
func (m *Metrics) ObserveRemoteCall(op remote.Op, ok bool, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.remoteCalls.WithLabelValues(string(op), result).Inc()
	m.remoteDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// DrainStarted marks a pass as running.
func (m *Metrics) DrainStarted(pending int) {
	if !m.enabled {
		return
	}
	m.draining.Set(1)
	m.queueLength.Set(float64(pending))
}

// DrainFinished records the outcome of a pass.
func (m *Metrics) DrainFinished(result models.DrainResult) {
	if !m.enabled {
		return
	}
	m.draining.Set(0)
	m.drainPasses.Inc()
	m.drainOps.WithLabelValues("synced").Add(float64(result.Synced))
	m.drainOps.WithLabelValues("failed").Add(float64(result.Failed))
	m.drainOps.WithLabelValues("evicted").Add(float64(result.Evicted))
	m.drainOps.WithLabelValues("deferred").Add(float64(result.Deferred))
	if result.FinishedAt >= result.StartedAt {
		m.drainDuration.Observe(float64(result.FinishedAt-result.StartedAt) / 1000)
	}
}

// QueueChanged tracks the queue length.
func (m *Metrics) QueueChanged(length int) {
	if !m.enabled {
		return
	}
	m.queueLength.Set(float64(length))
}

// SetOnline tracks the connectivity belief. Pass changed=true when this is a
// transition rather than the initial value.
func (m *Metrics) SetOnline(online, changed bool) {
	if !m.enabled {
		return
	}
	to := "offline"
	if online {
		to = "online"
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
	if changed {
		m.transitions.WithLabelValues(to).Inc()
	}
}
