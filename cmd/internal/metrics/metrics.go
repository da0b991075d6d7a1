// Package metrics exposes session manager metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hms/cmd/internal/auth/refresh"
	"hms/cmd/internal/auth/session"
	"hms/cmd/internal/realtime"
)

const namespace = "hms"

// Collector implements the observer interfaces of the refresh coordinator, the gateway,
// the realtime channel and the session controller.
type Collector struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshWaiters  prometheus.Counter
	refreshInflight prometheus.Gauge
	refreshDuration prometheus.Histogram
	replayTotal     *prometheus.CounterVec
	connectsTotal   *prometheus.CounterVec
	realtimeState   prometheus.Gauge
	sessionState    prometheus.Gauge
}

// New builds a Collector on its own registry, including Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh tickets by outcome.",
		}, []string{"result"}),
		refreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_waiters_total",
			Help:      "Callers that attached to an in-flight refresh instead of starting one.",
		}),
		refreshInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_inflight",
			Help:      "1 while a refresh ticket is in flight.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Time from ticket start to resolution.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		replayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_replay_total",
			Help:      "Requests replayed after a 401, by outcome.",
		}, []string{"result"}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connects_total",
			Help:      "Realtime dial attempts by outcome.",
		}, []string{"result"}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Realtime channel state (0 closed, 1 connecting, 2 open, 3 reconnecting).",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Session state (0 logged out, 1 authenticating, 2 active, 4 expired).",
		}),
	}

	c.registry.MustRegister(
		c.refreshTotal,
		c.refreshWaiters,
		c.refreshInflight,
		c.refreshDuration,
		c.replayTotal,
		c.connectsTotal,
		c.realtimeState,
		c.sessionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ---- refresh.Observer ----

func (c *Collector) TicketStarted() { c.refreshInflight.Set(1) }

func (c *Collector) WaiterAttached() { c.refreshWaiters.Inc() }

func (c *Collector) TicketResolved(r refresh.Result, elapsed time.Duration) {
	c.refreshInflight.Set(0)
	c.refreshTotal.WithLabelValues(string(r)).Inc()
	c.refreshDuration.Observe(elapsed.Seconds())
}

// ---- gateway.Observer ----

func (c *Collector) Replayed(result string) {
	c.replayTotal.WithLabelValues(result).Inc()
}

// ---- realtime.Observer ----

func (c *Collector) StateChanged(s realtime.State) { c.realtimeState.Set(float64(s)) }

func (c *Collector) ConnectAttempt(result string) {
	c.connectsTotal.WithLabelValues(result).Inc()
}

// ---- session.Observer ----

func (c *Collector) SessionState(s session.State) { c.sessionState.Set(float64(s)) }
