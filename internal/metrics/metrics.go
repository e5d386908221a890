// Package metrics holds the relay's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of relay instruments. The zero value is not usable; a
// nil *Metrics is, and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsReplaced prometheus.Counter
	Heartbeats       prometheus.Counter

	Requests      *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	ChannelWrites *prometheus.CounterVec

	BackendCalls    *prometheus.CounterVec
	BackendDuration prometheus.Histogram

	CacheLookups   *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec
}

// New registers all instruments with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "The current number of registered push channels.",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_opened_total",
			Help: "The total number of push channels opened.",
		}),
		SessionsReplaced: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_replaced_total",
			Help: "The total number of push channels superseded by a reopen with the same session id.",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeats_total",
			Help: "The total number of keep-alive pings written.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Requests handled by the router, by terminal state.",
		}, []string{"state"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Reply deliveries, by outcome.",
		}, []string{"outcome"}),
		ChannelWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_channel_writes_total",
			Help: "Writes to push channels, by result.",
		}, []string{"result"}),
		BackendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_backend_calls_total",
			Help: "Backend gateway calls, by result.",
		}, []string{"result"}),
		BackendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_backend_call_duration_seconds",
			Help:    "Backend gateway call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_lookups_total",
			Help: "Cached query lookups, by result (hit, miss).",
		}, []string{"result"}),
		CacheRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_refreshes_total",
			Help: "Cache refresh attempts, by result (ok, error, rate_limited, cooldown, joined).",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(replaced bool) {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	if replaced {
		m.SessionsReplaced.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

func (m *Metrics) Request(state string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(state).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChannelWrite(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ChannelWrites.WithLabelValues("ok").Inc()
	} else {
		m.ChannelWrites.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) BackendCall(result string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(result).Inc()
	m.BackendDuration.Observe(seconds)
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) CacheRefresh(result string) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(result).Inc()
}
