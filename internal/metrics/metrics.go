// Package metrics exposes the gateway's Prometheus metrics registry,
// grounded on the teacher's internal/interfaces/http/metrics.go shape
// (a struct of vectors built once and wired through promhttp), adapted
// from pipeline-step metrics to fan-out ingest/session metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus metric the gateway exports.
type Registry struct {
	IngestTotal       *prometheus.CounterVec
	IngestDropped     *prometheus.CounterVec
	DeltaTotal        *prometheus.CounterVec
	FullTotal         *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	SessionsOpened    prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	OutboxDepth       prometheus.Histogram
	AdapterUp         *prometheus.GaugeVec
	AdapterReconnects *prometheus.CounterVec
	UpstreamRefs      prometheus.Gauge
}

// New creates and registers a Registry with the default Prometheus
// registerer. Call once per process.
func New() *Registry {
	r := &Registry{
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_ingest_total",
				Help: "Total snapshots ingested from upstream adapters",
			},
			[]string{"source"},
		),
		IngestDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_ingest_dropped_total",
				Help: "Snapshots dropped because a distributor shard inbox was full",
			},
			[]string{"source"},
		),
		DeltaTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_delta_enqueued_total",
				Help: "Delta updates enqueued to session outboxes",
			},
			[]string{"instrument"},
		),
		FullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_full_enqueued_total",
				Help: "Full snapshots enqueued to session outboxes",
			},
			[]string{"instrument"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mdgateway_active_sessions",
				Help: "Number of currently connected WebSocket sessions",
			},
		),
		SessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mdgateway_sessions_opened_total",
				Help: "Total WebSocket sessions opened",
			},
		),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_sessions_closed_total",
				Help: "Total WebSocket sessions closed, by reason",
			},
			[]string{"reason"},
		),
		OutboxDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mdgateway_outbox_depth",
				Help:    "Pending entry count in a session outbox at flush time",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		AdapterUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mdgateway_adapter_up",
				Help: "1 if the named adapter is currently connected, else 0",
			},
			[]string{"source"},
		),
		AdapterReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdgateway_adapter_reconnects_total",
				Help: "Total reconnect attempts per adapter",
			},
			[]string{"source"},
		),
		UpstreamRefs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mdgateway_upstream_subscribed_instruments",
				Help: "Number of instruments with non-zero upstream demand",
			},
		),
	}

	prometheus.MustRegister(
		r.IngestTotal,
		r.IngestDropped,
		r.DeltaTotal,
		r.FullTotal,
		r.ActiveSessions,
		r.SessionsOpened,
		r.SessionsClosed,
		r.OutboxDepth,
		r.AdapterUp,
		r.AdapterReconnects,
		r.UpstreamRefs,
	)
	return r
}

// Handler returns the promhttp handler for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIngest records one ingested snapshot from source.
func (r *Registry) RecordIngest(source string) {
	r.IngestTotal.WithLabelValues(source).Inc()
}

// RecordDrop records one dropped ingest for source.
func (r *Registry) RecordDrop(source string) {
	r.IngestDropped.WithLabelValues(source).Inc()
}

// RecordSessionOpened increments the active/opened session counters.
func (r *Registry) RecordSessionOpened() {
	r.SessionsOpened.Inc()
	r.ActiveSessions.Inc()
}

// RecordSessionClosed decrements active sessions and records the reason.
func (r *Registry) RecordSessionClosed(reason string) {
	r.ActiveSessions.Dec()
	r.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordAdapterHealth sets the up gauge for source.
func (r *Registry) RecordAdapterHealth(source string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	r.AdapterUp.WithLabelValues(source).Set(v)
}

// RecordAdapterReconnect increments the reconnect counter for source.
func (r *Registry) RecordAdapterReconnect(source string) {
	r.AdapterReconnects.WithLabelValues(source).Inc()
}
