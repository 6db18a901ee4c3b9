// Package metrics provides Prometheus metrics collection for Tollgate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for Tollgate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Token verification metrics
	AuthFailures *prometheus.CounterVec

	// Charge metrics
	ChargesTotal      *prometheus.CounterVec
	ChargedAmount     prometheus.Counter
	PaymentRejections *prometheus.CounterVec

	// Session metrics
	SessionsCreated prometheus.Counter

	// Reconciler metrics
	ReconcilerCycles      prometheus.Counter
	ReconcilerSettlements *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "status", "visitor"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tollgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tollgate",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "auth_failures_total",
				Help:      "Total number of token verification failures",
			},
			[]string{"reason"},
		),
		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "charges_total",
				Help:      "Total charge calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ChargedAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "charged_amount_total",
				Help:      "Total amount successfully charged",
			},
		),
		PaymentRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "payment_rejections_total",
				Help:      "Total requests rejected with 402",
			},
			[]string{"reason"},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "sessions_created_total",
				Help:      "Total usage sessions created",
			},
		),
		ReconcilerCycles: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "reconciler_cycles_total",
				Help:      "Total reconciliation cycles run",
			},
		),
		ReconcilerSettlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "reconciler_settlements_total",
				Help:      "Total expiry settlements by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tollgate",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"type"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tollgate",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tollgate",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}
