// Package metrics exposes the pollinator's Prometheus counters and gauges.
// Dispatch logic never reads these values back; they exist purely for
// observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the pollinator's Prometheus collectors under one
// registerable set.
type Registry struct {
	PeriodicDispatches *prometheus.CounterVec
	PayAfterDispatches *prometheus.CounterVec
	PendingPayAfters   prometheus.Gauge
	RPCErrors          *prometheus.CounterVec
}

// New constructs and registers the pollinator's metrics against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PeriodicDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pollinator_periodic_dispatches_total",
			Help: "Count of periodic-contract dispatch attempts by outcome.",
		}, []string{"outcome"}),
		PayAfterDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pollinator_payafter_dispatches_total",
			Help: "Count of pay-after dispatch attempts by outcome.",
		}, []string{"outcome"}),
		PendingPayAfters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pollinator_pending_payafters",
			Help: "Current number of pay-after transactions waiting to fire.",
		}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pollinator_rpc_errors_total",
			Help: "Count of RPC call failures by call name.",
		}, []string{"call"}),
	}

	reg.MustRegister(r.PeriodicDispatches, r.PayAfterDispatches, r.PendingPayAfters, r.RPCErrors)
	return r
}
