package faucet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"faucetd/lib/ledger"
)

var (
	dispatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_dispatch_total",
		Help: "Dispatched requests by variant and outcome.",
	}, []string{"variant", "outcome"})

	reconcileCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_reconcile_resolutions_total",
		Help: "Reservations resolved by the reconciler, by verdict.",
	}, []string{"verdict"})

	outstandingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "faucet_outstanding",
		Help: "Held plus committed ledger units per resource kind.",
	}, []string{"kind"})
)

// gauge refreshes the outstanding metric for a kind after a ledger transition.
func (f *Faucet) gauge(kind ledger.Kind) {
	outstandingGauge.WithLabelValues(string(kind)).Set(float64(f.led.Outstanding(kind)))
}
