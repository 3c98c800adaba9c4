// Package metrics exposes pipeline counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prestapay",
		Name:      "settlements_total",
		Help:      "Settlements processed, by outcome.",
	}, []string{"outcome"})

	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prestapay",
		Name:      "payouts_total",
		Help:      "Payout state transitions applied, by outcome.",
	}, []string{"outcome"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prestapay",
		Name:      "refunds_total",
		Help:      "Refund requests processed, by outcome.",
	}, []string{"outcome"})

	EarningsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prestapay",
		Name:      "earnings_promoted_total",
		Help:      "Pending earnings promoted to available by the sweep.",
	})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prestapay",
		Name:      "ledger_invariant_violations_total",
		Help:      "Conservation check failures. Must stay at zero.",
	})
)
