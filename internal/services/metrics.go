package services

import "github.com/prometheus/client_golang/prometheus"

var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestor_reservations_total",
			Help: "Reservation requests by outcome.",
		},
		[]string{"outcome"},
	)
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestor_payments_total",
			Help: "Validated incoming payments by outcome.",
		},
		[]string{"outcome"},
	)
	attestationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestor_attestations_total",
			Help: "Attestation posting attempts by result.",
		},
		[]string{"result"},
	)
	expiryWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attestor_expiry_warnings_total",
			Help: "Expiry warnings delivered.",
		},
	)
	fundMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attestor_fund_moves_total",
			Help: "Bounce, consolidation and payout sends by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(reservationsTotal, paymentsTotal, attestationsTotal, expiryWarningsTotal, fundMovesTotal)
}
