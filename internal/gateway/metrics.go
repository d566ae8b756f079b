package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/pipeline"
)

var (
	paymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_payments_total",
		Help: "Paid-request outcomes by route and result.",
	}, []string{"route", "result"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_settlements_total",
		Help: "On-chain settlements submitted and confirmed.",
	}, []string{"route"})

	creditsConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_credits_consumed_total",
		Help: "Requests served by redeeming a credit.",
	}, []string{"route"})

	idempotentHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_idempotent_hits_total",
		Help: "Requests served from the idempotency cache.",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(paymentsTotal, settlementsTotal, creditsConsumedTotal, idempotentHitsTotal)
}

// observe records the pipeline outcome for one request.
func observe(routeKey string, out *pipeline.Outcome) {
	switch {
	case out.Settled:
		paymentsTotal.WithLabelValues(routeKey, "settled").Inc()
		settlementsTotal.WithLabelValues(routeKey).Inc()
	case out.CreditConsumed:
		paymentsTotal.WithLabelValues(routeKey, "credit").Inc()
		creditsConsumedTotal.WithLabelValues(routeKey).Inc()
	case out.Proceed:
		paymentsTotal.WithLabelValues(routeKey, "cached").Inc()
		idempotentHitsTotal.WithLabelValues(routeKey).Inc()
	default:
		result := out.Reason
		if result == "" {
			result = "challenge"
		}
		paymentsTotal.WithLabelValues(routeKey, result).Inc()
	}
}
