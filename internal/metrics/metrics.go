// Package metrics holds the Prometheus collectors shared by the processors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeFulfilled    = "fulfilled"
	OutcomeRefunded     = "refunded"
	OutcomeSkipped      = "skipped"
	OutcomeApplied      = "applied"
	OutcomeInsufficient = "insufficient_funds"
	OutcomeDuplicate    = "duplicate"
	OutcomeDropped      = "dropped"
	OutcomeError        = "error"
)

var (
	OrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_orders_processed_total",
		Help: "Orders resolved by the fulfillment processor",
	}, []string{"outcome"})

	TransfersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_transfers_processed_total",
		Help: "Transfer queue entries consumed",
	}, []string{"outcome"})

	RatingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_ratings_processed_total",
		Help: "Rating queue entries consumed",
	}, []string{"outcome"})

	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topup_external_call_duration_seconds",
		Help:    "Latency of calls to the fulfillment provider and the liquidity oracle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"target", "status"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topup_queue_pass_duration_seconds",
		Help:    "Duration of one queue drain pass",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"queue"})

	PassErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_pass_errors_total",
		Help: "Drain passes, resyncs and sweeps that failed before completing",
	}, []string{"job"})

	AlertFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_alert_failures_total",
		Help: "Alerts that could not be stored or published",
	}, []string{"sink"})
)
