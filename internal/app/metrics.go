package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_webhook_callbacks_total",
		Help: "Gateway callbacks by processing outcome",
	}, []string{"outcome"})

	dealTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_deal_transitions_total",
		Help: "Committed deal transitions by target status",
	}, []string{"to"})

	settlementEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_settlement_entries_total",
		Help: "Wallet logs processed by settlement outcome",
	}, []string{"outcome"})

	gatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gateway_attempts_total",
		Help: "Calls to external collaborators by outcome",
	}, []string{"collaborator", "outcome"})

	settlementBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_settlement_batch_duration_seconds",
		Help:    "Duration of settlement batch runs",
		Buckets: prometheus.DefBuckets,
	})
)
