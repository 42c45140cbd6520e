// Package metrics holds the Prometheus collectors of the transaction platform.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts admission outcomes by result (created, replayed, rejected, error).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactions",
		Name:      "admissions_total",
		Help:      "Transaction admission attempts by outcome.",
	}, []string{"outcome"})

	// Settlements counts terminal outcomes written by the lifecycle engine.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactions",
		Name:      "settlements_total",
		Help:      "Transactions moved to a terminal status.",
	}, []string{"status"})

	// MessageResults counts handler results per topic.
	MessageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactions",
		Name:      "broker_message_results_total",
		Help:      "Broker deliveries by handler result.",
	}, []string{"topic", "result"})

	// PublishFailures counts events that could not be confirmed by the broker.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactions",
		Name:      "publish_failures_total",
		Help:      "Event publications that failed after retries.",
	}, []string{"event_type"})

	// Republished counts events re-emitted by the reconciler.
	Republished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactions",
		Name:      "reconciler_republished_total",
		Help:      "Events republished by the reconciliation sweep.",
	}, []string{"event_type"})

	// CustomerValidationDuration observes customer service round trips.
	CustomerValidationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transactions",
		Name:      "customer_validation_duration_seconds",
		Help:      "Latency of customer validation calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
)
