// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_posts_received_total",
		Help: "Inbound channel posts, labelled by outcome (event, ignored, duplicate, foreign).",
	}, []string{"outcome"})

	TokensDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockbot_restock_tokens_dropped_total",
		Help: "Restock item tokens that did not resolve to a catalog item.",
	})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_dispatches_total",
		Help: "Completed dispatches, labelled by event kind and final state.",
	}, []string{"kind", "state"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_deliveries_total",
		Help: "Per-recipient delivery outcomes, labelled by outcome.",
	}, []string{"outcome"})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockbot_delivery_retries_total",
		Help: "Sends retried after a rate-limit signal.",
	})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockbot_dispatch_duration_seconds",
		Help:    "End-to-end dispatch latency.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	DispatchAudience = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockbot_dispatch_audience_size",
		Help:    "Number of recipients resolved per dispatch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	InFlightSends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockbot_inflight_sends",
		Help: "Sends currently in flight across all dispatches.",
	})

	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_sweeps_total",
		Help: "Subscription sweeps, labelled by result (ok, error, skipped).",
	}, []string{"result"})

	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_sweep_transitions_total",
		Help: "Raw membership transitions observed by sweeps.",
	}, []string{"direction"})

	MembershipCheckErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockbot_membership_check_errors_total",
		Help: "Membership checks that failed and were treated as not subscribed.",
	})

	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockbot_subscribers",
		Help: "Subscribers by state as of the last sweep (total, subscribed, exempt).",
	}, []string{"state"})
)
