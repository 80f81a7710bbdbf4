package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SeatLockAttempts counts tryLockSeats outcomes (granted, conflict, replayed)
	SeatLockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seat_lock",
			Name:      "attempts_total",
			Help:      "The total number of seat lock attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SeatLocksExpired counts HELD locks moved to EXPIRED by the reaper
	SeatLocksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seat_lock",
			Name:      "expired_total",
			Help:      "The total number of held seat locks expired by the reaper",
		},
	)

	// BookingDrafts counts createDraft outcomes
	BookingDrafts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "drafts_total",
			Help:      "The total number of booking drafts by outcome",
		},
		[]string{"outcome"},
	)

	// BookingsExpired counts bookings expired by the reaper, by previous status
	BookingsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "expired_total",
			Help:      "The total number of bookings expired by the reaper",
		},
		[]string{"from"},
	)

	// WebhooksProcessed counts reconciler outcomes per provider
	WebhooksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "webhooks_total",
			Help:      "The total number of payment notifications by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// AmountMismatches counts notifications whose amount did not match the snapshot
	AmountMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "amount_mismatch_total",
			Help:      "The total number of payment notifications rejected for amount mismatch",
		},
		[]string{"provider"},
	)

	// RefundsRequired counts refund requests opened, by reason
	RefundsRequired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "refunds_required_total",
			Help:      "The total number of refund requests opened",
		},
		[]string{"reason"},
	)

	// OutboxPublished counts relayed outbox events by result
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "events_total",
			Help:      "The total number of outbox events relayed by result",
		},
		[]string{"result"},
	)

	// RouteCallDuration observes booking-to-route RPC latency
	RouteCallDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "route_client",
			Name:       "call_duration_seconds",
			Help:       "The time spent on route service calls",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"operation", "result"},
	)
)
