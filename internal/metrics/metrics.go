package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vetlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Matching metrics
	ConsultationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vetlink_consultations_created_total",
			Help: "Total consultations created",
		},
	)

	CandidatesNotified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vetlink_candidates_notified_total",
			Help: "Candidate notifications pushed to connected responders",
		},
	)

	ClaimOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetlink_claims_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"outcome"}, // won, repeat, already_claimed, not_found, invalid_state, error
	)

	Terminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetlink_consultations_terminated_total",
			Help: "Consultations reaching a terminal status",
		},
		[]string{"status", "reason"},
	)

	// Relay metrics
	ChatMessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vetlink_chat_messages_total",
			Help: "Chat messages accepted and stored",
		},
	)

	SignalingEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetlink_signaling_envelopes_total",
			Help: "Signaling envelopes by result",
		},
		[]string{"kind", "result"}, // relayed, dropped
	)

	ConnectedResponders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vetlink_connected_responder_streams",
			Help: "Open notification streams held by responders",
		},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vetlink_notifications_dropped_total",
			Help: "Notifications dropped because a subscriber buffer was full",
		},
	)
)
