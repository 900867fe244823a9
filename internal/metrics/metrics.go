package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gatewayDecisions counts compliance gateway verdicts.
	// Labels:
	// - outcome: "sent", "queued" or "blocked"
	// - reason:  block reason, empty for sent/queued
	gatewayDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Subsystem: "gateway",
			Name:      "decisions_total",
			Help:      "Compliance gateway decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	transportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "gateway",
		Name:      "transport_errors_total",
		Help:      "Outbound transport calls that failed or timed out",
	})

	transportSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "messaging",
		Subsystem: "gateway",
		Name:      "transport_seconds",
		Help:      "Outbound transport call latency",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// schedulerMessages counts per-message results of scheduler runs.
	// Labels:
	// - result: "sent", "skipped", "failed"
	schedulerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Subsystem: "scheduler",
			Name:      "messages_total",
			Help:      "Scheduled messages handled by scheduler runs",
		},
		[]string{"result"},
	)

	schedulerRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "messaging",
		Subsystem: "scheduler",
		Name:      "run_seconds",
		Help:      "Duration of one scheduler run",
		Buckets:   prometheus.DefBuckets,
	})

	// escalationClaims counts claim attempts.
	// Labels:
	// - result: "won", "already_claimed", "invalid_token"
	escalationClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Subsystem: "escalation",
			Name:      "claims_total",
			Help:      "Escalation claim attempts by result",
		},
		[]string{"result"},
	)

	// notifications counts responder notifications.
	// Labels:
	// - channel: "sms" or "email"
	// - status:  "success" or "failure"
	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Subsystem: "escalation",
			Name:      "notifications_total",
			Help:      "Responder notifications by channel and status",
		},
		[]string{"channel", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "messaging",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

func IncDecision(outcome, reason string) {
	if outcome == "" {
		outcome = "unknown"
	}
	gatewayDecisions.WithLabelValues(outcome, reason).Inc()
}

func IncTransportError() { transportErrors.Inc() }

func ObserveTransport(seconds float64) { transportSeconds.Observe(seconds) }

func AddSchedulerMessages(result string, n int) {
	if n <= 0 {
		return
	}
	schedulerMessages.WithLabelValues(result).Add(float64(n))
}

func ObserveSchedulerRun(seconds float64) { schedulerRunSeconds.Observe(seconds) }

func IncEscalationClaim(result string) {
	if result == "" {
		result = "unknown"
	}
	escalationClaims.WithLabelValues(result).Inc()
}

func IncNotification(channel string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	notifications.WithLabelValues(channel, status).Inc()
}
