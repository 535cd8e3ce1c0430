package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_created_total",
		Help: "Total number of kiosk sessions created",
	})

	SessionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total number of session creation requests rejected",
	}, []string{"reason"})

	SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_expired_total",
		Help: "Total number of sessions observed expired on access",
	})

	SessionsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_recovered_total",
		Help: "Total number of replacement sessions issued for expired ones",
	})

	SessionDataVerifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_data_verify_retries_total",
		Help: "Total number of session data writes retried after verification mismatch",
	})

	SessionDataVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_data_verify_failures_total",
		Help: "Total number of session data writes that exhausted verification retries",
	})

	PaymentsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Total number of payments initiated with the partner",
	})

	PaymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of failed payment initiations",
	}, []string{"reason"})

	PartnerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partner_call_duration_seconds",
		Help:    "Latency of manufacturing partner API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	PartnerCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partner_call_failures_total",
		Help: "Total number of failed partner API calls",
	}, []string{"endpoint", "kind"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of partner payment callbacks received",
	}, []string{"outcome"})

	OrderSubmitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_submit_attempts_total",
		Help: "Total number of order submission attempts by request variant",
	}, []string{"variant"})

	OrdersSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Total number of orders accepted by the partner",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders that exhausted all submission fallbacks",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
