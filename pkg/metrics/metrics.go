package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records session lifecycle operations by outcome (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_auth_attempts_total",
			Help: "Total number of authentication operations",
		},
		[]string{"operation", "result"},
	)

	// RateLimitDecisions counts limiter outcomes per rule (allowed|denied|error).
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_rate_limit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"rule", "result"},
	)

	// OTPIssued counts one-time codes issued by reason (register|resend).
	OTPIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_otp_issued_total",
			Help: "Total number of one-time codes issued",
		},
		[]string{"reason"},
	)

	// EmailFailures counts notification deliveries that failed by kind (otp|password_reset).
	EmailFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_email_failures_total",
			Help: "Total number of failed email deliveries",
		},
		[]string{"kind"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authcore_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
