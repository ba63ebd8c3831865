package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CertTransitions counts certificate status transitions by edge.
	CertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certflow_certificate_transitions_total",
		Help: "Certificate status transitions, labelled by from/to status",
	}, []string{"from", "to"})

	// IssuanceDuration observes wall time from request to issued.
	IssuanceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "certflow_issuance_duration_seconds",
		Help:    "Time from issuance request to issued certificate",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
	}, []string{"provider"})

	// WebhookEvents counts provider webhook deliveries by outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certflow_webhook_events_total",
		Help: "Provider webhook deliveries by provider and outcome (applied, stale, rejected, unknown)",
	}, []string{"provider", "outcome"})

	// RenewalScanCandidates reports the candidate count of the last scan.
	RenewalScanCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "certflow_renewal_scan_candidates",
		Help: "Certificates inside their renewal window at the last scheduler scan",
	})

	// RevokeAckFailures counts revocations the CA never acknowledged.
	RevokeAckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certflow_revoke_ack_failures_total",
		Help: "Revocations applied locally after the provider retry budget was exhausted",
	}, []string{"provider"})

	// ProviderCalls counts adapter calls by provider, operation, result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certflow_provider_calls_total",
		Help: "Provider adapter calls by operation and result",
	}, []string{"provider", "op", "result"})
)
