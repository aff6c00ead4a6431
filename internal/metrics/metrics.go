// Package metrics exposes Prometheus instrumentation for the gate
// pipeline's operational signals.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxLabelLen is the maximum length for a metric label value
const maxLabelLen = 64

// sanitizeLabel ensures a label value is safe for Prometheus:
// - Truncates to maxLabelLen
// - Replaces spaces with underscores
// - Returns "unknown" for empty values
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// GateMetrics manages Prometheus instrumentation for entitlement
// decisions, quota enforcement, provider routing and risk escalation.
type GateMetrics struct {
	// Entitlement denials by capability and tier
	accessDenied *prometheus.CounterVec

	// Quota rejections by resource and tier
	quotaExceeded *prometheus.CounterVec

	// Routing outcomes
	routingDecisions *prometheus.CounterVec
	routingExhausted *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerOutcomes *prometheus.CounterVec

	// Risk escalation lifecycle by terminal outcome
	riskEscalations *prometheus.CounterVec

	// License verification outcomes (ok, degraded, invalid, unavailable)
	licenseVerifications *prometheus.CounterVec
}

var (
	gateMetricsInstance *GateMetrics
	gateMetricsOnce     sync.Once
)

// Get returns the singleton gate metrics instance.
func Get() *GateMetrics {
	gateMetricsOnce.Do(func() {
		gateMetricsInstance = newGateMetrics()
	})
	return gateMetricsInstance
}

func newGateMetrics() *GateMetrics {
	m := &GateMetrics{
		accessDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "gate",
				Name:      "access_denied_total",
				Help:      "Total entitlement denials by capability and tier",
			},
			[]string{"capability", "tier"},
		),
		quotaExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "gate",
				Name:      "quota_exceeded_total",
				Help:      "Total quota rejections by resource and tier",
			},
			[]string{"resource", "tier"},
		),
		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "router",
				Name:      "decisions_total",
				Help:      "Total routing decisions by chosen provider",
			},
			[]string{"provider"},
		),
		routingExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "router",
				Name:      "exhausted_total",
				Help:      "Total requests with no provider available by tier",
			},
			[]string{"tier"},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Total requests routed to each provider",
			},
			[]string{"provider"},
		),
		providerOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "provider",
				Name:      "outcomes_total",
				Help:      "Total reported provider outcomes by provider and result",
			},
			[]string{"provider", "result"},
		),
		riskEscalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "risk",
				Name:      "escalations_total",
				Help:      "Total risk escalation events by outcome",
			},
			[]string{"outcome"},
		),
		licenseVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlegate",
				Subsystem: "license",
				Name:      "verifications_total",
				Help:      "Total license verifications by result",
			},
			[]string{"result"},
		),
	}

	prometheus.MustRegister(
		m.accessDenied,
		m.quotaExceeded,
		m.routingDecisions,
		m.routingExhausted,
		m.providerRequests,
		m.providerOutcomes,
		m.riskEscalations,
		m.licenseVerifications,
	)

	return m
}

// RecordAccessDenied records an entitlement denial.
func (m *GateMetrics) RecordAccessDenied(capability, tier string) {
	m.accessDenied.WithLabelValues(sanitizeLabel(capability), sanitizeLabel(tier)).Inc()
}

// RecordQuotaExceeded records a quota rejection.
func (m *GateMetrics) RecordQuotaExceeded(resource, tier string) {
	m.quotaExceeded.WithLabelValues(sanitizeLabel(resource), sanitizeLabel(tier)).Inc()
}

// RecordRoutingDecision records a successful provider selection.
func (m *GateMetrics) RecordRoutingDecision(provider string) {
	m.routingDecisions.WithLabelValues(sanitizeLabel(provider)).Inc()
	m.providerRequests.WithLabelValues(sanitizeLabel(provider)).Inc()
}

// RecordRoutingExhausted records a request that found no provider
// after tier filtering and avoidance.
func (m *GateMetrics) RecordRoutingExhausted(tier string) {
	m.routingExhausted.WithLabelValues(sanitizeLabel(tier)).Inc()
}

// RecordProviderOutcome records a reported provider result.
// result should be a small enum ("success", "failure"), not free text.
func (m *GateMetrics) RecordProviderOutcome(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.providerOutcomes.WithLabelValues(sanitizeLabel(provider), result).Inc()
}

// RecordRiskEscalation records a risk escalation event.
// outcome is one of: created, confirmed, rejected, timed_out, consumed.
func (m *GateMetrics) RecordRiskEscalation(outcome string) {
	m.riskEscalations.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// RecordLicenseVerification records a license verification result.
// result is one of: ok, degraded, invalid, unavailable.
func (m *GateMetrics) RecordLicenseVerification(result string) {
	m.licenseVerifications.WithLabelValues(sanitizeLabel(result)).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
