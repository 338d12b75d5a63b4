package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PHIMetrics holds the Prometheus metrics of the PHI vault. All methods are
// safe on a nil receiver so components can run without metrics.
type PHIMetrics struct {
	// Access decisions by outcome ("granted", "denied") and rule
	AccessDecisions *prometheus.CounterVec

	// PHI values stored by category
	TokensStored *prometheus.CounterVec

	// Untokenized values found by the validation service
	ValidationIssues prometheus.Counter

	// Unencrypted fields found by the last security scan, by entity type
	ScanFindings *prometheus.GaugeVec

	// Fields encrypted by remediation runs
	FieldsRemediated prometheus.Counter

	// Audit writes that failed and were swallowed, by kind
	AuditFailures *prometheus.CounterVec
}

// New creates the PHI metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *PHIMetrics {
	f := promauto.With(reg)
	return &PHIMetrics{
		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emdr_phi_access_decisions_total",
			Help: "Total PHI access decisions by outcome and deciding rule",
		}, []string{"outcome", "rule"}),

		TokensStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emdr_phi_tokens_stored_total",
			Help: "Total PHI values stored in the vault by category",
		}, []string{"category"}),

		ValidationIssues: f.NewCounter(prometheus.CounterOpts{
			Name: "emdr_phi_validation_issues_total",
			Help: "Total untokenized or unknown-token values flagged by validation",
		}),

		ScanFindings: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emdr_phi_scan_findings",
			Help: "Records with unencrypted PHI found by the most recent security scan",
		}, []string{"entity_type"}),

		FieldsRemediated: f.NewCounter(prometheus.CounterOpts{
			Name: "emdr_phi_fields_remediated_total",
			Help: "Total stored fields encrypted in place by remediation",
		}),

		AuditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emdr_phi_audit_write_failures_total",
			Help: "Audit writes that failed and were swallowed, by record kind",
		}, []string{"kind"}),
	}
}

// IncAccessDecision records one access decision.
func (m *PHIMetrics) IncAccessDecision(granted bool, rule string) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.AccessDecisions.WithLabelValues(outcome, rule).Inc()
}

// IncTokenStored records one vault write.
func (m *PHIMetrics) IncTokenStored(category string) {
	if m != nil {
		m.TokensStored.WithLabelValues(category).Inc()
	}
}

// IncValidationIssue records one validation failure.
func (m *PHIMetrics) IncValidationIssue() {
	if m != nil {
		m.ValidationIssues.Inc()
	}
}

// SetScanFindings records the finding count of a completed scan.
func (m *PHIMetrics) SetScanFindings(entityType string, count int) {
	if m != nil {
		m.ScanFindings.WithLabelValues(entityType).Set(float64(count))
	}
}

// AddFieldsRemediated records fields encrypted by a remediation run.
func (m *PHIMetrics) AddFieldsRemediated(n int) {
	if m != nil && n > 0 {
		m.FieldsRemediated.Add(float64(n))
	}
}

// IncAuditFailure records a swallowed audit write failure.
func (m *PHIMetrics) IncAuditFailure(kind string) {
	if m != nil {
		m.AuditFailures.WithLabelValues(kind).Inc()
	}
}
