package hipaa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
)

// Audit action vocabulary.
const (
	ActionStorePHI             = "STORE_PHI"
	ActionAccessPHI            = "ACCESS_PHI"
	ActionAccessGranted        = "PHI_ACCESS_GRANTED"
	ActionAccessDenied         = "PHI_ACCESS_DENIED"
	ActionInvalidToken         = "INVALID_PHI_TOKEN"
	ActionUntokenizedPHI       = "UNTOKENIZED_PHI"
	ActionScanStarted          = "SECURITY_SCAN_STARTED"
	ActionScanCompleted        = "SECURITY_SCAN_COMPLETED"
	ActionScanFailed           = "SECURITY_SCAN_FAILED"
	ActionRemediationCompleted = "SECURITY_REMEDIATION_COMPLETED"
	ActionKeyMisconfiguration  = "KEY_MISCONFIGURATION"
)

// Resource types used in audit entries.
const (
	ResourcePHIRecord    = "PHIRecord"
	ResourceField        = "Field"
	ResourceSecurityScan = "SecurityScan"
)

// AuditEntry is an immutable record of a security-relevant action.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// AccessAttempt is written once per access decision, granted or denied.
type AccessAttempt struct {
	ID            uuid.UUID `json:"id"`
	ActorID       string    `json:"actor_id"`
	ContextKey    string    `json:"context_key"`
	WasAuthorized bool      `json:"was_authorized"`
	Purpose       string    `json:"purpose"`
	Reason        string    `json:"reason"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditSink is the append-only destination for audit entries and access
// attempts.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
	RecordAccessAttempt(ctx context.Context, attempt AccessAttempt) error
}

// Auditor writes to an AuditSink synchronously and never lets a sink failure
// reach the caller: failures are logged and counted instead.
type Auditor struct {
	sink    AuditSink
	logger  zerolog.Logger
	metrics *metrics.PHIMetrics
	now     func() time.Time
}

// NewAuditor wraps sink. metrics may be nil.
func NewAuditor(sink AuditSink, logger zerolog.Logger, m *metrics.PHIMetrics) *Auditor {
	return &Auditor{
		sink:    sink,
		logger:  logger.With().Str("component", "phi-audit").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an audit entry. ID and Timestamp are filled when unset.
func (a *Auditor) Record(ctx context.Context, entry AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if err := a.sink.RecordAudit(ctx, entry); err != nil {
		a.metrics.IncAuditFailure("audit_entry")
		a.logger.Error().Err(err).
			Str("action", entry.Action).
			Str("resource_type", entry.ResourceType).
			Str("resource_id", entry.ResourceID).
			Msg("failed to write audit entry")
	}
}

// RecordAccessAttempt appends an access attempt.
func (a *Auditor) RecordAccessAttempt(ctx context.Context, attempt AccessAttempt) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = a.now()
	}
	if err := a.sink.RecordAccessAttempt(ctx, attempt); err != nil {
		a.metrics.IncAuditFailure("access_attempt")
		a.logger.Error().Err(err).
			Str("actor_id", attempt.ActorID).
			Bool("authorized", attempt.WasAuthorized).
			Msg("failed to write access attempt")
	}
}

// MultiSink fans entries out to every sink. All sinks are attempted; the
// joined error of the failures is returned.
type MultiSink []AuditSink

func (m MultiSink) RecordAudit(ctx context.Context, entry AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordAudit(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordAccessAttempt(ctx context.Context, attempt AccessAttempt) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordAccessAttempt(ctx, attempt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
