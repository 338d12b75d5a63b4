package hipaa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
)

// ScanStatus is the lifecycle state of a security scan.
type ScanStatus string

const (
	ScanInProgress ScanStatus = "IN_PROGRESS"
	ScanCompleted  ScanStatus = "COMPLETED"
	ScanFailed     ScanStatus = "FAILED"
)

// RecordFinding lists the unencrypted fields of one record.
type RecordFinding struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

// EntityFindings summarises one entity type.
type EntityFindings struct {
	Count   int             `json:"count"`
	Records []RecordFinding `json:"records"`
}

// ScanRecord is the persisted scan. Findings is a snapshot and is never
// changed after completion; remediation runs append to Remediations.
type ScanRecord struct {
	ID           string                    `json:"id"`
	Status       ScanStatus                `json:"status"`
	StartedBy    string                    `json:"started_by"`
	StartedAt    time.Time                 `json:"started_at"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	Findings     map[string]EntityFindings `json:"findings,omitempty"`
	Remediations []RemediationReport       `json:"remediations,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// ScanReport is returned by Scan.
type ScanReport struct {
	ScanID        string                    `json:"scan_id"`
	Status        ScanStatus                `json:"status"`
	TotalFindings int                       `json:"total_findings"`
	Findings      map[string]EntityFindings `json:"findings"`
}

// RemediationReport is returned by Remediate. Processed counts every flagged
// field; Encrypted counts the ones written back.
type RemediationReport struct {
	ScanID      string    `json:"scan_id"`
	Processed   int       `json:"processed"`
	Encrypted   int       `json:"encrypted"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	PerformedBy string    `json:"performed_by"`
	PerformedAt time.Time `json:"performed_at"`
}

// ScanStore persists scan records.
type ScanStore interface {
	Create(ctx context.Context, rec *ScanRecord) error
	Complete(ctx context.Context, id string, findings map[string]EntityFindings, at time.Time) error
	Fail(ctx context.Context, id string, reason string, at time.Time) error
	// Get returns ErrScanNotFound for unknown ids.
	Get(ctx context.Context, id string) (*ScanRecord, error)
	AppendRemediation(ctx context.Context, id string, report RemediationReport) error
}

// EntityRecord is one stored row of a scan target, values keyed by field
// name. NULL columns read as "".
type EntityRecord struct {
	ID     string
	Values map[string]string
}

// EntityStore reads and repairs the stored practice records.
type EntityStore interface {
	ListRecords(ctx context.Context, target ScanTarget) ([]EntityRecord, error)
	GetField(ctx context.Context, target ScanTarget, recordID string, field ScanField) (string, bool, error)
	// UpdateFieldIf writes value only while the field still holds old and
	// reports whether it did.
	UpdateFieldIf(ctx context.Context, target ScanTarget, recordID string, field ScanField, old, value string) (bool, error)
}

// ScannerConfig tunes a Scanner. Zero values select the defaults.
type ScannerConfig struct {
	Targets     []ScanTarget
	Concurrency int
}

// Scanner finds stored PHI that is not encrypted and encrypts it in place.
type Scanner struct {
	targets     []ScanTarget
	concurrency int
	entities    EntityStore
	scans       ScanStore
	cipher      *Cipher
	auditor     *Auditor
	metrics     *metrics.PHIMetrics
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewScanner(cfg ScannerConfig, entities EntityStore, scans ScanStore, c *Cipher, auditor *Auditor, m *metrics.PHIMetrics, logger zerolog.Logger) *Scanner {
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultScanTargets()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Scanner{
		targets:     cfg.Targets,
		concurrency: cfg.Concurrency,
		entities:    entities,
		scans:       scans,
		cipher:      c,
		auditor:     auditor,
		metrics:     m,
		logger:      logger.With().Str("component", "security-scan").Logger(),
		tracer:      otel.Tracer("github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Scan sweeps every target and records which fields hold unencrypted values.
// The scan is marked COMPLETED only after every entity type was processed;
// if any entity cannot be loaded it is marked FAILED and may be re-run.
func (s *Scanner) Scan(ctx context.Context, adminActorID string) (*ScanReport, error) {
	ctx, sp := s.tracer.Start(ctx, "phi.SecurityScan")
	defer sp.End()

	rec := &ScanRecord{
		ID:        uuid.NewString(),
		Status:    ScanInProgress,
		StartedBy: adminActorID,
		StartedAt: s.now(),
	}
	if err := s.scans.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("security scan: create record: %w", err)
	}
	sp.SetAttributes(attribute.String("scan.id", rec.ID))
	s.auditor.Record(ctx, AuditEntry{
		ActorID:      adminActorID,
		Action:       ActionScanStarted,
		ResourceType: ResourceSecurityScan,
		ResourceID:   rec.ID,
	})
	s.logger.Info().Str("scan_id", rec.ID).Str("actor_id", adminActorID).Msg("security scan started")

	findings := make(map[string]EntityFindings, len(s.targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, target := range s.targets {
		target := target
		g.Go(func() error {
			ef, err := s.scanEntity(gctx, target)
			if err != nil {
				return fmt.Errorf("scan %s: %w", target.EntityType, err)
			}
			mu.Lock()
			findings[target.EntityType] = ef
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "scan failed")
		s.fail(ctx, rec.ID, adminActorID, err)
		return nil, fmt.Errorf("security scan %s: %w", rec.ID, err)
	}

	if err := s.scans.Complete(ctx, rec.ID, findings, s.now()); err != nil {
		err = fmt.Errorf("complete: %w", err)
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "scan failed")
		s.fail(ctx, rec.ID, adminActorID, err)
		return nil, fmt.Errorf("security scan %s: %w", rec.ID, err)
	}

	total := 0
	counts := make(map[string]any, len(findings))
	for entityType, ef := range findings {
		total += ef.Count
		counts[entityType] = ef.Count
		s.metrics.SetScanFindings(entityType, ef.Count)
	}
	sp.SetAttributes(attribute.Int("scan.findings", total))

	s.auditor.Record(ctx, AuditEntry{
		ActorID:      adminActorID,
		Action:       ActionScanCompleted,
		ResourceType: ResourceSecurityScan,
		ResourceID:   rec.ID,
		Details:      map[string]any{"total_findings": total, "findings": counts},
	})
	s.logger.Info().Str("scan_id", rec.ID).Int("findings", total).Msg("security scan completed")

	return &ScanReport{ScanID: rec.ID, Status: ScanCompleted, TotalFindings: total, Findings: findings}, nil
}

func (s *Scanner) scanEntity(ctx context.Context, target ScanTarget) (EntityFindings, error) {
	records, err := s.entities.ListRecords(ctx, target)
	if err != nil {
		return EntityFindings{}, err
	}

	ef := EntityFindings{Records: []RecordFinding{}}
	for _, r := range records {
		var fields []string
		for _, f := range target.Fields {
			v := r.Values[f.Name]
			if v != "" && !LooksEncrypted(v) {
				fields = append(fields, f.Name)
			}
		}
		if len(fields) > 0 {
			ef.Records = append(ef.Records, RecordFinding{ID: r.ID, Fields: fields})
		}
	}
	sort.Slice(ef.Records, func(i, j int) bool { return ef.Records[i].ID < ef.Records[j].ID })
	ef.Count = len(ef.Records)
	return ef, nil
}

func (s *Scanner) fail(ctx context.Context, scanID, actorID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.scans.Fail(ctx, scanID, cause.Error(), s.now()); err != nil {
		s.logger.Error().Err(err).Str("scan_id", scanID).Msg("failed to mark scan as failed")
	}
	s.auditor.Record(ctx, AuditEntry{
		ActorID:      actorID,
		Action:       ActionScanFailed,
		ResourceType: ResourceSecurityScan,
		ResourceID:   scanID,
		Details:      map[string]any{"error": cause.Error()},
	})
	s.logger.Error().Err(cause).Str("scan_id", scanID).Msg("security scan failed")
}

// Get returns a stored scan.
func (s *Scanner) Get(ctx context.Context, scanID string) (*ScanRecord, error) {
	return s.scans.Get(ctx, scanID)
}

// Remediate encrypts the fields flagged by a completed scan. Each field is
// re-read first: values that are empty or already encrypted are skipped, and
// the write-back only lands if the value did not change in between. A failing
// field is counted and the batch continues.
func (s *Scanner) Remediate(ctx context.Context, scanID, adminActorID string) (*RemediationReport, error) {
	ctx, sp := s.tracer.Start(ctx, "phi.Remediate", trace.WithAttributes(attribute.String("scan.id", scanID)))
	defer sp.End()

	rec, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if rec.Status != ScanCompleted {
		return nil, &InvalidScanStateError{ScanID: scanID, Status: rec.Status}
	}

	report := RemediationReport{ScanID: scanID, PerformedBy: adminActorID, PerformedAt: s.now()}

	entityTypes := make([]string, 0, len(rec.Findings))
	for et := range rec.Findings {
		entityTypes = append(entityTypes, et)
	}
	sort.Strings(entityTypes)

	for _, et := range entityTypes {
		ef := rec.Findings[et]
		target, ok := s.target(et)
		for _, rf := range ef.Records {
			for _, name := range rf.Fields {
				report.Processed++
				if !ok {
					report.Failed++
					s.logger.Warn().Str("entity_type", et).Msg("no scan target for entity type")
					continue
				}
				s.remediateField(ctx, target, rf.ID, name, &report)
			}
		}
	}

	if err := s.scans.AppendRemediation(ctx, scanID, report); err != nil {
		sp.RecordError(err)
		return nil, fmt.Errorf("security scan %s: record remediation: %w", scanID, err)
	}

	s.metrics.AddFieldsRemediated(report.Encrypted)
	sp.SetAttributes(attribute.Int("remediation.encrypted", report.Encrypted))
	s.auditor.Record(ctx, AuditEntry{
		ActorID:      adminActorID,
		Action:       ActionRemediationCompleted,
		ResourceType: ResourceSecurityScan,
		ResourceID:   scanID,
		Details: map[string]any{
			"processed": report.Processed,
			"encrypted": report.Encrypted,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
		},
	})
	s.logger.Info().
		Str("scan_id", scanID).
		Int("processed", report.Processed).
		Int("encrypted", report.Encrypted).
		Int("failed", report.Failed).
		Msg("remediation completed")

	return &report, nil
}

func (s *Scanner) remediateField(ctx context.Context, target ScanTarget, recordID, name string, report *RemediationReport) {
	log := s.logger.With().Str("entity_type", target.EntityType).Str("record_id", recordID).Str("field", name).Logger()

	field, ok := target.Field(name)
	if !ok {
		report.Failed++
		log.Warn().Msg("field is not a declared scan field")
		return
	}

	current, found, err := s.entities.GetField(ctx, target, recordID, field)
	if err != nil {
		report.Failed++
		log.Error().Err(err).Msg("re-read failed")
		return
	}
	if !found || current == "" || LooksEncrypted(current) {
		report.Skipped++
		return
	}

	blob, err := s.cipher.Encrypt(current)
	if err != nil {
		report.Failed++
		log.Error().Err(err).Msg("encrypt failed")
		return
	}

	updated, err := s.entities.UpdateFieldIf(ctx, target, recordID, field, current, blob)
	if err != nil {
		report.Failed++
		log.Error().Err(err).Msg("write-back failed")
		return
	}
	if !updated {
		report.Skipped++
		log.Info().Msg("field changed since re-read, left for the next scan")
		return
	}
	report.Encrypted++
}

func (s *Scanner) target(entityType string) (ScanTarget, bool) {
	for _, t := range s.targets {
		if t.EntityType == entityType {
			return t, true
		}
	}
	return ScanTarget{}, false
}

// IsInvalidScanState reports whether err is an *InvalidScanStateError.
func IsInvalidScanState(err error) bool {
	var e *InvalidScanStateError
	return errors.As(err, &e)
}
