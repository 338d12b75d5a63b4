package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/db"
)

// ScanStorePG stores scans in the security_scan table.
type ScanStorePG struct {
	pool *pgxpool.Pool
}

func NewScanStorePG(pool *pgxpool.Pool) *ScanStorePG {
	return &ScanStorePG{pool: pool}
}

func (s *ScanStorePG) Create(ctx context.Context, rec *ScanRecord) error {
	_, err := db.QuerierFrom(ctx, s.pool).Exec(ctx, `
		INSERT INTO security_scan (id, status, started_by, started_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, string(rec.Status), rec.StartedBy, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert security scan: %w", err)
	}
	return nil
}

// Complete locks the scan row so the state check and the write see the same
// status.
func (s *ScanStorePG) Complete(ctx context.Context, id string, findings map[string]EntityFindings, at time.Time) error {
	data, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.QuerierFrom(ctx, s.pool)

		var status string
		err := q.QueryRow(ctx, `SELECT status FROM security_scan WHERE id::text = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrScanNotFound
		}
		if err != nil {
			return fmt.Errorf("lock security scan: %w", err)
		}
		if ScanStatus(status) != ScanInProgress {
			return &InvalidScanStateError{ScanID: id, Status: ScanStatus(status)}
		}

		if _, err := q.Exec(ctx, `
			UPDATE security_scan SET status = $2, findings = $3, completed_at = $4 WHERE id::text = $1`,
			id, string(ScanCompleted), data, at,
		); err != nil {
			return fmt.Errorf("complete security scan: %w", err)
		}
		return nil
	})
}

func (s *ScanStorePG) Fail(ctx context.Context, id string, reason string, at time.Time) error {
	tag, err := db.QuerierFrom(ctx, s.pool).Exec(ctx, `
		UPDATE security_scan SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		id, string(ScanFailed), reason, at,
	)
	if err != nil {
		return fmt.Errorf("fail security scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScanNotFound
	}
	return nil
}

func (s *ScanStorePG) Get(ctx context.Context, id string) (*ScanRecord, error) {
	var rec ScanRecord
	var status string
	var findings, remediations []byte
	var errText *string
	err := db.QuerierFrom(ctx, s.pool).QueryRow(ctx, `
		SELECT id::text, status, started_by, started_at, completed_at, findings, remediations, error
		FROM security_scan WHERE id::text = $1`, id,
	).Scan(&rec.ID, &status, &rec.StartedBy, &rec.StartedAt, &rec.CompletedAt, &findings, &remediations, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get security scan: %w", err)
	}

	rec.Status = ScanStatus(status)
	if errText != nil {
		rec.Error = *errText
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &rec.Findings); err != nil {
			return nil, fmt.Errorf("decode findings: %w", err)
		}
	}
	if len(remediations) > 0 {
		if err := json.Unmarshal(remediations, &rec.Remediations); err != nil {
			return nil, fmt.Errorf("decode remediations: %w", err)
		}
	}
	return &rec, nil
}

func (s *ScanStorePG) AppendRemediation(ctx context.Context, id string, report RemediationReport) error {
	data, err := json.Marshal([]RemediationReport{report})
	if err != nil {
		return fmt.Errorf("marshal remediation: %w", err)
	}
	tag, err := db.QuerierFrom(ctx, s.pool).Exec(ctx, `
		UPDATE security_scan SET remediations = remediations || $2::jsonb WHERE id::text = $1`,
		id, string(data),
	)
	if err != nil {
		return fmt.Errorf("append remediation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScanNotFound
	}
	return nil
}

// EntityStorePG reads scan targets straight from their tables. Table and
// column names come from the declared targets and are always quoted.
type EntityStorePG struct {
	pool *pgxpool.Pool
}

func NewEntityStorePG(pool *pgxpool.Pool) *EntityStorePG {
	return &EntityStorePG{pool: pool}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (s *EntityStorePG) ListRecords(ctx context.Context, target ScanTarget) ([]EntityRecord, error) {
	cols := make([]string, 0, len(target.Fields)+1)
	cols = append(cols, ident(target.IDColumn)+"::text")
	for _, f := range target.Fields {
		cols = append(cols, ident(f.Column))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY 1", strings.Join(cols, ", "), ident(target.Table))

	rows, err := db.QuerierFrom(ctx, s.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", target.EntityType, err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var id string
		vals := make([]*string, len(target.Fields))
		dest := make([]any, 0, len(vals)+1)
		dest = append(dest, &id)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", target.EntityType, err)
		}

		r := EntityRecord{ID: id, Values: make(map[string]string, len(target.Fields))}
		for i, f := range target.Fields {
			if vals[i] != nil {
				r.Values[f.Name] = *vals[i]
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", target.EntityType, err)
	}
	return out, nil
}

func (s *EntityStorePG) GetField(ctx context.Context, target ScanTarget, recordID string, field ScanField) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s::text = $1",
		ident(field.Column), ident(target.Table), ident(target.IDColumn))

	var v *string
	err := db.QuerierFrom(ctx, s.pool).QueryRow(ctx, query, recordID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s.%s: %w", target.EntityType, field.Name, err)
	}
	if v == nil {
		return "", true, nil
	}
	return *v, true, nil
}

func (s *EntityStorePG) UpdateFieldIf(ctx context.Context, target ScanTarget, recordID string, field ScanField, old, value string) (bool, error) {
	query := fmt.Sprintf("UPDATE %s SET %s = $2 WHERE %s::text = $1 AND %s = $3",
		ident(target.Table), ident(field.Column), ident(target.IDColumn), ident(field.Column))

	tag, err := db.QuerierFrom(ctx, s.pool).Exec(ctx, query, recordID, value, old)
	if err != nil {
		return false, fmt.Errorf("update %s.%s: %w", target.EntityType, field.Name, err)
	}
	return tag.RowsAffected() == 1, nil
}
