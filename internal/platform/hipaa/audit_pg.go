package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/db"
)

// AuditLogger writes audit entries and access attempts to Postgres.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// RecordAudit inserts into audit_entry. It uses the connection or transaction
// carried by ctx when there is one.
func (a *AuditLogger) RecordAudit(ctx context.Context, entry AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("audit entry: marshal details: %w", err)
	}

	_, err = db.QuerierFrom(ctx, a.pool).Exec(ctx, `
		INSERT INTO audit_entry (id, actor_id, action, resource_type, resource_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, details, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit entry: insert: %w", err)
	}
	return nil
}

// RecordAccessAttempt inserts into phi_access_attempt.
func (a *AuditLogger) RecordAccessAttempt(ctx context.Context, attempt AccessAttempt) error {
	_, err := db.QuerierFrom(ctx, a.pool).Exec(ctx, `
		INSERT INTO phi_access_attempt (
			id, actor_id, context_key, was_authorized, purpose, reason,
			ip_address, user_agent, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::inet, $8, $9)`,
		attempt.ID, attempt.ActorID, attempt.ContextKey, attempt.WasAuthorized, attempt.Purpose, attempt.Reason,
		attempt.IPAddress, attempt.UserAgent, attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("access attempt: insert: %w", err)
	}
	return nil
}
