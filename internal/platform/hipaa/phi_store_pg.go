package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/db"
)

// PHIStorePG stores PHI records in the phi_record table.
type PHIStorePG struct {
	pool *pgxpool.Pool
}

func NewPHIStorePG(pool *pgxpool.Pool) *PHIStorePG {
	return &PHIStorePG{pool: pool}
}

func (s *PHIStorePG) Upsert(ctx context.Context, rec *PHIRecord) error {
	_, err := db.QuerierFrom(ctx, s.pool).Exec(ctx, `
		INSERT INTO phi_record (token, owner_id, category, ciphertext, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			category = EXCLUDED.category,
			ciphertext = EXCLUDED.ciphertext,
			last_accessed_at = EXCLUDED.last_accessed_at`,
		rec.Token, rec.OwnerID, string(rec.Category), rec.Ciphertext, rec.CreatedAt, rec.LastAccessedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert phi record: %w", err)
	}
	return nil
}

func (s *PHIStorePG) Get(ctx context.Context, token string) (*PHIRecord, error) {
	var rec PHIRecord
	var category string
	err := db.QuerierFrom(ctx, s.pool).QueryRow(ctx, `
		SELECT token, owner_id, category, ciphertext, created_at, last_accessed_at
		FROM phi_record WHERE token = $1`, token,
	).Scan(&rec.Token, &rec.OwnerID, &category, &rec.Ciphertext, &rec.CreatedAt, &rec.LastAccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("get phi record: %w", err)
	}
	rec.Category = Category(category)
	return &rec, nil
}

func (s *PHIStorePG) Touch(ctx context.Context, token string, at time.Time) error {
	tag, err := db.QuerierFrom(ctx, s.pool).Exec(ctx,
		`UPDATE phi_record SET last_accessed_at = $2 WHERE token = $1`, token, at)
	if err != nil {
		return fmt.Errorf("touch phi record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownToken
	}
	return nil
}
