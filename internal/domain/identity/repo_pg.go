package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/db"
)

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) GetActor(ctx context.Context, id string) (*ActorRecord, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		// Ids that are not UUIDs cannot exist in app_user.
		return nil, ErrNotFound
	}

	var rec ActorRecord
	err = db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `
		SELECT u.id, u.email, u.role, u.created_at, pp.id
		FROM app_user u
		LEFT JOIN practitioner_profile pp ON pp.user_id = u.id
		WHERE u.id = $1`, uid,
	).Scan(&rec.User.ID, &rec.User.Email, &rec.User.Role, &rec.User.CreatedAt, &rec.PractitionerProfileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get actor %s: %w", id, err)
	}
	return &rec, nil
}

type clientProfileRepoPG struct {
	pool *pgxpool.Pool
}

func NewClientProfileRepo(pool *pgxpool.Pool) ClientProfileRepository {
	return &clientProfileRepoPG{pool: pool}
}

func (r *clientProfileRepoPG) GetByUserID(ctx context.Context, userID string) (*ClientProfile, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrNotFound
	}

	var p ClientProfile
	err = db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `
		SELECT id, user_id, assigned_practitioner_profile_id
		FROM client_profile WHERE user_id = $1`, uid,
	).Scan(&p.ID, &p.UserID, &p.AssignedPractitionerProfileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client profile for %s: %w", userID, err)
	}
	return &p, nil
}
