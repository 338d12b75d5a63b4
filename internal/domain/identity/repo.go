package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("identity: not found")

type UserRepository interface {
	// GetActor returns the user with id and their practitioner profile.
	GetActor(ctx context.Context, id string) (*ActorRecord, error)
}

type ClientProfileRepository interface {
	GetByUserID(ctx context.Context, userID string) (*ClientProfile, error)
}
