package identity

import (
	"context"
	"errors"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"
)

// Directory answers the access policy's actor and client lookups from the
// practice database.
type Directory struct {
	users   UserRepository
	clients ClientProfileRepository
}

func NewDirectory(users UserRepository, clients ClientProfileRepository) *Directory {
	return &Directory{users: users, clients: clients}
}

func (d *Directory) GetActor(ctx context.Context, id string) (*hipaa.Actor, error) {
	rec, err := d.users.GetActor(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, hipaa.ErrActorNotFound
	}
	if err != nil {
		return nil, err
	}

	actor := &hipaa.Actor{ID: rec.User.ID.String(), Role: rec.User.Role}
	if rec.PractitionerProfileID != nil {
		actor.PractitionerProfileID = rec.PractitionerProfileID.String()
	}
	return actor, nil
}

func (d *Directory) GetClient(ctx context.Context, ownerID string) (*hipaa.ClientAssignment, error) {
	p, err := d.clients.GetByUserID(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, hipaa.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}

	ca := &hipaa.ClientAssignment{UserID: p.UserID.String()}
	if p.AssignedPractitionerProfileID != nil {
		ca.AssignedPractitionerProfileID = p.AssignedPractitionerProfileID.String()
	}
	return ca, nil
}
