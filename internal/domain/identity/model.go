package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is an account of the practice application: a client, a practitioner
// or an administrator.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// PractitionerProfile is the clinical profile of a practitioner user.
type PractitionerProfile struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
}

// ClientProfile links a client user to the practitioner treating them.
// Contact fields hold tokenized or encrypted values and are not loaded here.
type ClientProfile struct {
	ID                            uuid.UUID  `json:"id"`
	UserID                        uuid.UUID  `json:"user_id"`
	AssignedPractitionerProfileID *uuid.UUID `json:"assigned_practitioner_profile_id,omitempty"`
}

// ActorRecord is a user joined with their practitioner profile, if any.
type ActorRecord struct {
	User                  User
	PractitionerProfileID *uuid.UUID
}
